// Package mention finds candidate entity mentions and coreference tokens in
// raw text. Pure heuristics, no I/O: capitalization plus a stopword list,
// with sentence-initial single tokens dropped to avoid "The"/"Draft" false
// positives.
package mention

import (
	"strings"
	"unicode"
)

// Mention is one candidate entity reference with its character span.
type Mention struct {
	Text                string
	Start               int
	End                 int
	RequiresCoreference bool
	Context             string // surrounding sentence
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"i": true, "we": true, "you": true, "my": true, "our": true, "your": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"this": true, "that": true, "these": true, "those": true,
	"please": true, "thanks": true, "hello": true, "hi": true, "hey": true,
	"draft": true, "send": true, "remind": true, "email": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true,
	"may": true, "june": true, "july": true, "august": true,
	"september": true, "october": true, "november": true, "december": true,
}

var coreferenceTokens = map[string]bool{
	"he": true, "she": true, "they": true, "it": true,
	"him": true, "her": true, "them": true,
	"his": true, "hers": true, "their": true, "its": true,
}

// IsPronoun reports whether text is a bare pronoun rather than a usable
// surface form like "the customer".
func IsPronoun(text string) bool {
	return coreferenceTokens[strings.ToLower(strings.TrimSpace(text))]
}

// entity-type nouns that turn "the customer" into a coreference mention.
var entityTypeNouns = map[string]bool{
	"customer": true, "order": true, "invoice": true, "payment": true,
	"task": true, "shipment": true, "company": true, "vendor": true,
}

// Extractor finds mentions. Zero-value is usable.
type Extractor struct{}

// New builds an extractor.
func New() *Extractor { return &Extractor{} }

type token struct {
	text          string
	start         int
	end           int
	sentenceStart bool
}

// Extract returns ordered mentions, deduplicated by lowercased surface form.
func (e *Extractor) Extract(text string) []Mention {
	var mentions []Mention
	seen := make(map[string]bool)

	add := func(m Mention) {
		key := strings.ToLower(m.Text)
		if seen[key] {
			return
		}
		seen[key] = true
		mentions = append(mentions, m)
	}

	for _, sentence := range splitSentences(text) {
		tokens := tokenize(text, sentence.start, sentence.end)
		ctx := strings.TrimSpace(text[sentence.start:sentence.end])

		for i := 0; i < len(tokens); i++ {
			tok := tokens[i]
			lower := strings.ToLower(tok.text)

			// Pronoun coreference
			if coreferenceTokens[lower] {
				add(Mention{Text: tok.text, Start: tok.start, End: tok.end, RequiresCoreference: true, Context: ctx})
				continue
			}

			// "the <entity_type>" coreference
			if lower == "the" && i+1 < len(tokens) {
				next := tokens[i+1]
				if entityTypeNouns[strings.ToLower(next.text)] {
					add(Mention{
						Text:                tok.text + " " + next.text,
						Start:               tok.start,
						End:                 next.end,
						RequiresCoreference: true,
						Context:             ctx,
					})
					i++
					continue
				}
			}

			if !isCapitalized(tok.text) {
				continue
			}

			// Greedily absorb a run of capitalized tokens into one phrase.
			j := i
			for j+1 < len(tokens) && isCapitalized(tokens[j+1].text) && !stopwords[strings.ToLower(tokens[j+1].text)] {
				j++
			}

			if j == i {
				// Single capitalized token: drop at sentence start, drop
				// stopwords and possessive fragments anywhere.
				if tok.sentenceStart || stopwords[lower] {
					continue
				}
				add(Mention{Text: tok.text, Start: tok.start, End: tok.end, Context: ctx})
				continue
			}

			// Multi-token phrase: preserved even at sentence start.
			phrase := text[tokens[i].start:tokens[j].end]
			if stopwords[strings.ToLower(phrase)] {
				i = j
				continue
			}
			add(Mention{Text: phrase, Start: tokens[i].start, End: tokens[j].end, Context: ctx})
			i = j
		}
	}

	return mentions
}

type span struct{ start, end int }

func splitSentences(text string) []span {
	var out []span
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if i > start {
				out = append(out, span{start, i})
			}
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, span{start, len(text)})
	}
	return out
}

func tokenize(text string, start, end int) []token {
	var tokens []token
	i := start
	first := true
	for i < end {
		for i < end && !isWordRune(rune(text[i])) {
			i++
		}
		if i >= end {
			break
		}
		j := i
		for j < end && isWordRune(rune(text[j])) {
			j++
		}
		word := text[i:j]
		// Strip possessive 's
		if strings.HasSuffix(word, "'s") {
			j -= 2
			word = text[i:j]
		}
		tokens = append(tokens, token{text: word, start: i, end: j, sentenceStart: first})
		first = false
		i = j
		// Skip past possessive remainder
		for i < end && isWordRune(rune(text[i])) {
			i++
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
}

func isCapitalized(word string) bool {
	if word == "" {
		return false
	}
	runes := []rune(word)
	return unicode.IsUpper(runes[0])
}

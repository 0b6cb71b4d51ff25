// Package extract turns a redacted user message into semantic triples with
// a single LLM call. Subjects must resolve to canonical entities already
// identified in the turn; triples about unknown subjects are dropped rather
// than guessed.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mnemo/internal/core"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
)

// Triple is one extracted fact bound to a canonical subject.
type Triple struct {
	SubjectEntityID string
	Predicate       string
	PredicateType   memory.PredicateType
	Object          json.RawMessage
	Confidence      float64
}

// Extractor wraps the LLM extraction call.
type Extractor struct {
	llm           core.LLMClient
	maxConfidence float64
}

// New builds an extractor. maxConfidence bounds model-reported certainty.
func New(client core.LLMClient, maxConfidence float64) *Extractor {
	if maxConfidence <= 0 {
		maxConfidence = 0.95
	}
	return &Extractor{llm: client, maxConfidence: maxConfidence}
}

const extractSystemPrompt = `You extract durable facts from support conversations as triples.
Only extract facts worth remembering across sessions: attributes, preferences,
relationships, actions taken, and policies. Ignore greetings and questions.

For each fact emit an object:
{"subject": "<entity id from the list>", "predicate": "<snake_case>",
 "predicate_type": "attribute|preference|relationship|action|policy",
 "object": <string or structured value>, "confidence": <0.0-1.0>}

Use ONLY subjects from the entity list. Respond with JSON:
{"triples": [...]}. An empty list is a valid answer.`

const extractRetryPrompt = `Extract facts as JSON {"triples":[{"subject","predicate","predicate_type","object","confidence"}]}.
Subjects must come from the entity list. JSON only.`

type rawTriple struct {
	Subject       string          `json:"subject"`
	Predicate     string          `json:"predicate"`
	PredicateType string          `json:"predicate_type"`
	Object        json.RawMessage `json:"object"`
	Confidence    float64         `json:"confidence"`
}

// Extract runs one extraction call over the redacted message. A degraded
// LLM yields no triples and no error; the turn continues without Layer 4
// writes. A malformed response is retried once with a terser prompt.
func (e *Extractor) Extract(ctx context.Context, text string, entities []*memory.CanonicalEntity) ([]Triple, error) {
	timer := logging.StartTimer(logging.CategoryExtract, "Extract")
	defer timer.Stop()

	if e.llm == nil || len(entities) == 0 {
		return nil, nil
	}

	user := buildUserPrompt(text, entities)
	opts := core.CompletionOptions{Temperature: 0, MaxTokens: 800, JSONMode: true}

	completion, err := e.llm.Complete(ctx, extractSystemPrompt, user, opts)
	if err != nil {
		logging.Get(logging.CategoryExtract).Warn("Extraction degraded, skipping triple extraction: %v", err)
		return nil, nil
	}

	triples, parseErr := e.parse(completion.Content, entities)
	if parseErr != nil {
		logging.ExtractDebug("Malformed extraction response, retrying: %v", parseErr)
		completion, err = e.llm.Complete(ctx, extractRetryPrompt, user, opts)
		if err != nil {
			logging.Get(logging.CategoryExtract).Warn("Extraction degraded on retry: %v", err)
			return nil, nil
		}
		triples, parseErr = e.parse(completion.Content, entities)
		if parseErr != nil {
			logging.Get(logging.CategoryExtract).Warn("Extraction failed after retry: %v", parseErr)
			return nil, nil
		}
	}

	logging.Extract("Extracted %d triples from message (%d entities in scope)", len(triples), len(entities))
	return triples, nil
}

func buildUserPrompt(text string, entities []*memory.CanonicalEntity) string {
	var sb strings.Builder
	sb.WriteString("Entities:\n")
	for _, e := range entities {
		fmt.Fprintf(&sb, "- id=%s type=%s name=%q\n", e.EntityID, e.EntityType, e.CanonicalName)
	}
	fmt.Fprintf(&sb, "\nMessage: %q\n", text)
	return sb.String()
}

func (e *Extractor) parse(content string, entities []*memory.CanonicalEntity) ([]Triple, error) {
	var parsed struct {
		Triples []rawTriple `json:"triples"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("invalid extraction JSON: %w", err)
	}

	known := make(map[string]bool, len(entities))
	for _, ent := range entities {
		known[ent.EntityID] = true
	}

	var out []Triple
	for _, rt := range parsed.Triples {
		if !known[rt.Subject] {
			logging.ExtractDebug("Dropping triple with unknown subject %q", rt.Subject)
			continue
		}
		pt := memory.PredicateType(strings.ToLower(strings.TrimSpace(rt.PredicateType)))
		if !memory.ValidPredicateType(pt) {
			logging.ExtractDebug("Dropping triple with invalid predicate type %q", rt.PredicateType)
			continue
		}
		pred := NormalizePredicate(rt.Predicate)
		if pred == "" || len(rt.Object) == 0 {
			continue
		}
		conf := rt.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > e.maxConfidence {
			conf = e.maxConfidence
		}
		out = append(out, Triple{
			SubjectEntityID: rt.Subject,
			Predicate:       pred,
			PredicateType:   pt,
			Object:          rt.Object,
			Confidence:      conf,
		})
	}
	return out, nil
}

// NormalizePredicate lowercases and snake_cases a predicate name.
func NormalizePredicate(p string) string {
	p = strings.TrimSpace(strings.ToLower(p))
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && sb.Len() > 0 {
				sb.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(sb.String(), "_")
}

// Package redact replaces PII substrings with opaque tokens before anything
// is stored or sent across the LLM/embedding ports. The redactor is
// stateless; which patterns are active comes from configuration.
package redact

import (
	"regexp"
	"strings"

	"mnemo/internal/logging"
)

// Replacement records one redaction for audit metadata.
type Replacement struct {
	Type           string `json:"type"`
	Token          string `json:"token"`
	OriginalLength int    `json:"original_length"`
}

// Result is a redacted text plus per-replacement metadata.
type Result struct {
	Text         string
	Replacements []Replacement
}

// Redacted reports whether any replacement was made.
func (r Result) Redacted() bool { return len(r.Replacements) > 0 }

type pattern struct {
	name  string
	token string
	re    *regexp.Regexp
}

// Pattern order matters: credit cards before phones so a 16-digit run is not
// half-eaten by the phone pattern, SSNs before phones for the dashed form.
var allPatterns = []pattern{
	{
		name:  "email",
		token: "[EMAIL-REDACTED]",
		re:    regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	},
	{
		name:  "credit_card",
		token: "[CARD-REDACTED]",
		re:    regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`),
	},
	{
		name:  "ssn",
		token: "[SSN-REDACTED]",
		re:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	},
	{
		name:  "phone",
		token: "[PHONE-REDACTED]",
		re:    regexp.MustCompile(`(?:\+?1[ \-.]?)?\(?\d{3}\)?[ \-.]\d{3}[ \-.]\d{4}\b`),
	},
}

// Redactor applies a configured subset of PII patterns.
type Redactor struct {
	patterns []pattern
}

// New builds a redactor. enabled lists pattern names (phone, email, ssn,
// credit_card); empty enables everything.
func New(enabled []string) *Redactor {
	if len(enabled) == 0 {
		return &Redactor{patterns: allPatterns}
	}
	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		want[name] = true
	}
	var ps []pattern
	for _, p := range allPatterns {
		if want[p.name] {
			ps = append(ps, p)
		}
	}
	return &Redactor{patterns: ps}
}

// Redact replaces every match with its opaque token and records replacement
// metadata in match order.
func (r *Redactor) Redact(text string) Result {
	result := Result{Text: text}
	for _, p := range r.patterns {
		matches := p.re.FindAllString(result.Text, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			result.Replacements = append(result.Replacements, Replacement{
				Type:           p.name,
				Token:          p.token,
				OriginalLength: len(m),
			})
		}
		result.Text = p.re.ReplaceAllString(result.Text, p.token)
	}
	if result.Redacted() {
		logging.Redact("redacted %d PII spans", len(result.Replacements))
	}
	return result
}

// ValidateNoPII reports whether text is free of every known PII pattern.
// Used as a test predicate on stored content and LLM output.
func ValidateNoPII(text string) bool {
	for _, p := range allPatterns {
		if p.re.MatchString(text) {
			return false
		}
	}
	return true
}

// ContainsToken reports whether text already carries a redaction token.
func ContainsToken(text string) bool {
	for _, p := range allPatterns {
		if strings.Contains(text, p.token) {
			return true
		}
	}
	return false
}

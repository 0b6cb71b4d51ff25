package mention

import (
	"strings"
	"testing"
)

func surfaces(ms []Mention) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Text
	}
	return out
}

func hasMention(ms []Mention, text string) bool {
	for _, m := range ms {
		if strings.EqualFold(m.Text, text) {
			return true
		}
	}
	return false
}

func TestExtractMultiTokenPhrase(t *testing.T) {
	e := New()
	ms := e.Extract("Draft an email for Kai Media about their unpaid invoice.")
	if !hasMention(ms, "Kai Media") {
		t.Errorf("missing Kai Media in %v", surfaces(ms))
	}
}

func TestSentenceInitialSingleTokenDropped(t *testing.T) {
	e := New()
	ms := e.Extract("Draft the reply. Remind me tomorrow.")
	if hasMention(ms, "Draft") || hasMention(ms, "Remind") {
		t.Errorf("sentence-initial tokens leaked: %v", surfaces(ms))
	}
}

func TestSentenceInitialPhrasePreserved(t *testing.T) {
	e := New()
	ms := e.Extract("Kai Media called about the invoice.")
	if !hasMention(ms, "Kai Media") {
		t.Errorf("sentence-initial phrase dropped: %v", surfaces(ms))
	}
}

func TestPronounsFlaggedForCoreference(t *testing.T) {
	e := New()
	ms := e.Extract("Ask TC Boiler if they received it.")
	var sawThey, sawIt bool
	for _, m := range ms {
		if strings.EqualFold(m.Text, "they") {
			sawThey = m.RequiresCoreference
		}
		if strings.EqualFold(m.Text, "it") {
			sawIt = m.RequiresCoreference
		}
	}
	if !sawThey || !sawIt {
		t.Errorf("pronouns not flagged: %v", surfaces(ms))
	}
}

func TestTheEntityTypeCoreference(t *testing.T) {
	e := New()
	ms := e.Extract("Follow up with the customer about payment.")
	found := false
	for _, m := range ms {
		if strings.EqualFold(m.Text, "the customer") && m.RequiresCoreference {
			found = true
		}
	}
	if !found {
		t.Errorf("'the customer' not emitted as coreference: %v", surfaces(ms))
	}
}

func TestDeduplicationByLowercase(t *testing.T) {
	e := New()
	ms := e.Extract("Tell Kai Media that KAI MEDIA owes us.")
	count := 0
	for _, m := range ms {
		if strings.EqualFold(m.Text, "Kai Media") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("mention not deduplicated, got %d copies: %v", count, surfaces(ms))
	}
}

func TestPossessiveStripped(t *testing.T) {
	e := New()
	ms := e.Extract("Remind me about Kai's order.")
	if !hasMention(ms, "Kai") {
		t.Errorf("possessive mention lost: %v", surfaces(ms))
	}
	if hasMention(ms, "Kai's") {
		t.Errorf("possessive suffix kept: %v", surfaces(ms))
	}
}

func TestSpansPointIntoOriginal(t *testing.T) {
	e := New()
	text := "Send the summary to Kai Media today."
	ms := e.Extract(text)
	for _, m := range ms {
		if m.Start < 0 || m.End > len(text) || m.Start >= m.End {
			t.Fatalf("bad span %d..%d for %q", m.Start, m.End, m.Text)
		}
		if text[m.Start:m.End] != m.Text {
			t.Errorf("span mismatch: %q != %q", text[m.Start:m.End], m.Text)
		}
	}
}

package reply

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"mnemo/internal/augment"
	"mnemo/internal/config"
	"mnemo/internal/llm"
	"mnemo/internal/memory"
	"mnemo/internal/redact"
	"mnemo/internal/retrieval"
)

func sampleInput() Input {
	return Input{
		UserMessage: "Is their invoice overdue?",
		Facts: []augment.DomainFact{
			{Query: "invoice_status", Table: "invoices", RowID: "INV-2201",
				Statement: "Invoice INV-2201: 5000.00 invoiced, 3000.00 paid, 2000.00 outstanding (status open), OVERDUE"},
		},
		Memories: []retrieval.Scored{
			{
				Candidate: retrieval.Candidate{
					MemoryType: "semantic",
					MemoryID:   "sem:1",
					Semantic: &memory.SemanticMemory{
						MemoryID: "sem:1", SubjectEntityID: "customer:1",
						Predicate: "prefers_delivery_day", ObjectValue: json.RawMessage(`"friday"`),
						PredicateType: memory.PredicatePreference, Confidence: 0.8,
					},
				},
				Score:     0.7,
				Breakdown: retrieval.SignalBreakdown{EffectiveConfidence: 0.8},
			},
		},
		Recent: []*memory.ChatEvent{
			{Role: memory.RoleUser, Content: "Kai Media called earlier.", CreatedAt: time.Now()},
		},
	}
}

func TestAssembleSectionOrder(t *testing.T) {
	system, user := Assemble(sampleInput())
	if system == "" {
		t.Fatal("empty system prompt")
	}

	facts := strings.Index(user, "## Database facts")
	mems := strings.Index(user, "## Remembered context")
	recent := strings.Index(user, "## Recent conversation")
	current := strings.Index(user, "## Current message")
	if facts == -1 || mems == -1 || recent == -1 || current == -1 {
		t.Fatalf("missing section in prompt:\n%s", user)
	}
	if !(facts < mems && mems < recent && recent < current) {
		t.Errorf("sections out of order: facts=%d mems=%d recent=%d current=%d", facts, mems, recent, current)
	}
	if !strings.Contains(user, "INV-2201") {
		t.Error("fact statement missing from prompt")
	}
	if !strings.Contains(user, "high confidence") {
		t.Error("confidence label missing from memory line")
	}
}

func TestAssembleRecentWindowCapped(t *testing.T) {
	in := sampleInput()
	for i := 0; i < 10; i++ {
		in.Recent = append(in.Recent, &memory.ChatEvent{Role: memory.RoleUser, Content: "turn"})
	}
	_, user := Assemble(in)
	if got := strings.Count(user, "user: turn"); got > maxRecentTurns {
		t.Errorf("recent window not capped: %d lines", got)
	}
}

func TestConfidenceLabels(t *testing.T) {
	tests := []struct {
		conf float64
		want string
	}{
		{0.9, "high confidence"},
		{0.6, "medium confidence"},
		{0.35, "low confidence, consider verifying"},
		{0.1, "stale, needs validation"},
	}
	for _, tt := range tests {
		if got := confidenceLabel(tt.conf); got != tt.want {
			t.Errorf("confidenceLabel(%v) = %q, want %q", tt.conf, got, tt.want)
		}
	}
}

func TestGenerateUsesLLM(t *testing.T) {
	client := &llm.FakeClient{Responses: []string{"Yes, INV-2201 is overdue with $2000 outstanding."}}
	g := NewGenerator(client, redact.New(nil), config.DefaultLLMConfig())

	r := g.Generate(context.Background(), sampleInput())
	if r.Degraded {
		t.Error("reply should not be degraded")
	}
	if !strings.Contains(r.Text, "INV-2201") {
		t.Errorf("unexpected reply: %q", r.Text)
	}
	if client.Calls[0].Opts.Temperature != 0.3 || client.Calls[0].Opts.MaxTokens != 500 {
		t.Errorf("reply options wrong: %+v", client.Calls[0].Opts)
	}
}

func TestGenerateRedactsModelOutput(t *testing.T) {
	client := &llm.FakeClient{Responses: []string{"Reach them at billing@kaimedia.example for the invoice."}}
	g := NewGenerator(client, redact.New(nil), config.DefaultLLMConfig())

	r := g.Generate(context.Background(), sampleInput())
	if strings.Contains(r.Text, "billing@kaimedia.example") {
		t.Errorf("PII leaked through reply: %q", r.Text)
	}
	if !strings.Contains(r.Text, "[EMAIL-REDACTED]") {
		t.Errorf("redaction token missing: %q", r.Text)
	}
}

func TestGenerateFallbackOnDegradedLLM(t *testing.T) {
	client := &llm.FakeClient{Fail: true}
	g := NewGenerator(client, redact.New(nil), config.DefaultLLMConfig())

	r := g.Generate(context.Background(), sampleInput())
	if !r.Degraded {
		t.Fatal("fallback reply should be marked degraded")
	}
	if !strings.Contains(r.Text, "INV-2201") {
		t.Errorf("fallback should list top facts: %q", r.Text)
	}
}

func TestGenerateFallbackNoContext(t *testing.T) {
	g := NewGenerator(nil, redact.New(nil), config.DefaultLLMConfig())
	r := g.Generate(context.Background(), Input{UserMessage: "hi"})
	if !r.Degraded {
		t.Error("nil client should degrade")
	}
	if !strings.Contains(r.Text, "don't have enough information") {
		t.Errorf("empty-context fallback wrong: %q", r.Text)
	}
}

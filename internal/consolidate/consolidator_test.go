package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"mnemo/internal/config"
	"mnemo/internal/core"
	"mnemo/internal/llm"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

const entityID = "customer:kai"

func newTestConsolidator(t *testing.T, client core.LLMClient) (*Consolidator, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	c := New(s, client, llm.NewFakeEmbedder(), config.DefaultDecayConfig(), config.DefaultConsolidationConfig())
	return c, s
}

func seedEpisodic(t *testing.T, s *store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		m := &memory.EpisodicMemory{
			UserID: "u1", SessionID: fmt.Sprintf("s%d", i%4), EventType: "question",
			Summary:  fmt.Sprintf("asked about delivery %d", i),
			Entities: []memory.EntityRef{{EntityID: entityID, EntityType: "customer"}},
		}
		if err := s.InsertEpisodic(context.Background(), m); err != nil {
			t.Fatalf("seed episodic failed: %v", err)
		}
	}
}

func seedSemantic(t *testing.T, s *store.Store) *memory.SemanticMemory {
	t.Helper()
	m := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: entityID, Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`),
		Confidence: 0.70,
	}
	if err := s.InsertSemantic(context.Background(), m); err != nil {
		t.Fatalf("seed semantic failed: %v", err)
	}
	return m
}

func synthesisJSON(sourceID string) string {
	return `{"summary_text": "Kai Media consistently prefers Friday deliveries.",
		"key_facts": {"prefers_delivery_day": {"value": "friday", "confidence": 0.8,
		"source_memory_ids": ["` + sourceID + `"]}}}`
}

func TestConsolidateBelowThresholdSkips(t *testing.T) {
	c, s := newTestConsolidator(t, &llm.FakeClient{})
	seedEpisodic(t, s, 3)

	res, err := c.Consolidate(context.Background(), "u1", memory.Scope{Kind: memory.ScopeEntity, Identifier: entityID}, false)
	if err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	if res.Created {
		t.Error("3 episodic memories should be below the threshold of 10")
	}
}

func TestConsolidateForceBypassesThreshold(t *testing.T) {
	client := &llm.FakeClient{}
	c, s := newTestConsolidator(t, client)
	seedEpisodic(t, s, 3)
	m := seedSemantic(t, s)
	client.Responses = []string{synthesisJSON(m.MemoryID)}

	res, err := c.Consolidate(context.Background(), "u1", memory.Scope{Kind: memory.ScopeEntity, Identifier: entityID}, true)
	if err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	if !res.Created || res.Fallback {
		t.Fatalf("forced consolidation should create an LLM summary: %+v", res)
	}
	if res.Summary.KeyFacts["prefers_delivery_day"].Value != "friday" {
		t.Errorf("key fact missing: %+v", res.Summary.KeyFacts)
	}
}

func TestConsolidateBoostsConfirmedMemories(t *testing.T) {
	client := &llm.FakeClient{}
	c, s := newTestConsolidator(t, client)
	seedEpisodic(t, s, 10)
	m := seedSemantic(t, s)
	client.Responses = []string{synthesisJSON(m.MemoryID)}
	ctx := context.Background()

	res, err := c.Consolidate(ctx, "u1", memory.Scope{Kind: memory.ScopeEntity, Identifier: entityID}, false)
	if err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	if len(res.Boosted) != 1 || res.Boosted[0] != m.MemoryID {
		t.Fatalf("boosted = %v, want [%s]", res.Boosted, m.MemoryID)
	}

	got, err := s.GetSemantic(ctx, m.MemoryID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	want := 0.70 + config.DefaultDecayConfig().ConfirmationBoost
	if got.Confidence < want-0.001 || got.Confidence > want+0.001 {
		t.Errorf("confidence = %v, want %v after confirmation boost", got.Confidence, want)
	}
	if got.LastValidatedAt == nil {
		t.Error("boost should stamp last_validated_at")
	}
}

func TestConsolidateCarriesReinforcementIntoKeyFacts(t *testing.T) {
	client := &llm.FakeClient{}
	c, s := newTestConsolidator(t, client)
	seedEpisodic(t, s, 10)
	ctx := context.Background()

	m := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: entityID, Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`),
		Confidence: 0.75, ReinforcementCount: 3,
	}
	if err := s.InsertSemantic(ctx, m); err != nil {
		t.Fatalf("seed semantic failed: %v", err)
	}
	client.Responses = []string{synthesisJSON(m.MemoryID)}

	res, err := c.Consolidate(ctx, "u1", memory.Scope{Kind: memory.ScopeEntity, Identifier: entityID}, false)
	if err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	if !res.Created || res.Fallback {
		t.Fatalf("expected an LLM summary: %+v", res)
	}
	fact := res.Summary.KeyFacts["prefers_delivery_day"]
	if fact.Reinforcement != 3 {
		t.Errorf("key fact reinforcement = %d, want 3 from the cited memory", fact.Reinforcement)
	}
}

func TestConsolidateArchivesEpisodicSources(t *testing.T) {
	client := &llm.FakeClient{}
	c, s := newTestConsolidator(t, client)
	seedEpisodic(t, s, 10)
	m := seedSemantic(t, s)
	client.Responses = []string{synthesisJSON(m.MemoryID)}
	ctx := context.Background()

	if _, err := c.Consolidate(ctx, "u1", memory.Scope{Kind: memory.ScopeEntity, Identifier: entityID}, false); err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	left, err := s.ListEpisodicByEntity(ctx, "u1", entityID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d episodic memories left unarchived", len(left))
	}
}

func TestConsolidateIdempotentOnUnchangedSources(t *testing.T) {
	client := &llm.FakeClient{}
	c, s := newTestConsolidator(t, client)
	m := seedSemantic(t, s)
	client.Responses = []string{synthesisJSON(m.MemoryID), synthesisJSON(m.MemoryID)}
	ctx := context.Background()
	scope := memory.Scope{Kind: memory.ScopeTopic, Identifier: "prefers_*"}

	first, err := c.Consolidate(ctx, "u1", scope, false)
	if err != nil {
		t.Fatalf("first consolidate failed: %v", err)
	}
	if !first.Created {
		t.Fatal("first run should create a summary")
	}
	second, err := c.Consolidate(ctx, "u1", scope, false)
	if err != nil {
		t.Fatalf("second consolidate failed: %v", err)
	}
	if second.Created {
		t.Error("unchanged source set should not create a new summary")
	}
	if second.Summary == nil || second.Summary.SummaryID != first.Summary.SummaryID {
		t.Error("second run should return the existing summary")
	}
}

func TestConsolidateFallbackOnDegradedLLM(t *testing.T) {
	c, s := newTestConsolidator(t, &llm.FakeClient{Fail: true})
	seedEpisodic(t, s, 10)
	seedSemantic(t, s)

	res, err := c.Consolidate(context.Background(), "u1", memory.Scope{Kind: memory.ScopeEntity, Identifier: entityID}, false)
	if err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	if !res.Created || !res.Fallback {
		t.Fatalf("degraded LLM should yield a fallback summary: %+v", res)
	}
	if res.Summary.Confidence != config.DefaultConsolidationConfig().FallbackConfidence {
		t.Errorf("fallback confidence = %v", res.Summary.Confidence)
	}
	if !res.Summary.SourceData.Fallback {
		t.Error("fallback flag not set in source data")
	}
	if res.Summary.KeyFacts["prefers_delivery_day"].Value != "friday" {
		t.Errorf("fallback key facts missing: %+v", res.Summary.KeyFacts)
	}
}

func TestConsolidateSessionWindowNotImplemented(t *testing.T) {
	c, _ := newTestConsolidator(t, &llm.FakeClient{})
	_, err := c.Consolidate(context.Background(), "u1",
		memory.Scope{Kind: memory.ScopeSessionWindow, Identifier: "u1,5"}, false)
	if !errors.Is(err, core.ErrNotImplemented) {
		t.Errorf("err = %v, want ErrNotImplemented", err)
	}
}

func TestConsolidateTopicScopeFiltersByPattern(t *testing.T) {
	client := &llm.FakeClient{}
	c, s := newTestConsolidator(t, client)
	m := seedSemantic(t, s)
	other := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: entityID, Predicate: "payment_terms",
		PredicateType: memory.PredicateAttribute, ObjectValue: json.RawMessage(`"net_30"`), Confidence: 0.8,
	}
	if err := s.InsertSemantic(context.Background(), other); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	client.Responses = []string{synthesisJSON(m.MemoryID)}

	res, err := c.Consolidate(context.Background(), "u1", memory.Scope{Kind: memory.ScopeTopic, Identifier: "prefers_*"}, false)
	if err != nil {
		t.Fatalf("consolidate failed: %v", err)
	}
	if !res.Created {
		t.Fatal("topic consolidation should create a summary")
	}
	if res.Summary.SourceData.SemanticCount != 1 {
		t.Errorf("semantic count = %d, want 1 (payment_terms excluded)", res.Summary.SourceData.SemanticCount)
	}
}

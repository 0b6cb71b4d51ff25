package retrieval

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/llm"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

func testScorer() *Scorer {
	return NewScorer(config.DefaultRetrievalConfig(), config.DefaultDecayConfig())
}

func semanticCandidate(id, subject string, sim float64, created time.Time, conf float64) Candidate {
	return Candidate{
		MemoryType: "semantic",
		MemoryID:   id,
		Similarity: sim,
		Semantic: &memory.SemanticMemory{
			MemoryID:           id,
			SubjectEntityID:    subject,
			Predicate:          "prefers_delivery_day",
			PredicateType:      memory.PredicatePreference,
			ObjectValue:        json.RawMessage(`"friday"`),
			Confidence:         conf,
			ReinforcementCount: 1,
			Status:             memory.StatusActive,
			CreatedAt:          created,
		},
	}
}

func TestScoreDeterministic(t *testing.T) {
	s := testScorer()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cands := []Candidate{
		semanticCandidate("sem:a", "e1", 0.8, now.AddDate(0, 0, -10), 0.8),
		semanticCandidate("sem:b", "e2", 0.6, now.AddDate(0, 0, -5), 0.7),
	}
	q := Query{EntityIDs: []string{"e1"}, Strategy: config.StrategyTargeted, Now: now}

	first := s.Score(cands, q)
	for i := 0; i < 10; i++ {
		again := s.Score(cands, q)
		for j := range first {
			if again[j].MemoryID != first[j].MemoryID || again[j].Score != first[j].Score {
				t.Fatalf("run %d: nondeterministic ranking", i)
			}
		}
	}
}

func TestScoreBreakdownRecomputes(t *testing.T) {
	s := testScorer()
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	cands := []Candidate{
		semanticCandidate("sem:a", "e1", 0.72, now.AddDate(0, 0, -45), 0.85),
	}
	got := s.Score(cands, Query{EntityIDs: []string{"e1", "e2"}, Strategy: config.StrategyFactualEntity, Now: now})

	if len(got) != 1 {
		t.Fatalf("got %d results", len(got))
	}
	if math.Abs(got[0].Breakdown.Recompute()-got[0].Score) > 1e-6 {
		t.Errorf("breakdown recompute %v != score %v", got[0].Breakdown.Recompute(), got[0].Score)
	}
	if got[0].Score < 0 || got[0].Score > 1 {
		t.Errorf("score out of [0,1]: %v", got[0].Score)
	}
	if got[0].Breakdown.Entity != 0.5 {
		t.Errorf("entity overlap = %v, want 0.5 (one of two query entities)", got[0].Breakdown.Entity)
	}
}

func TestScoreEntitySignalDominatesUnderFactualStrategy(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()
	onEntity := semanticCandidate("sem:on", "e1", 0.5, now, 0.8)
	offEntity := semanticCandidate("sem:off", "e9", 0.6, now, 0.8)

	got := s.Score([]Candidate{offEntity, onEntity},
		Query{EntityIDs: []string{"e1"}, Strategy: config.StrategyFactualEntity, Now: now})
	if got[0].MemoryID != "sem:on" {
		t.Error("entity-matching memory should outrank slightly-more-similar off-entity one")
	}
}

func TestScoreRecencyDominatesUnderTemporalStrategy(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()
	fresh := semanticCandidate("sem:fresh", "e1", 0.5, now.AddDate(0, 0, -1), 0.8)
	stale := semanticCandidate("sem:stale", "e1", 0.6, now.AddDate(0, 0, -300), 0.8)

	got := s.Score([]Candidate{stale, fresh},
		Query{EntityIDs: nil, Strategy: config.StrategyTemporal, Now: now})
	if got[0].MemoryID != "sem:fresh" {
		t.Error("fresh memory should outrank stale one under temporal strategy")
	}
}

func TestScoreDecayedConfidenceLowersRank(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()
	// Same signals, one memory 180 days old: its effective confidence decays.
	fresh := semanticCandidate("sem:fresh", "e1", 0.7, now, 0.8)
	old := semanticCandidate("sem:old", "e1", 0.7, now.AddDate(0, 0, -180), 0.8)

	got := s.Score([]Candidate{old, fresh}, Query{Strategy: config.StrategyTargeted, Now: now})
	if got[0].MemoryID != "sem:fresh" {
		t.Error("decayed memory should not outrank fresh one with equal signals")
	}
	ratio := got[1].Breakdown.EffectiveConfidence / got[0].Breakdown.EffectiveConfidence
	if ratio > 0.2 {
		t.Errorf("180-day decay too weak: ratio=%v", ratio)
	}
}

func TestScoreReinforcementSignalPerLayer(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()

	sem := semanticCandidate("sem:a", "e1", 0.5, now, 0.8) // ReinforcementCount 1
	epi := Candidate{
		MemoryType: "episodic",
		MemoryID:   "epi:a",
		Similarity: 0.5,
		Episodic: &memory.EpisodicMemory{
			MemoryID: "epi:a", UserID: "u1", SessionID: "s1",
			EventType: "question", Summary: "asked about delivery",
			Importance: 0.6, CreatedAt: now,
		},
	}
	sum := Candidate{
		MemoryType: "summary",
		MemoryID:   "sum:a",
		Similarity: 0.5,
		Summary: &memory.MemorySummary{
			SummaryID: "sum:a", UserID: "u1", Confidence: 0.7, CreatedAt: now,
		},
	}

	got := s.Score([]Candidate{sem, epi, sum}, Query{Strategy: config.StrategyTargeted, Now: now})
	byID := map[string]float64{}
	for _, r := range got {
		byID[r.MemoryID] = r.Breakdown.Reinforcement
	}
	if byID["sem:a"] != 0.2 {
		t.Errorf("semantic reinforcement = %v, want 0.2 (count 1 of 5)", byID["sem:a"])
	}
	if byID["epi:a"] != 0.5 {
		t.Errorf("episodic reinforcement = %v, want flat 0.5", byID["epi:a"])
	}
	if byID["sum:a"] != 0.5 {
		t.Errorf("summary without key facts reinforcement = %v, want flat 0.5", byID["sum:a"])
	}
}

func TestScoreUnknownStrategyFallsBack(t *testing.T) {
	s := testScorer()
	now := time.Now().UTC()
	got := s.Score([]Candidate{semanticCandidate("sem:a", "e1", 0.5, now, 0.8)},
		Query{Strategy: "nonsense", Now: now})
	if len(got) != 1 || got[0].Score == 0 {
		t.Errorf("unknown strategy should fall back to default, got %+v", got)
	}
}

func TestCandidatesMergesLayers(t *testing.T) {
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	sem := &memory.SemanticMemory{UserID: "u1", SubjectEntityID: "e1", Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`),
		Confidence: 0.8, Embedding: llm.SeedVector(32, 0, 0.9)}
	if err := s.InsertSemantic(ctx, sem); err != nil {
		t.Fatalf("insert semantic failed: %v", err)
	}
	epi := &memory.EpisodicMemory{UserID: "u1", SessionID: "s1", EventType: "question",
		Summary: "asked about delivery", Importance: 0.6, Embedding: llm.SeedVector(32, 0, 0.8)}
	if err := s.InsertEpisodic(ctx, epi); err != nil {
		t.Fatalf("insert episodic failed: %v", err)
	}
	sum := &memory.MemorySummary{UserID: "u1", Scope: memory.Scope{Kind: memory.ScopeEntity, Identifier: "e1"},
		SummaryText: "prefers friday", Confidence: 0.7, Embedding: llm.SeedVector(32, 0, 0.7)}
	if err := s.InsertSummary(ctx, sum); err != nil {
		t.Fatalf("insert summary failed: %v", err)
	}

	g := NewGenerator(s, config.DefaultRetrievalConfig())
	cands, err := g.Candidates(ctx, "u1", llm.SeedVector(32, 0, 1.0))
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3 (one per layer)", len(cands))
	}
	types := map[string]bool{}
	for _, c := range cands {
		types[c.MemoryType] = true
	}
	for _, want := range []string{"semantic", "episodic", "summary"} {
		if !types[want] {
			t.Errorf("missing %s candidate", want)
		}
	}
}

func TestCandidatesSkipsMemoriesWithoutEmbeddings(t *testing.T) {
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	sem := &memory.SemanticMemory{UserID: "u1", SubjectEntityID: "e1", Predicate: "payment_terms",
		PredicateType: memory.PredicateAttribute, ObjectValue: json.RawMessage(`"net_30"`), Confidence: 0.8}
	if err := s.InsertSemantic(ctx, sem); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	g := NewGenerator(s, config.DefaultRetrievalConfig())
	cands, err := g.Candidates(ctx, "u1", llm.SeedVector(32, 0, 1.0))
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(cands) != 0 {
		t.Errorf("embedding-less memory should not be a vector candidate, got %d", len(cands))
	}
}

package mining

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

func newTestMiner(t *testing.T) (*Miner, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, config.DefaultMiningConfig()), s
}

// seedPair inserts a question-about-invoice turn followed by a lookup turn
// in the given session.
func seedPair(t *testing.T, s *store.Store, session string, seq int) {
	t.Helper()
	base := time.Now().UTC().Add(time.Duration(seq) * time.Minute)
	pair := []*memory.EpisodicMemory{
		{UserID: "u1", SessionID: session, EventType: "question",
			Summary:  "asked about an invoice",
			Entities: []memory.EntityRef{{EntityID: "c1", EntityType: "customer"}, {EntityID: "i1", EntityType: "invoice"}},
			CreatedAt: base},
		{UserID: "u1", SessionID: session, EventType: "lookup",
			Summary:  "checked invoice balance",
			Entities: []memory.EntityRef{{EntityID: "i1", EntityType: "invoice"}},
			CreatedAt: base.Add(30 * time.Second)},
	}
	for _, m := range pair {
		if err := s.InsertEpisodic(context.Background(), m); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func TestFeaturesSortedAndDeduped(t *testing.T) {
	m := &memory.EpisodicMemory{EventType: "question", Entities: []memory.EntityRef{
		{EntityID: "i1", EntityType: "invoice"},
		{EntityID: "c1", EntityType: "customer"},
		{EntityID: "c2", EntityType: "customer"},
	}}
	f := Features(m)
	if f.Intent != "question" {
		t.Errorf("intent = %q", f.Intent)
	}
	if len(f.EntityTypes) != 2 || f.EntityTypes[0] != "customer" || f.EntityTypes[1] != "invoice" {
		t.Errorf("entity types = %v, want sorted dedup [customer invoice]", f.EntityTypes)
	}
}

func TestMineBelowSupportYieldsNothing(t *testing.T) {
	mn, s := newTestMiner(t)
	seedPair(t, s, "s1", 0)
	seedPair(t, s, "s2", 1)

	got, err := mn.Mine(context.Background(), "u1")
	if err != nil {
		t.Fatalf("mine failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("2 observations below support=3 should mine nothing, got %+v", got)
	}
}

func TestMineAtSupportCreatesPattern(t *testing.T) {
	mn, s := newTestMiner(t)
	for i := 0; i < 3; i++ {
		seedPair(t, s, fmt.Sprintf("s%d", i), i)
	}

	got, err := mn.Mine(context.Background(), "u1")
	if err != nil {
		t.Fatalf("mine failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d patterns, want 1", len(got))
	}
	p := got[0]
	if p.ObservedCount != 3 {
		t.Errorf("observed = %d, want 3", p.ObservedCount)
	}
	if p.TriggerFeatures.Intent != "question" {
		t.Errorf("trigger intent = %q", p.TriggerFeatures.Intent)
	}
	if p.Confidence != 1.0*3/3 && p.Confidence > 0.95 {
		t.Errorf("confidence = %v", p.Confidence)
	}
	if len(p.ActionStructure) == 0 || p.ActionStructure[0] != "lookup" {
		t.Errorf("action structure = %v", p.ActionStructure)
	}
}

func TestMineConfidenceIsSupportFraction(t *testing.T) {
	mn, s := newTestMiner(t)
	// 3 matching windows plus 1 unrelated window: confidence 3/4.
	for i := 0; i < 3; i++ {
		seedPair(t, s, fmt.Sprintf("s%d", i), i)
	}
	other := []*memory.EpisodicMemory{
		{UserID: "u1", SessionID: "s9", EventType: "statement", Summary: "mentioned a preference",
			Entities:  []memory.EntityRef{{EntityID: "c1", EntityType: "customer"}},
			CreatedAt: time.Now().UTC()},
		{UserID: "u1", SessionID: "s9", EventType: "command", Summary: "asked to update notes",
			CreatedAt: time.Now().UTC().Add(time.Minute)},
	}
	for _, m := range other {
		if err := s.InsertEpisodic(context.Background(), m); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	got, err := mn.Mine(context.Background(), "u1")
	if err != nil {
		t.Fatalf("mine failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d patterns, want 1", len(got))
	}
	if got[0].Confidence != 0.75 {
		t.Errorf("confidence = %v, want 0.75 (3 of 4 windows)", got[0].Confidence)
	}
}

func TestMineReinforcesNotDuplicates(t *testing.T) {
	mn, s := newTestMiner(t)
	for i := 0; i < 4; i++ {
		seedPair(t, s, fmt.Sprintf("s%d", i), i)
	}
	ctx := context.Background()

	if _, err := mn.Mine(ctx, "u1"); err != nil {
		t.Fatalf("first mine failed: %v", err)
	}
	if _, err := mn.Mine(ctx, "u1"); err != nil {
		t.Fatalf("second mine failed: %v", err)
	}

	all, err := s.ListProcedural(ctx, "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("re-mining duplicated the pattern: %d rows", len(all))
	}
	if all[0].ObservedCount != 4 {
		t.Errorf("observed = %d, want 4", all[0].ObservedCount)
	}
}

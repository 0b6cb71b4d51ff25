package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"mnemo/internal/llm"
	"mnemo/internal/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStoreCreatesSchema(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.ChatEvents != 0 || stats.SemanticTotal != 0 {
		t.Errorf("fresh store not empty: %+v", stats)
	}
}

func TestInsertChatEventIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &memory.ChatEvent{UserID: "u1", SessionID: "sess-1", Role: memory.RoleUser, Content: "When is the delivery?"}
	first, inserted, err := s.InsertChatEvent(ctx, ev)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if !inserted {
		t.Error("first insert not reported as inserted")
	}

	dup := &memory.ChatEvent{UserID: "u1", SessionID: "sess-1", Role: memory.RoleUser, Content: "When is the delivery?"}
	second, inserted, err := s.InsertChatEvent(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}
	if inserted {
		t.Error("duplicate reported as inserted")
	}
	if second.EventID != first.EventID {
		t.Errorf("duplicate returned different event: %d != %d", second.EventID, first.EventID)
	}

	// Same content in another session is a new event.
	other := &memory.ChatEvent{UserID: "u1", SessionID: "sess-2", Role: memory.RoleUser, Content: "When is the delivery?"}
	_, inserted, err = s.InsertChatEvent(ctx, other)
	if err != nil {
		t.Fatalf("cross-session insert failed: %v", err)
	}
	if !inserted {
		t.Error("same content in new session should insert")
	}
}

func TestGetRecentEventsChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third", "fourth"} {
		ev := &memory.ChatEvent{UserID: "u1", SessionID: "s1", Role: memory.RoleUser, Content: content}
		if _, _, err := s.InsertChatEvent(ctx, ev); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	events, err := s.GetRecentEvents(ctx, "u1", "s1", 3)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Content != "second" || events[2].Content != "fourth" {
		t.Errorf("events not chronological: %q .. %q", events[0].Content, events[2].Content)
	}
}

func TestAliasUpsertReinforces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ent := &memory.CanonicalEntity{EntityType: "customer", CanonicalName: "Kai Media"}
	if err := s.CreateEntity(ctx, ent); err != nil {
		t.Fatalf("create entity failed: %v", err)
	}

	a := &memory.EntityAlias{CanonicalEntityID: ent.EntityID, AliasText: "Kai", UserID: "u1", AliasSource: memory.AliasUserStated, Confidence: 0.8}
	for i := 0; i < 3; i++ {
		if err := s.UpsertAlias(ctx, a); err != nil {
			t.Fatalf("upsert %d failed: %v", i, err)
		}
	}

	got, err := s.LookupAliases(ctx, "kai", "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d aliases, want 1", len(got))
	}
	if got[0].UsageCount != 3 {
		t.Errorf("usage count = %d, want 3", got[0].UsageCount)
	}
	want := 0.8 + 2*aliasReinforceStep
	if got[0].Confidence < want-0.001 || got[0].Confidence > want+0.001 {
		t.Errorf("confidence = %v, want %v", got[0].Confidence, want)
	}
}

func TestLookupAliasesUserScopedFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	media := &memory.CanonicalEntity{EntityType: "customer", CanonicalName: "Kai Media"}
	logistics := &memory.CanonicalEntity{EntityType: "customer", CanonicalName: "Kai Logistics"}
	for _, e := range []*memory.CanonicalEntity{media, logistics} {
		if err := s.CreateEntity(ctx, e); err != nil {
			t.Fatalf("create entity failed: %v", err)
		}
	}

	global := &memory.EntityAlias{CanonicalEntityID: logistics.EntityID, AliasText: "Kai", AliasSource: memory.AliasFuzzy, Confidence: 0.9}
	scoped := &memory.EntityAlias{CanonicalEntityID: media.EntityID, AliasText: "Kai", UserID: "u1", AliasSource: memory.AliasUserStated, Confidence: 0.7}
	if err := s.UpsertAlias(ctx, global); err != nil {
		t.Fatalf("upsert global failed: %v", err)
	}
	if err := s.UpsertAlias(ctx, scoped); err != nil {
		t.Fatalf("upsert scoped failed: %v", err)
	}

	got, err := s.LookupAliases(ctx, "Kai", "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d aliases, want 2", len(got))
	}
	if got[0].CanonicalEntityID != media.EntityID {
		t.Error("user-scoped alias should rank before global")
	}
}

func TestSemanticStatusFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &memory.SemanticMemory{UserID: "u1", SubjectEntityID: "e1", Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`), Confidence: 0.8}
	superseded := &memory.SemanticMemory{UserID: "u1", SubjectEntityID: "e1", Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"thursday"`), Confidence: 0.8,
		Status: memory.StatusSuperseded}
	for _, m := range []*memory.SemanticMemory{active, superseded} {
		if err := s.InsertSemantic(ctx, m); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	got, err := s.ListActiveBySubjectPredicate(ctx, "u1", "e1", "prefers_delivery_day")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d memories, want 1 (superseded excluded)", len(got))
	}
	if got[0].ObjectString() != "friday" {
		t.Errorf("object = %q, want friday", got[0].ObjectString())
	}
}

func TestUpdateSemanticRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &memory.SemanticMemory{UserID: "u1", SubjectEntityID: "e1", Predicate: "payment_terms",
		PredicateType: memory.PredicateAttribute, ObjectValue: json.RawMessage(`"net_30"`), Confidence: 0.7}
	if err := s.InsertSemantic(ctx, m); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	m.Confidence = 0.75
	m.ReinforcementCount = 2
	m.LastValidatedAt = &now
	if err := s.UpdateSemantic(ctx, m); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := s.GetSemantic(ctx, m.MemoryID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Confidence != 0.75 || got.ReinforcementCount != 2 {
		t.Errorf("update not persisted: conf=%v count=%d", got.Confidence, got.ReinforcementCount)
	}
	if got.LastValidatedAt == nil || !got.LastValidatedAt.Equal(now) {
		t.Errorf("last_validated_at = %v, want %v", got.LastValidatedAt, now)
	}
}

func TestSummarySupersedeAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := memory.Scope{Kind: memory.ScopeEntity, Identifier: "e1"}

	first := &memory.MemorySummary{UserID: "u1", Scope: scope, SummaryText: "v1", Confidence: 0.6}
	second := &memory.MemorySummary{UserID: "u1", Scope: scope, SummaryText: "v2", Confidence: 0.7,
		KeyFacts: map[string]memory.KeyFact{"prefers_delivery_day": {Value: "friday", Confidence: 0.8}}}
	if err := s.InsertSummary(ctx, first); err != nil {
		t.Fatalf("insert v1 failed: %v", err)
	}
	if err := s.InsertSummary(ctx, second); err != nil {
		t.Fatalf("insert v2 failed: %v", err)
	}

	active, err := s.GetActiveSummary(ctx, "u1", scope)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if active == nil || active.SummaryText != "v2" {
		t.Fatalf("active summary = %+v, want v2", active)
	}
	if active.KeyFacts["prefers_delivery_day"].Value != "friday" {
		t.Error("key facts not round-tripped")
	}

	all, err := s.ListActiveSummaries(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d active summaries for scope, want 1", len(all))
	}
}

func TestProceduralUpsertReinforces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &memory.ProceduralMemory{UserID: "u1", TriggerPattern: "question|customer,invoice",
		TriggerFeatures: memory.TriggerFeatures{Intent: "question", EntityTypes: []string{"customer", "invoice"}},
		ActionStructure: []string{"invoice_status"}, ObservedCount: 3, Confidence: 0.5}
	if err := s.UpsertProcedural(ctx, m); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	m.ObservedCount = 4
	m.Confidence = 0.6
	if err := s.UpsertProcedural(ctx, m); err != nil {
		t.Fatalf("reinforce failed: %v", err)
	}

	all, err := s.ListProcedural(ctx, "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d procedural memories, want 1", len(all))
	}
	if all[0].ObservedCount != 4 || all[0].Confidence != 0.6 {
		t.Errorf("reinforce not applied: count=%d conf=%v", all[0].ObservedCount, all[0].Confidence)
	}
}

func TestEpisodicEntityProbeAndArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(session string, entityID string) *memory.EpisodicMemory {
		return &memory.EpisodicMemory{UserID: "u1", SessionID: session, EventType: "question",
			Summary: "asked about delivery", Entities: []memory.EntityRef{{EntityID: entityID, EntityType: "customer"}}}
	}
	for i, m := range []*memory.EpisodicMemory{mk("s1", "cust-1"), mk("s2", "cust-1"), mk("s3", "cust-2")} {
		if err := s.InsertEpisodic(ctx, m); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	got, err := s.ListEpisodicByEntity(ctx, "u1", "cust-1", 0)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d memories for cust-1, want 2", len(got))
	}

	sessions, err := s.CountSessionsByEntity(ctx, "u1", "cust-1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if sessions != 2 {
		t.Errorf("sessions = %d, want 2", sessions)
	}

	if err := s.ArchiveEpisodic(ctx, []string{got[0].MemoryID}); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	got, err = s.ListEpisodicByEntity(ctx, "u1", "cust-1", 0)
	if err != nil {
		t.Fatalf("requery failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("archived memory still retrievable: got %d", len(got))
	}
}

func TestSimilarSemanticOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	near := &memory.SemanticMemory{UserID: "u1", SubjectEntityID: "e1", Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`), Confidence: 0.8,
		Embedding: llm.SeedVector(64, 0, 0.95)}
	far := &memory.SemanticMemory{UserID: "u1", SubjectEntityID: "e2", Predicate: "billing_currency",
		PredicateType: memory.PredicateAttribute, ObjectValue: json.RawMessage(`"usd"`), Confidence: 0.8,
		Embedding: llm.SeedVector(64, 0, 0.30)}
	for _, m := range []*memory.SemanticMemory{far, near} {
		if err := s.InsertSemantic(ctx, m); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	got, err := s.SimilarSemantic(ctx, "u1", llm.SeedVector(64, 0, 1.0), 2)
	if err != nil {
		t.Fatalf("similar failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Memory.MemoryID != near.MemoryID {
		t.Error("nearest memory not ranked first")
	}
	if got[0].Similarity <= got[1].Similarity {
		t.Error("similarities not descending")
	}
}

func TestOntologySeedAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SeedOntology(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	// Seeding twice must not duplicate.
	if err := s.SeedOntology(ctx); err != nil {
		t.Fatalf("reseed failed: %v", err)
	}
	rels, err := s.LoadOntology(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(rels) != len(defaultOntology) {
		t.Errorf("got %d relations, want %d", len(rels), len(defaultOntology))
	}
}

func TestDomainDBReadOnlyQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain.db")
	if err := InitDomainDB(path, true); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	d, err := OpenDomainDB(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer d.Close()

	ctx := context.Background()
	var balance float64
	err = d.QueryRow(ctx, `
		SELECT i.amount - COALESCE(SUM(p.amount), 0)
		FROM invoices i LEFT JOIN payments p ON p.invoice_id = i.invoice_id
		WHERE i.invoice_id = 'INV-2201'
		GROUP BY i.invoice_id`).Scan(&balance)
	if err != nil {
		t.Fatalf("balance query failed: %v", err)
	}
	if balance != 2000 {
		t.Errorf("balance = %v, want 2000 (5000 invoiced minus 3000 paid)", balance)
	}

	// Writes must fail on the read-only handle.
	_, err = d.db.Exec("INSERT INTO customers (customer_id, name) VALUES ('x', 'X')")
	if err == nil {
		t.Error("write on read-only domain DB should fail")
	}
}

func TestOpenDomainDBMissingFile(t *testing.T) {
	_, err := OpenDomainDB(filepath.Join(t.TempDir(), "nope.db"))
	if err == nil {
		t.Error("expected error for missing domain database")
	}
}

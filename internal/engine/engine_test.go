package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mnemo/internal/config"
	"mnemo/internal/llm"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io (transitive via google.golang.org/genai) starts a
		// background worker in package init; it is not a leak from these tests.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func newTestEngine(t *testing.T, client *llm.FakeClient, withDomain bool) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	var domain *store.DomainDB
	if withDomain {
		path := filepath.Join(t.TempDir(), "domain.db")
		if err := store.InitDomainDB(path, true); err != nil {
			t.Fatalf("init domain db failed: %v", err)
		}
		domain, err = store.OpenDomainDB(path)
		if err != nil {
			t.Fatalf("open domain db failed: %v", err)
		}
	}
	e := NewWithClients(config.DefaultConfig(t.TempDir()), s, domain, client, llm.NewFakeEmbedder())
	t.Cleanup(func() { e.Close() })
	return e, s
}

func seedCustomer(t *testing.T, s *store.Store, id, name string) *memory.CanonicalEntity {
	t.Helper()
	en := &memory.CanonicalEntity{EntityID: id, EntityType: "customer", CanonicalName: name}
	if err := s.CreateEntity(context.Background(), en); err != nil {
		t.Fatalf("seed entity failed: %v", err)
	}
	return en
}

func extractionJSON(subject, predicate, ptype, object string, conf float64) string {
	tr := map[string]interface{}{
		"subject": subject, "predicate": predicate, "predicate_type": ptype,
		"object": object, "confidence": conf,
	}
	b, _ := json.Marshal(map[string]interface{}{"triples": []interface{}{tr}})
	return string(b)
}

// A financial question about a known customer pulls authoritative numbers
// out of the domain DB even when the LLM gives nothing: INV-2201 is $5000
// invoiced, $3000 paid, $2000 outstanding.
func TestTurnSurfacesInvoiceBalanceFromDomainDB(t *testing.T) {
	e, _ := newTestEngine(t, &llm.FakeClient{}, true)

	res, err := e.ProcessTurn(context.Background(), TurnRequest{
		UserID: "u1", SessionID: "s1",
		Message: "What is the outstanding balance for Kai Media?",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Intent != "financial" {
		t.Errorf("intent = %q, want financial", res.Intent)
	}
	if len(res.Entities) != 1 || res.Entities[0].ExternalRef == nil {
		t.Fatalf("expected one externally linked entity, got %+v", res.Entities)
	}

	var balance float64
	found := false
	for _, f := range res.Facts {
		if f.Query == "invoice_status" && f.RowID == "INV-2201" {
			balance = f.Data["balance"].(float64)
			found = true
		}
	}
	if !found {
		t.Fatalf("INV-2201 fact missing: %+v", res.Facts)
	}
	if balance != 2000 {
		t.Errorf("balance = %v, want 2000 (5000 invoiced - 3000 paid)", balance)
	}
	if !strings.Contains(res.Reply, "INV-2201") {
		t.Errorf("fallback reply should cite the invoice: %q", res.Reply)
	}
}

// Two strong aliases for "Kai" pointing at different customers must produce
// a disambiguation question, never a guess.
func TestTurnAmbiguousMentionAsksForClarification(t *testing.T) {
	e, s := newTestEngine(t, &llm.FakeClient{}, false)
	ctx := context.Background()
	a := seedCustomer(t, s, "customer:kai-media", "Kai Media")
	b := seedCustomer(t, s, "customer:kai-logistics", "Kai Logistics")
	for _, en := range []*memory.CanonicalEntity{a, b} {
		err := s.UpsertAlias(ctx, &memory.EntityAlias{
			CanonicalEntityID: en.EntityID, AliasText: "Kai", UserID: "u1",
			AliasSource: memory.AliasUserStated, Confidence: 0.80,
		})
		if err != nil {
			t.Fatalf("seed alias failed: %v", err)
		}
	}

	res, err := e.ProcessTurn(ctx, TurnRequest{
		UserID: "u1", SessionID: "s1",
		Message: "Please send a reminder to Kai about the delivery",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Disambiguation == nil {
		t.Fatal("expected a disambiguation envelope")
	}
	if res.Disambiguation.Mention != "Kai" || len(res.Disambiguation.Candidates) != 2 {
		t.Errorf("disambiguation = %+v", res.Disambiguation)
	}
	if !strings.Contains(res.Reply, "Which") {
		t.Errorf("reply should ask which entity: %q", res.Reply)
	}
	if len(res.NewMemoryIDs) != 0 {
		t.Errorf("an ambiguous turn must not write memories: %v", res.NewMemoryIDs)
	}
}

// A preference restated 31 days later with a new value resolves trust_recent:
// the Friday fact supersedes the Thursday fact.
func TestTurnConflictTrustRecentSupersedesOldFact(t *testing.T) {
	client := &llm.FakeClient{}
	e, s := newTestEngine(t, client, false)
	ctx := context.Background()
	en := seedCustomer(t, s, "customer:kai-media", "Kai Media")

	old := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: en.EntityID, Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"thursday"`),
		Confidence: 0.80, CreatedAt: time.Now().UTC().Add(-31 * 24 * time.Hour),
	}
	if err := s.InsertSemantic(ctx, old); err != nil {
		t.Fatalf("seed semantic failed: %v", err)
	}
	client.Responses = []string{
		extractionJSON(en.EntityID, "prefers_delivery_day", "preference", "friday", 0.8),
		"Understood, Friday deliveries from now on.",
	}

	res, err := e.ProcessTurn(ctx, TurnRequest{
		UserID: "u1", SessionID: "s1",
		Message: "Kai Media now wants deliveries on the last weekday instead",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("conflicts = %+v, want 1", res.Conflicts)
	}
	if res.Conflicts[0].Resolution != memory.ResolveTrustRecent {
		t.Errorf("resolution = %s, want trust_recent", res.Conflicts[0].Resolution)
	}

	superseded, err := s.GetSemantic(ctx, old.MemoryID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if superseded.Status != memory.StatusSuperseded {
		t.Errorf("old fact status = %s, want superseded", superseded.Status)
	}
	active, err := s.ListActiveBySubjectPredicate(ctx, "u1", en.EntityID, "prefers_delivery_day")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 1 || active[0].ObjectString() != "friday" {
		t.Errorf("active facts = %+v, want only friday", active)
	}
}

// Close conflicts (small gaps on every axis) keep both facts active and ask
// the user instead of picking a winner.
func TestTurnConflictRequiresClarification(t *testing.T) {
	client := &llm.FakeClient{}
	e, s := newTestEngine(t, client, false)
	ctx := context.Background()
	en := seedCustomer(t, s, "customer:kai-media", "Kai Media")

	old := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: en.EntityID, Predicate: "payment_terms",
		PredicateType: memory.PredicatePolicy, ObjectValue: json.RawMessage(`"net_30"`),
		Confidence: 0.80, CreatedAt: time.Now().UTC().Add(-5 * 24 * time.Hour),
	}
	if err := s.InsertSemantic(ctx, old); err != nil {
		t.Fatalf("seed semantic failed: %v", err)
	}
	client.Responses = []string{
		extractionJSON(en.EntityID, "payment_terms", "policy", "net_45", 0.8),
		"Noted.",
	}

	res, err := e.ProcessTurn(ctx, TurnRequest{
		UserID: "u1", SessionID: "s1",
		Message: "Kai Media mentioned their payment terms are net 45",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(res.Clarifications) != 1 {
		t.Fatalf("clarifications = %v, want 1", res.Clarifications)
	}
	if !strings.Contains(res.Reply, "conflicting information") {
		t.Errorf("reply should surface the conflict: %q", res.Reply)
	}
	if res.Conflicts[0].Resolution != memory.ResolveRequireClarification {
		t.Errorf("resolution = %s", res.Conflicts[0].Resolution)
	}
	active, err := s.ListActiveBySubjectPredicate(ctx, "u1", en.EntityID, "payment_terms")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("both facts should stay active pending clarification, got %d", len(active))
	}
}

// Restating the same value reinforces the existing memory instead of
// inserting a duplicate.
func TestTurnReinforcesMatchingFact(t *testing.T) {
	client := &llm.FakeClient{}
	e, s := newTestEngine(t, client, false)
	ctx := context.Background()
	en := seedCustomer(t, s, "customer:kai-media", "Kai Media")

	old := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: en.EntityID, Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`),
		Confidence: 0.70,
	}
	if err := s.InsertSemantic(ctx, old); err != nil {
		t.Fatalf("seed semantic failed: %v", err)
	}
	client.Responses = []string{
		extractionJSON(en.EntityID, "prefers_delivery_day", "preference", "friday", 0.8),
		"Friday it is.",
	}

	res, err := e.ProcessTurn(ctx, TurnRequest{
		UserID: "u1", SessionID: "s1",
		Message: "Kai Media confirmed Friday works best for deliveries",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(res.ReinforcedIDs) != 1 || res.ReinforcedIDs[0] != old.MemoryID {
		t.Fatalf("reinforced = %v, want [%s]", res.ReinforcedIDs, old.MemoryID)
	}
	got, err := s.GetSemantic(ctx, old.MemoryID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	want := 0.70 + config.DefaultDecayConfig().ReinforcementStep
	if got.Confidence < want-0.001 || got.Confidence > want+0.001 {
		t.Errorf("confidence = %v, want %v", got.Confidence, want)
	}
	if got.ReinforcementCount != 2 {
		t.Errorf("reinforcement count = %d, want 2", got.ReinforcementCount)
	}
}

// Replaying the exact same message in a session is a no-op for memory: the
// event dedups on content hash and no second episodic record appears.
func TestTurnDuplicateMessageWritesNothing(t *testing.T) {
	e, s := newTestEngine(t, &llm.FakeClient{}, false)
	ctx := context.Background()
	req := TurnRequest{UserID: "u1", SessionID: "s1", Message: "We prefer morning deliveries for everything"}

	first, err := e.ProcessTurn(ctx, req)
	if err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first turn must not be a duplicate")
	}
	second, err := e.ProcessTurn(ctx, req)
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if !second.Duplicate {
		t.Error("second identical turn should be flagged duplicate")
	}
	if second.EventID != first.EventID {
		t.Errorf("duplicate should return the original event id: %d vs %d", second.EventID, first.EventID)
	}
	if len(second.NewMemoryIDs) != 0 {
		t.Errorf("duplicate wrote memories: %v", second.NewMemoryIDs)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Episodic != 1 {
		t.Errorf("episodic count = %d, want 1", stats.Episodic)
	}
}

// PII never reaches storage: the persisted event holds the redaction token,
// not the address.
func TestTurnRedactsBeforeStorage(t *testing.T) {
	e, s := newTestEngine(t, &llm.FakeClient{}, false)
	ctx := context.Background()

	res, err := e.ProcessTurn(ctx, TurnRequest{
		UserID: "u1", SessionID: "s1",
		Message: "You can reach the contact at billing@kaimedia.example for anything billing related",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Redactions != 1 {
		t.Errorf("redactions = %d, want 1", res.Redactions)
	}
	ev, err := s.GetEvent(ctx, res.EventID)
	if err != nil {
		t.Fatalf("get event failed: %v", err)
	}
	if strings.Contains(ev.Content, "billing@kaimedia.example") {
		t.Error("raw email persisted")
	}
	if !strings.Contains(ev.Content, "[EMAIL-REDACTED]") {
		t.Errorf("redaction token missing: %q", ev.Content)
	}
}

// A fact that decayed below the active floor but still reaches the context
// window makes the reply ask for re-confirmation instead of trusting it.
func TestTurnStaleMemoryPromptsValidation(t *testing.T) {
	e, s := newTestEngine(t, &llm.FakeClient{}, false)
	ctx := context.Background()
	en := seedCustomer(t, s, "customer:kai-media", "Kai Media")

	emb, err := llm.NewFakeEmbedder().Embed(ctx, "prefers friday deliveries")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	m := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: en.EntityID, Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`),
		Confidence: 0.85, Embedding: emb,
		CreatedAt: time.Now().UTC().Add(-180 * 24 * time.Hour),
	}
	if err := s.InsertSemantic(ctx, m); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	res, err := e.ProcessTurn(ctx, TurnRequest{
		UserID: "u1", SessionID: "s1",
		Message: "When should we schedule the next delivery for Kai Media?",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(res.Memories) == 0 {
		t.Fatal("stale memory should still be retrieved")
	}
	if len(res.Clarifications) != 1 || !strings.Contains(res.Reply, "still correct") {
		t.Errorf("expected a validation question, got clarifications=%v reply=%q",
			res.Clarifications, res.Reply)
	}
}

// Explain reports decayed confidence: a 180-day-old fact at 0.9 stored
// confidence is worth ~0.11 on read.
func TestExplainReportsDecayedConfidence(t *testing.T) {
	e, s := newTestEngine(t, &llm.FakeClient{}, false)
	ctx := context.Background()
	en := seedCustomer(t, s, "customer:kai-media", "Kai Media")

	m := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: en.EntityID, Predicate: "billing_currency",
		PredicateType: memory.PredicateAttribute, ObjectValue: json.RawMessage(`"EUR"`),
		Confidence: 0.90, CreatedAt: time.Now().UTC().Add(-180 * 24 * time.Hour),
	}
	if err := s.InsertSemantic(ctx, m); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ex, err := e.Explain(ctx, m.MemoryID)
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	if ex.Memory.Confidence != 0.90 {
		t.Errorf("stored confidence mutated: %v", ex.Memory.Confidence)
	}
	if ex.EffectiveConfidence > 0.15 || ex.EffectiveConfidence < 0.05 {
		t.Errorf("effective confidence = %v, want ~0.11 after 180 days", ex.EffectiveConfidence)
	}
}

// GetMemories orders by decayed confidence, so a fresher but weaker fact can
// outrank an old strong one.
func TestGetMemoriesOrdersByEffectiveConfidence(t *testing.T) {
	e, s := newTestEngine(t, &llm.FakeClient{}, false)
	ctx := context.Background()
	en := seedCustomer(t, s, "customer:kai-media", "Kai Media")

	oldStrong := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: en.EntityID, Predicate: "payment_terms",
		PredicateType: memory.PredicatePolicy, ObjectValue: json.RawMessage(`"net_30"`),
		Confidence: 0.90, CreatedAt: time.Now().UTC().Add(-120 * 24 * time.Hour),
	}
	freshWeak := &memory.SemanticMemory{
		UserID: "u1", SubjectEntityID: en.EntityID, Predicate: "prefers_delivery_day",
		PredicateType: memory.PredicatePreference, ObjectValue: json.RawMessage(`"friday"`),
		Confidence: 0.60,
	}
	for _, m := range []*memory.SemanticMemory{oldStrong, freshWeak} {
		if err := s.InsertSemantic(ctx, m); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	views, err := e.GetMemories(ctx, "u1", en.EntityID, 0)
	if err != nil {
		t.Fatalf("get memories failed: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d memories, want 2", len(views))
	}
	if views[0].Memory.MemoryID != freshWeak.MemoryID {
		t.Errorf("fresh 0.60 fact should outrank a 120-day-old 0.90 fact, got %s first", views[0].Memory.MemoryID)
	}
}

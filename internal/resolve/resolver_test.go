package resolve

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"mnemo/internal/core"
	"mnemo/internal/llm"
	"mnemo/internal/memory"
	"mnemo/internal/mention"
	"mnemo/internal/store"
)

func newTestResolver(t *testing.T, client core.LLMClient) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, nil, client), s
}

func mustCreate(t *testing.T, s *store.Store, entityType, name string) *memory.CanonicalEntity {
	t.Helper()
	e := &memory.CanonicalEntity{EntityType: entityType, CanonicalName: name}
	if err := s.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("create entity failed: %v", err)
	}
	return e
}

func TestTrigramSimilarity(t *testing.T) {
	if sim := TrigramSimilarity("Kai Media", "Kai Media"); sim < 0.999 {
		t.Errorf("identical strings: sim=%v", sim)
	}
	if sim := TrigramSimilarity("Kai Media", "Kai Mdia"); sim < fuzzyThreshold {
		t.Errorf("typo should pass threshold: sim=%v", sim)
	}
	if sim := TrigramSimilarity("Kai Media", "Northwind Traders"); sim > 0.2 {
		t.Errorf("unrelated names too similar: sim=%v", sim)
	}
	if sim := TrigramSimilarity("", "x"); sim != 0 {
		t.Errorf("empty input: sim=%v", sim)
	}
}

func TestResolveExactMatch(t *testing.T) {
	r, s := newTestResolver(t, nil)
	e := mustCreate(t, s, "customer", "Kai Media")

	res, err := r.Resolve(context.Background(), "u1", mention.Mention{Text: "Kai Media"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Entity.EntityID != e.EntityID {
		t.Fatalf("res = %+v, want entity %s", res, e.EntityID)
	}
	if res.Stage != StageExact || res.Confidence != exactConfidence {
		t.Errorf("stage=%s conf=%v, want exact/%v", res.Stage, res.Confidence, exactConfidence)
	}
}

func TestResolveAliasMatchReinforces(t *testing.T) {
	r, s := newTestResolver(t, nil)
	e := mustCreate(t, s, "customer", "Kai Media")
	ctx := context.Background()

	a := &memory.EntityAlias{CanonicalEntityID: e.EntityID, AliasText: "KM", UserID: "u1",
		AliasSource: memory.AliasUserStated, Confidence: 0.8}
	if err := s.UpsertAlias(ctx, a); err != nil {
		t.Fatalf("seed alias failed: %v", err)
	}

	res, err := r.Resolve(ctx, "u1", mention.Mention{Text: "KM"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Stage != StageAlias {
		t.Fatalf("res = %+v, want alias stage", res)
	}

	got, err := s.LookupAliases(ctx, "KM", "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got[0].UsageCount != 2 {
		t.Errorf("alias usage = %d, want 2 after reinforcement", got[0].UsageCount)
	}
}

func TestResolveWeakAliasIgnored(t *testing.T) {
	r, s := newTestResolver(t, nil)
	e := mustCreate(t, s, "customer", "Kai Media")
	ctx := context.Background()

	a := &memory.EntityAlias{CanonicalEntityID: e.EntityID, AliasText: "the K", UserID: "u1",
		AliasSource: memory.AliasCoreference, Confidence: 0.5}
	if err := s.UpsertAlias(ctx, a); err != nil {
		t.Fatalf("seed alias failed: %v", err)
	}

	res, err := r.Resolve(ctx, "u1", mention.Mention{Text: "the K"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res != nil {
		t.Errorf("alias below %.2f should not resolve, got %+v", aliasMinConfidence, res)
	}
}

func TestResolveFuzzyLearnsAlias(t *testing.T) {
	r, s := newTestResolver(t, nil)
	e := mustCreate(t, s, "customer", "Northwind Traders")
	ctx := context.Background()

	res, err := r.Resolve(ctx, "u1", mention.Mention{Text: "Northwind Trader"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Stage != StageFuzzy {
		t.Fatalf("res = %+v, want fuzzy stage", res)
	}
	if res.Entity.EntityID != e.EntityID {
		t.Errorf("resolved wrong entity: %s", res.Entity.EntityID)
	}
	if res.Confidence < fuzzyThreshold {
		t.Errorf("confidence %v below threshold", res.Confidence)
	}
	// Fuzzy confidence is the discounted similarity, not the raw score.
	wantConf := 0.9 * TrigramSimilarity("Northwind Trader", "Northwind Traders")
	if math.Abs(res.Confidence-wantConf) > 1e-9 {
		t.Errorf("confidence = %v, want similarity*0.9 = %v", res.Confidence, wantConf)
	}

	aliases, err := s.LookupAliases(ctx, "Northwind Trader", "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(aliases) != 1 || aliases[0].AliasSource != memory.AliasFuzzy {
		t.Errorf("fuzzy resolution should learn an alias, got %+v", aliases)
	}
	if aliases[0].Confidence > learnedAliasCap {
		t.Errorf("learned alias confidence %v above cap", aliases[0].Confidence)
	}
}

func TestResolveFuzzyAmbiguity(t *testing.T) {
	r, s := newTestResolver(t, nil)
	mustCreate(t, s, "customer", "Kai Media Group")
	mustCreate(t, s, "customer", "Kai Media Corp")

	_, err := r.Resolve(context.Background(), "u1", mention.Mention{Text: "Kai Media"}, nil)
	ae, ok := core.IsAmbiguous(err)
	if !ok {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	if len(ae.Candidates) != 2 {
		t.Errorf("got %d candidates, want 2", len(ae.Candidates))
	}
	if ae.Mention != "Kai Media" {
		t.Errorf("mention = %q", ae.Mention)
	}
}

func TestResolveCoreferenceShortcut(t *testing.T) {
	client := &llm.FakeClient{}
	r, s := newTestResolver(t, client)
	e := mustCreate(t, s, "customer", "Kai Media")

	res, err := r.Resolve(context.Background(), "u1",
		mention.Mention{Text: "they", RequiresCoreference: true},
		[]*memory.CanonicalEntity{e})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Stage != StageCoreference {
		t.Fatalf("res = %+v, want coreference stage", res)
	}
	if len(client.Calls) != 0 {
		t.Error("single candidate should not call the LLM")
	}
}

func TestResolveCoreferenceViaLLM(t *testing.T) {
	r, s := newTestResolver(t, nil)
	a := mustCreate(t, s, "customer", "Kai Media")
	b := mustCreate(t, s, "customer", "Northwind Traders")

	client := &llm.FakeClient{Responses: []string{`{"entity_id": "` + b.EntityID + `"}`}}
	r.llm = client

	res, err := r.Resolve(context.Background(), "u1",
		mention.Mention{Text: "the customer", RequiresCoreference: true, Context: "Is the customer's invoice overdue?"},
		[]*memory.CanonicalEntity{a, b})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Entity.EntityID != b.EntityID {
		t.Fatalf("res = %+v, want %s", res, b.EntityID)
	}
	if res.Confidence != corefConfidence {
		t.Errorf("confidence = %v, want %v", res.Confidence, corefConfidence)
	}
	if len(client.Calls) != 1 || client.Calls[0].Opts.Temperature != 0 || !client.Calls[0].Opts.JSONMode {
		t.Errorf("coreference call options wrong: %+v", client.Calls)
	}
}

func TestResolveCoreferenceLearnsAlias(t *testing.T) {
	r, s := newTestResolver(t, nil)
	a := mustCreate(t, s, "customer", "Kai Media")
	b := mustCreate(t, s, "customer", "Northwind Traders")
	client := &llm.FakeClient{Responses: []string{`{"entity_id": "` + a.EntityID + `"}`}}
	r.llm = client
	ctx := context.Background()

	res, err := r.Resolve(ctx, "u1",
		mention.Mention{Text: "the customer", RequiresCoreference: true},
		[]*memory.CanonicalEntity{a, b})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Entity.EntityID != a.EntityID {
		t.Fatalf("res = %+v, want %s", res, a.EntityID)
	}

	aliases, err := s.LookupAliases(ctx, "the customer", "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(aliases) != 1 || aliases[0].AliasSource != memory.AliasCoreference {
		t.Fatalf("coreference hit should learn an alias, got %+v", aliases)
	}
	if aliases[0].Confidence != corefConfidence {
		t.Errorf("alias confidence = %v, want %v", aliases[0].Confidence, corefConfidence)
	}
}

func TestResolveCoreferencePronounLearnsNoAlias(t *testing.T) {
	r, s := newTestResolver(t, &llm.FakeClient{})
	e := mustCreate(t, s, "customer", "Kai Media")
	ctx := context.Background()

	res, err := r.Resolve(ctx, "u1",
		mention.Mention{Text: "they", RequiresCoreference: true},
		[]*memory.CanonicalEntity{e})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Stage != StageCoreference {
		t.Fatalf("res = %+v, want coreference stage", res)
	}
	aliases, err := s.LookupAliases(ctx, "they", "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(aliases) != 0 {
		t.Errorf("bare pronoun must not become an alias, got %+v", aliases)
	}
}

func TestResolveCoreferenceLLMDegradedIsMiss(t *testing.T) {
	client := &llm.FakeClient{Fail: true}
	r, s := newTestResolver(t, client)
	a := mustCreate(t, s, "customer", "Kai Media")
	b := mustCreate(t, s, "customer", "Northwind Traders")

	res, err := r.Resolve(context.Background(), "u1",
		mention.Mention{Text: "they", RequiresCoreference: true},
		[]*memory.CanonicalEntity{a, b})
	if err != nil {
		t.Fatalf("degraded LLM should not error the turn: %v", err)
	}
	if res != nil {
		t.Errorf("degraded LLM should be a miss, got %+v", res)
	}
}

func TestResolveExternalCreatesEntity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain.db")
	if err := store.InitDomainDB(path, true); err != nil {
		t.Fatalf("init domain failed: %v", err)
	}
	d, err := store.OpenDomainDB(path)
	if err != nil {
		t.Fatalf("open domain failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := New(s, d, nil)

	ctx := context.Background()
	res, err := r.Resolve(ctx, "u1", mention.Mention{Text: "Northwind Traders"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Stage != StageExternal {
		t.Fatalf("res = %+v, want external stage", res)
	}
	if res.Entity.ExternalRef == nil || res.Entity.ExternalRef.Table != "customers" {
		t.Errorf("external ref missing: %+v", res.Entity.ExternalRef)
	}
	if res.Confidence != externalConfidence {
		t.Errorf("confidence = %v, want %v", res.Confidence, externalConfidence)
	}

	// A second resolve hits the exact stage against the new canonical row.
	res2, err := r.Resolve(ctx, "u1", mention.Mention{Text: "Northwind Traders"}, nil)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if res2 == nil || res2.Stage != StageExact {
		t.Errorf("second resolve stage = %+v, want exact", res2)
	}
}

func TestResolveExternalMatchesMisspelledName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain.db")
	if err := store.InitDomainDB(path, true); err != nil {
		t.Fatalf("init domain failed: %v", err)
	}
	d, err := store.OpenDomainDB(path)
	if err != nil {
		t.Fatalf("open domain failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	s, err := store.NewStore(":memory:")
	if err != nil {
		t.Fatalf("create store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	r := New(s, d, nil)
	ctx := context.Background()

	// No canonical entity exists yet; the typo has to match the domain row
	// by trigram similarity, not substring.
	res, err := r.Resolve(ctx, "u1", mention.Mention{Text: "Northwind Tradors"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res == nil || res.Stage != StageExternal {
		t.Fatalf("res = %+v, want external stage", res)
	}
	if res.Entity.CanonicalName != "Northwind Traders" {
		t.Errorf("matched %q, want Northwind Traders", res.Entity.CanonicalName)
	}

	aliases, err := s.LookupAliases(ctx, "Northwind Tradors", "u1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(aliases) != 1 {
		t.Errorf("external hit on a non-canonical surface form should learn an alias, got %+v", aliases)
	}
}

func TestResolveUnknownReturnsNil(t *testing.T) {
	r, _ := newTestResolver(t, nil)
	res, err := r.Resolve(context.Background(), "u1", mention.Mention{Text: "Acme Corp"}, nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if res != nil {
		t.Errorf("unknown mention should resolve to nil, got %+v", res)
	}
}

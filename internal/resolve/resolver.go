// Package resolve maps surface mentions to canonical entities through a
// staged pipeline: exact name, learned alias, fuzzy match, LLM coreference,
// and finally the external domain database. Each stage tags its result with
// a fixed confidence; later stages only run when earlier ones miss.
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"mnemo/internal/core"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
	"mnemo/internal/mention"
	"mnemo/internal/store"
)

// Stage identifies which pipeline step produced a resolution.
type Stage string

const (
	StageExact       Stage = "exact"
	StageAlias       Stage = "alias"
	StageFuzzy       Stage = "fuzzy"
	StageCoreference Stage = "coreference"
	StageExternal    Stage = "external_db"
)

const (
	exactConfidence    = 0.90
	corefConfidence    = 0.80
	externalConfidence = 0.85
	aliasMinConfidence = 0.70
	fuzzyThreshold     = 0.60
	ambiguityMargin    = 0.15
	learnedAliasCap    = 0.90
)

// Result is a tagged resolution outcome. Entity is nil when no stage
// produced a match; ambiguity is reported through core.AmbiguousEntityError
// so the caller can ask the user instead of guessing.
type Result struct {
	Entity     *memory.CanonicalEntity
	Stage      Stage
	Confidence float64
	Mention    mention.Mention
}

// Resolver runs the staged pipeline. The domain DB and LLM are optional;
// their stages are skipped when absent.
type Resolver struct {
	store  *store.Store
	domain *store.DomainDB
	llm    core.LLMClient
}

// New builds a resolver. domain and client may be nil.
func New(s *store.Store, domain *store.DomainDB, client core.LLMClient) *Resolver {
	return &Resolver{store: s, domain: domain, llm: client}
}

// Resolve maps one mention to a canonical entity. sessionEntities are the
// entities already resolved in this session, the coreference candidate set.
func (r *Resolver) Resolve(ctx context.Context, userID string, m mention.Mention, sessionEntities []*memory.CanonicalEntity) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryResolve, "Resolve")
	defer timer.Stop()

	// Pronouns and definite references skip the name stages entirely.
	if m.RequiresCoreference {
		return r.resolveCoreference(ctx, userID, m, sessionEntities)
	}

	if res, err := r.resolveExact(ctx, m); res != nil || err != nil {
		return res, err
	}
	if res, err := r.resolveAlias(ctx, userID, m); res != nil || err != nil {
		return res, err
	}
	if res, err := r.resolveFuzzy(ctx, userID, m); res != nil || err != nil {
		return res, err
	}
	if r.domain != nil {
		if res, err := r.resolveExternal(ctx, userID, m); res != nil || err != nil {
			return res, err
		}
	}

	logging.ResolveDebug("Mention %q unresolved after all stages", m.Text)
	return nil, nil
}

func (r *Resolver) resolveExact(ctx context.Context, m mention.Mention) (*Result, error) {
	matches, err := r.store.FindEntitiesByName(ctx, m.Text)
	if err != nil {
		return nil, fmt.Errorf("exact stage failed: %w", err)
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		logging.ResolveDebug("Exact match: %q -> %s", m.Text, matches[0].EntityID)
		return &Result{Entity: matches[0], Stage: StageExact, Confidence: exactConfidence, Mention: m}, nil
	}
	return nil, ambiguous(m.Text, matches, exactConfidence)
}

func (r *Resolver) resolveAlias(ctx context.Context, userID string, m mention.Mention) (*Result, error) {
	aliases, err := r.store.LookupAliases(ctx, m.Text, userID)
	if err != nil {
		return nil, fmt.Errorf("alias stage failed: %w", err)
	}
	var usable []*memory.EntityAlias
	for _, a := range aliases {
		if a.Confidence >= aliasMinConfidence {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		return nil, nil
	}

	best := usable[0]
	// Two strong aliases to different entities within the margin means the
	// surface form is genuinely ambiguous for this user.
	for _, a := range usable[1:] {
		if a.CanonicalEntityID != best.CanonicalEntityID && best.Confidence-a.Confidence < ambiguityMargin {
			ents, err := r.aliasEntities(ctx, usable)
			if err != nil {
				return nil, err
			}
			return nil, ambiguous(m.Text, ents, best.Confidence)
		}
	}

	entity, err := r.store.GetEntity(ctx, best.CanonicalEntityID)
	if err != nil {
		return nil, fmt.Errorf("alias stage entity fetch failed: %w", err)
	}
	// Reinforce the winning alias.
	if err := r.store.UpsertAlias(ctx, best); err != nil {
		logging.Get(logging.CategoryResolve).Warn("Failed to reinforce alias %q: %v", best.AliasText, err)
	}
	logging.ResolveDebug("Alias match: %q -> %s (conf=%.2f)", m.Text, entity.EntityID, best.Confidence)
	return &Result{Entity: entity, Stage: StageAlias, Confidence: best.Confidence, Mention: m}, nil
}

func (r *Resolver) aliasEntities(ctx context.Context, aliases []*memory.EntityAlias) ([]*memory.CanonicalEntity, error) {
	seen := make(map[string]bool)
	var out []*memory.CanonicalEntity
	for _, a := range aliases {
		if seen[a.CanonicalEntityID] {
			continue
		}
		seen[a.CanonicalEntityID] = true
		e, err := r.store.GetEntity(ctx, a.CanonicalEntityID)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Resolver) resolveFuzzy(ctx context.Context, userID string, m mention.Mention) (*Result, error) {
	entities, err := r.store.ListEntities(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("fuzzy stage failed: %w", err)
	}
	var best, second *memory.CanonicalEntity
	var bestSim, secondSim float64
	for _, e := range entities {
		sim := TrigramSimilarity(m.Text, e.CanonicalName)
		if sim > bestSim {
			second, secondSim = best, bestSim
			best, bestSim = e, sim
		} else if sim > secondSim {
			second, secondSim = e, sim
		}
	}
	if best == nil || bestSim < fuzzyThreshold {
		return nil, nil
	}
	if second != nil && secondSim >= fuzzyThreshold && bestSim-secondSim < ambiguityMargin {
		logging.Resolve("Fuzzy ambiguity on %q: %q (%.2f) vs %q (%.2f)",
			m.Text, best.CanonicalName, bestSim, second.CanonicalName, secondSim)
		return nil, ambiguous(m.Text, []*memory.CanonicalEntity{best, second}, bestSim)
	}

	// Fuzzy hits are discounted: the surface form only resembles the name.
	conf := bestSim * 0.9
	r.learnAlias(ctx, userID, best.EntityID, m.Text, memory.AliasFuzzy, conf)
	logging.ResolveDebug("Fuzzy match: %q -> %s (sim=%.2f)", m.Text, best.EntityID, bestSim)
	return &Result{Entity: best, Stage: StageFuzzy, Confidence: conf, Mention: m}, nil
}

const corefSystemPrompt = `You resolve pronouns and definite references in support conversations.
Given a reference and the entities mentioned recently, answer with JSON:
{"entity_id": "<id>"} for the entity the reference points to, or
{"entity_id": null} if none of them fits. Answer with JSON only.`

func (r *Resolver) resolveCoreference(ctx context.Context, userID string, m mention.Mention, sessionEntities []*memory.CanonicalEntity) (*Result, error) {
	if r.llm == nil || len(sessionEntities) == 0 {
		return nil, nil
	}
	// One recent entity needs no model call.
	if len(sessionEntities) == 1 {
		e := sessionEntities[0]
		r.learnCorefAlias(ctx, userID, e.EntityID, m.Text)
		logging.ResolveDebug("Coreference shortcut: %q -> %s", m.Text, e.EntityID)
		return &Result{Entity: e, Stage: StageCoreference, Confidence: corefConfidence, Mention: m}, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reference: %q\nContext: %q\n\nRecent entities:\n", m.Text, m.Context)
	for _, e := range sessionEntities {
		fmt.Fprintf(&sb, "- id=%s type=%s name=%q\n", e.EntityID, e.EntityType, e.CanonicalName)
	}

	completion, err := r.llm.Complete(ctx, corefSystemPrompt, sb.String(), core.CompletionOptions{
		Temperature: 0,
		MaxTokens:   100,
		JSONMode:    true,
	})
	if err != nil {
		logging.Get(logging.CategoryResolve).Warn("Coreference LLM call degraded: %v", err)
		return nil, nil
	}
	var parsed struct {
		EntityID *string `json:"entity_id"`
	}
	if err := json.Unmarshal([]byte(completion.Content), &parsed); err != nil || parsed.EntityID == nil {
		logging.ResolveDebug("Coreference unresolved for %q", m.Text)
		return nil, nil
	}
	for _, e := range sessionEntities {
		if e.EntityID == *parsed.EntityID {
			r.learnCorefAlias(ctx, userID, e.EntityID, m.Text)
			logging.ResolveDebug("Coreference: %q -> %s", m.Text, e.EntityID)
			return &Result{Entity: e, Stage: StageCoreference, Confidence: corefConfidence, Mention: m}, nil
		}
	}
	// The model named an id outside the candidate set; treat as a miss.
	return nil, nil
}

func (r *Resolver) resolveExternal(ctx context.Context, userID string, m mention.Mention) (*Result, error) {
	rows, err := r.domain.Query(ctx, `SELECT customer_id, name FROM customers`)
	if err != nil {
		return nil, fmt.Errorf("external stage failed: %w", err)
	}
	defer rows.Close()

	// Trigram-match the mention against every customer name; the table is
	// small enough that a scan beats maintaining an index we do not own.
	type hit struct {
		id, name string
		sim      float64
	}
	var best, second *hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.name); err != nil {
			return nil, fmt.Errorf("external stage scan failed: %w", err)
		}
		h.sim = TrigramSimilarity(m.Text, h.name)
		if h.sim < fuzzyThreshold {
			continue
		}
		switch {
		case best == nil || h.sim > best.sim:
			best, second = &h, best
		case second == nil || h.sim > second.sim:
			second = &h
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if best == nil {
		return nil, nil
	}
	if second != nil && best.sim-second.sim < ambiguityMargin {
		cands := []*memory.CanonicalEntity{
			{EntityID: "customer:" + best.id, EntityType: "customer", CanonicalName: best.name},
			{EntityID: "customer:" + second.id, EntityType: "customer", CanonicalName: second.name},
		}
		return nil, ambiguous(m.Text, cands, externalConfidence)
	}

	// Lazily promote the domain row to a canonical entity.
	entity := &memory.CanonicalEntity{
		EntityType:    "customer",
		CanonicalName: best.name,
		ExternalRef:   &memory.ExternalRef{Table: "customers", ID: best.id},
	}
	if err := r.store.CreateEntity(ctx, entity); err != nil {
		return nil, fmt.Errorf("external stage entity creation failed: %w", err)
	}
	if !strings.EqualFold(m.Text, entity.CanonicalName) {
		r.learnAlias(ctx, userID, entity.EntityID, m.Text, memory.AliasUserStated, externalConfidence)
	}
	logging.Resolve("External match: %q -> %s (customers/%s, sim=%.2f)", m.Text, entity.EntityID, best.id, best.sim)
	return &Result{Entity: entity, Stage: StageExternal, Confidence: externalConfidence, Mention: m}, nil
}

// learnCorefAlias records a resolved definite reference ("the customer") as
// an alias. Bare pronouns carry no reusable surface form and are skipped.
func (r *Resolver) learnCorefAlias(ctx context.Context, userID, entityID, text string) {
	if mention.IsPronoun(text) {
		return
	}
	r.learnAlias(ctx, userID, entityID, text, memory.AliasCoreference, corefConfidence)
}

// learnAlias records a new surface form at min(cap, stage confidence).
func (r *Resolver) learnAlias(ctx context.Context, userID, entityID, text string, src memory.AliasSource, conf float64) {
	if conf > learnedAliasCap {
		conf = learnedAliasCap
	}
	a := &memory.EntityAlias{
		CanonicalEntityID: entityID,
		AliasText:         text,
		UserID:            userID,
		AliasSource:       src,
		Confidence:        conf,
	}
	if err := r.store.UpsertAlias(ctx, a); err != nil {
		logging.Get(logging.CategoryResolve).Warn("Failed to learn alias %q: %v", text, err)
	}
}

func ambiguous(text string, candidates []*memory.CanonicalEntity, conf float64) error {
	cands := make([]core.EntityCandidate, 0, len(candidates))
	for _, e := range candidates {
		cands = append(cands, core.EntityCandidate{
			EntityID:      e.EntityID,
			CanonicalName: e.CanonicalName,
			EntityType:    e.EntityType,
			Similarity:    conf,
		})
	}
	return &core.AmbiguousEntityError{Mention: text, Candidates: cands}
}

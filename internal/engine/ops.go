package engine

import (
	"context"
	"sort"

	"mnemo/internal/consolidate"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

// MemoryView is a semantic memory with its decayed confidence at read time.
type MemoryView struct {
	Memory              *memory.SemanticMemory
	EffectiveConfidence float64
}

// GetMemories returns retrievable semantic memories for a user, optionally
// filtered to one subject entity, strongest first by decayed confidence.
func (e *Engine) GetMemories(ctx context.Context, userID, entityID string, limit int) ([]MemoryView, error) {
	var (
		mems []*memory.SemanticMemory
		err  error
	)
	if entityID != "" {
		mems, err = e.store.ListSemanticBySubject(ctx, userID, entityID)
	} else {
		mems, err = e.store.ListRetrievableSemantic(ctx, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	views := make([]MemoryView, 0, len(mems))
	for _, m := range mems {
		if !m.Status.Retrievable() {
			continue
		}
		views = append(views, MemoryView{Memory: m, EffectiveConfidence: e.validator.EffectiveConfidence(m, now)})
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].EffectiveConfidence != views[j].EffectiveConfidence {
			return views[i].EffectiveConfidence > views[j].EffectiveConfidence
		}
		return views[i].Memory.MemoryID < views[j].Memory.MemoryID
	})
	if limit > 0 && len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

// EntityView bundles an entity with its learned aliases.
type EntityView struct {
	Entity  *memory.CanonicalEntity
	Aliases []*memory.EntityAlias
}

// GetEntities lists canonical entities, optionally filtered by type, each
// with its aliases.
func (e *Engine) GetEntities(ctx context.Context, entityType string) ([]EntityView, error) {
	entities, err := e.store.ListEntities(ctx, entityType)
	if err != nil {
		return nil, err
	}
	views := make([]EntityView, 0, len(entities))
	for _, en := range entities {
		aliases, err := e.store.ListAliases(ctx, en.EntityID)
		if err != nil {
			return nil, err
		}
		views = append(views, EntityView{Entity: en, Aliases: aliases})
	}
	return views, nil
}

// Consolidate runs scope-based summary synthesis for a user.
func (e *Engine) Consolidate(ctx context.Context, userID string, scope memory.Scope, force bool) (*consolidate.Result, error) {
	return e.consolidator.Consolidate(ctx, userID, scope, force)
}

// DetectPatterns mines procedural heuristics from the user's episodic
// history.
func (e *Engine) DetectPatterns(ctx context.Context, userID string) ([]*memory.ProceduralMemory, error) {
	return e.miner.Mine(ctx, userID)
}

// Explanation is the provenance bundle for one semantic memory: the memory,
// its source event, every conflict it took part in, and its confidence after
// decay.
type Explanation struct {
	Memory              *memory.SemanticMemory
	EffectiveConfidence float64
	SourceEvent         *memory.ChatEvent
	Conflicts           []*memory.MemoryConflict
}

// Explain answers "why does the engine believe this" for a memory id.
func (e *Engine) Explain(ctx context.Context, memoryID string) (*Explanation, error) {
	m, err := e.store.GetSemantic(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	ex := &Explanation{
		Memory:              m,
		EffectiveConfidence: e.validator.EffectiveConfidence(m, e.clock.Now()),
	}
	if m.SourceEventID > 0 {
		if ev, err := e.store.GetEvent(ctx, m.SourceEventID); err == nil {
			ex.SourceEvent = ev
		}
	}
	conflicts, err := e.store.ListConflictsByMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	ex.Conflicts = conflicts
	return ex, nil
}

// GetStats reports row counts across the memory layers.
func (e *Engine) GetStats(ctx context.Context) (store.Stats, error) {
	return e.store.GetStats(ctx)
}

// Package retrieval generates memory candidates across three layers in
// parallel and ranks them with a deterministic multi-signal scorer. The LLM
// is never consulted here; identical inputs always produce identical
// rankings.
package retrieval

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

// Candidate is one memory surfaced by a layer query, before scoring.
type Candidate struct {
	MemoryType string // semantic, episodic, summary
	MemoryID   string
	Similarity float64 // raw cosine similarity to the query vector

	Semantic *memory.SemanticMemory
	Episodic *memory.EpisodicMemory
	Summary  *memory.MemorySummary
}

// EntityIDs returns the entity ids attached to the candidate.
func (c *Candidate) EntityIDs() []string {
	switch c.MemoryType {
	case "semantic":
		return []string{c.Semantic.SubjectEntityID}
	case "episodic":
		ids := make([]string, 0, len(c.Episodic.Entities))
		for _, e := range c.Episodic.Entities {
			ids = append(ids, e.EntityID)
		}
		return ids
	case "summary":
		if c.Summary.Scope.Kind == memory.ScopeEntity {
			return []string{c.Summary.Scope.Identifier}
		}
	}
	return nil
}

// CreatedAt returns the candidate's creation time for the recency signal.
func (c *Candidate) CreatedAt() time.Time {
	switch c.MemoryType {
	case "semantic":
		return c.Semantic.CreatedAt
	case "episodic":
		return c.Episodic.CreatedAt
	case "summary":
		return c.Summary.CreatedAt
	}
	return time.Time{}
}

// Generator fans out one vector query across the semantic, episodic, and
// summary layers.
type Generator struct {
	store *store.Store
	cfg   config.RetrievalConfig
}

// NewGenerator builds a candidate generator.
func NewGenerator(s *store.Store, cfg config.RetrievalConfig) *Generator {
	return &Generator{store: s, cfg: cfg}
}

// Candidates queries all three layers concurrently and merges the results,
// deduplicated by (type, id). A failing layer is logged and skipped; the
// other layers still contribute. Only the complete absence of results with
// at least one failure is an error.
func (g *Generator) Candidates(ctx context.Context, userID string, query []float32) ([]Candidate, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Candidates")
	defer timer.Stop()

	var (
		sem  []store.ScoredSemantic
		epi  []store.ScoredEpisodic
		sum  []store.ScoredSummary
		errs [3]error
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		sem, err = g.store.SimilarSemantic(gctx, userID, query, g.cfg.SemanticLimit)
		errs[0] = err
		return nil
	})
	eg.Go(func() error {
		var err error
		epi, err = g.store.SimilarEpisodic(gctx, userID, query, g.cfg.EpisodicLimit)
		errs[1] = err
		return nil
	})
	eg.Go(func() error {
		var err error
		sum, err = g.store.SimilarSummaries(gctx, userID, query, g.cfg.SummaryLimit)
		errs[2] = err
		return nil
	})
	eg.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			logging.Get(logging.CategoryRetrieval).Warn("Candidate layer %d failed: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	var out []Candidate
	add := func(c Candidate) {
		key := c.MemoryType + "/" + c.MemoryID
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, c)
	}
	for _, r := range sem {
		add(Candidate{MemoryType: "semantic", MemoryID: r.Memory.MemoryID, Similarity: r.Similarity, Semantic: r.Memory})
	}
	for _, r := range epi {
		add(Candidate{MemoryType: "episodic", MemoryID: r.Memory.MemoryID, Similarity: r.Similarity, Episodic: r.Memory})
	}
	for _, r := range sum {
		add(Candidate{MemoryType: "summary", MemoryID: r.Summary.SummaryID, Similarity: r.Similarity, Summary: r.Summary})
	}

	if len(out) == 0 && failed == 3 {
		return nil, errs[0]
	}
	logging.RetrievalDebug("Generated %d candidates (semantic=%d episodic=%d summary=%d, %d layers failed)",
		len(out), len(sem), len(epi), len(sum), failed)
	return out, nil
}

package store

import (
	"context"
	"sort"

	"mnemo/internal/core"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
)

// ScoredEpisodic is an episodic memory with its query similarity.
type ScoredEpisodic struct {
	Memory     *memory.EpisodicMemory
	Similarity float64
}

// ScoredSemantic is a semantic memory with its query similarity.
type ScoredSemantic struct {
	Memory     *memory.SemanticMemory
	Similarity float64
}

// ScoredSummary is a summary with its query similarity.
type ScoredSummary struct {
	Summary    *memory.MemorySummary
	Similarity float64
}

// SimilarEpisodic ranks unarchived episodic memories by cosine similarity
// to the query vector. Similarity is computed in-process; the corpus per
// user stays small enough that a linear scan beats index maintenance.
func (s *Store) SimilarEpisodic(ctx context.Context, userID string, query []float32, limit int) ([]ScoredEpisodic, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SimilarEpisodic")
	defer timer.StopWithThreshold(200)

	mems, err := s.ListEpisodicByUser(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var scored []ScoredEpisodic
	for _, m := range mems {
		if len(m.Embedding) == 0 {
			continue
		}
		sim := core.CosineSimilarity(query, m.Embedding)
		scored = append(scored, ScoredEpisodic{Memory: m, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SimilarSemantic ranks retrievable semantic memories by cosine similarity.
func (s *Store) SimilarSemantic(ctx context.Context, userID string, query []float32, limit int) ([]ScoredSemantic, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SimilarSemantic")
	defer timer.StopWithThreshold(200)

	mems, err := s.ListRetrievableSemantic(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var scored []ScoredSemantic
	for _, m := range mems {
		if len(m.Embedding) == 0 {
			continue
		}
		sim := core.CosineSimilarity(query, m.Embedding)
		scored = append(scored, ScoredSemantic{Memory: m, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// SimilarSummaries ranks active summaries by cosine similarity.
func (s *Store) SimilarSummaries(ctx context.Context, userID string, query []float32, limit int) ([]ScoredSummary, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SimilarSummaries")
	defer timer.StopWithThreshold(200)

	sums, err := s.ListActiveSummaries(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var scored []ScoredSummary
	for _, m := range sums {
		if len(m.Embedding) == 0 {
			continue
		}
		sim := core.CosineSimilarity(query, m.Embedding)
		scored = append(scored, ScoredSummary{Summary: m, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

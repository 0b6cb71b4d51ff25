package retrieval

import (
	"math"
	"sort"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
)

// SignalBreakdown records every input to a candidate's final score so the
// ranking can be recomputed and explained. For every entry:
//
//	Score = EffectiveConfidence * (weights . signals)
type SignalBreakdown struct {
	Semantic      float64 `json:"semantic"`
	Entity        float64 `json:"entity"`
	Recency       float64 `json:"recency"`
	Importance    float64 `json:"importance"`
	Reinforcement float64 `json:"reinforcement"`

	Weights             config.SignalWeights `json:"weights"`
	EffectiveConfidence float64              `json:"effective_confidence"`
}

// Recompute re-derives the final score from the breakdown.
func (b SignalBreakdown) Recompute() float64 {
	weighted := b.Weights.Semantic*b.Semantic +
		b.Weights.Entity*b.Entity +
		b.Weights.Recency*b.Recency +
		b.Weights.Importance*b.Importance +
		b.Weights.Reinforcement*b.Reinforcement
	return b.EffectiveConfidence * weighted
}

// Scored is a candidate with its deterministic score.
type Scored struct {
	Candidate
	Score     float64
	Breakdown SignalBreakdown
}

// Query carries the scoring inputs for one retrieval.
type Query struct {
	Vector    []float32
	EntityIDs []string // entities mentioned in the current turn
	Strategy  string   // one of the config strategy names
	Now       time.Time
}

// Scorer ranks candidates. No I/O, no randomness.
type Scorer struct {
	cfg       config.RetrievalConfig
	validator *memory.Validator
}

// NewScorer builds a scorer over the given retrieval and decay parameters.
func NewScorer(cfg config.RetrievalConfig, decay config.DecayConfig) *Scorer {
	return &Scorer{cfg: cfg, validator: memory.NewValidator(decay)}
}

// importance per predicate type; policies and preferences carry more weight
// than incidental actions.
var predicateImportance = map[memory.PredicateType]float64{
	memory.PredicatePolicy:       0.9,
	memory.PredicatePreference:   0.7,
	memory.PredicateAttribute:    0.6,
	memory.PredicateRelationship: 0.6,
	memory.PredicateAction:       0.5,
}

// Score ranks candidates for the query, highest first. Ties break on
// memory id so identical inputs always produce identical orderings.
func (s *Scorer) Score(cands []Candidate, q Query) []Scored {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Score")
	defer timer.Stop()

	weights, ok := s.cfg.Weights[q.Strategy]
	if !ok {
		weights = s.cfg.Weights[s.cfg.DefaultStrategy]
	}
	if q.Now.IsZero() {
		q.Now = time.Now().UTC()
	}

	out := make([]Scored, 0, len(cands))
	for _, c := range cands {
		b := SignalBreakdown{
			Semantic:            (c.Similarity + 1) / 2, // cosine [-1,1] -> [0,1]
			Entity:              entityOverlap(q.EntityIDs, c.EntityIDs()),
			Recency:             s.recency(&c, q.Now),
			Importance:          s.importance(&c),
			Reinforcement:       reinforcement(&c),
			Weights:             weights,
			EffectiveConfidence: s.effectiveConfidence(&c, q.Now),
		}
		out = append(out, Scored{Candidate: c, Score: b.Recompute(), Breakdown: b})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	logging.RetrievalDebug("Scored %d candidates with strategy=%s", len(out), q.Strategy)
	return out
}

// entityOverlap is the fraction of query entities present on the candidate.
func entityOverlap(query, candidate []string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]bool, len(candidate))
	for _, id := range candidate {
		set[id] = true
	}
	hits := 0
	for _, id := range query {
		if set[id] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// recency decays by age with a per-layer half-life.
func (s *Scorer) recency(c *Candidate, now time.Time) float64 {
	var halfLife float64
	switch c.MemoryType {
	case "semantic":
		halfLife = s.cfg.SemanticHalfLifeDays
	case "episodic":
		halfLife = s.cfg.EpisodicHalfLifeDays
	case "summary":
		halfLife = s.cfg.SummaryHalfLifeDays
	}
	if halfLife <= 0 {
		return 1
	}
	ageDays := now.Sub(c.CreatedAt()).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-math.Ln2 * ageDays / halfLife)
}

func (s *Scorer) importance(c *Candidate) float64 {
	switch c.MemoryType {
	case "semantic":
		if v, ok := predicateImportance[c.Semantic.PredicateType]; ok {
			return v
		}
		return 0.5
	case "episodic":
		return clamp01(c.Episodic.Importance)
	case "summary":
		return clamp01(c.Summary.Confidence)
	}
	return 0
}

// reinforcement saturates at 5 observations. Layers without a per-memory
// count score a flat 0.5 so the weight stays neutral for them.
func reinforcement(c *Candidate) float64 {
	switch c.MemoryType {
	case "semantic":
		return clamp01(float64(c.Semantic.ReinforcementCount) / 5)
	case "summary":
		count := 0
		for _, f := range c.Summary.KeyFacts {
			count += f.Reinforcement
		}
		if count > 0 {
			return clamp01(float64(count) / 5)
		}
	}
	return 0.5
}

// effectiveConfidence is the decayed confidence scalar. Episodic memories
// carry no confidence and score at full weight.
func (s *Scorer) effectiveConfidence(c *Candidate, now time.Time) float64 {
	switch c.MemoryType {
	case "semantic":
		return s.validator.EffectiveConfidence(c.Semantic, now)
	case "summary":
		return clamp01(c.Summary.Confidence)
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

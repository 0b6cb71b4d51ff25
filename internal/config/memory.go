package config

import (
	"fmt"
	"math"
)

// DecayConfig controls passive confidence decay and reinforcement of
// semantic memories.
type DecayConfig struct {
	// RatePerDay is the exponential decay constant k in
	// effective = stored * exp(-k * days). 0.0115/day gives a 60-day
	// half-life.
	RatePerDay float64 `yaml:"rate_per_day"`

	// MinActiveConfidence is the floor below which a memory should be
	// deactivated.
	MinActiveConfidence float64 `yaml:"min_active_confidence"`

	// MaxConfidence caps every stored confidence. The system never claims
	// certainty.
	MaxConfidence float64 `yaml:"max_confidence"`

	// ReinforcementStep is added to confidence on re-assertion.
	ReinforcementStep float64 `yaml:"reinforcement_step"`

	// ConfirmationBoost is added when consolidation confirms a fact.
	ConfirmationBoost float64 `yaml:"confirmation_boost"`
}

// DefaultDecayConfig returns the standard decay parameters.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		RatePerDay:          0.0115,
		MinActiveConfidence: 0.3,
		MaxConfidence:       0.95,
		ReinforcementStep:   0.05,
		ConfirmationBoost:   0.10,
	}
}

// HalfLifeDays returns the half-life implied by the decay rate.
func (d DecayConfig) HalfLifeDays() float64 {
	if d.RatePerDay <= 0 {
		return math.Inf(1)
	}
	return math.Ln2 / d.RatePerDay
}

// SignalWeights is one strategy's weight vector over the five retrieval
// signals. Weights must sum to 1.
type SignalWeights struct {
	Semantic      float64 `yaml:"semantic"`
	Entity        float64 `yaml:"entity"`
	Recency       float64 `yaml:"recency"`
	Importance    float64 `yaml:"importance"`
	Reinforcement float64 `yaml:"reinforcement"`
}

// Validate checks the weights sum to 1 within float tolerance.
func (w SignalWeights) Validate() error {
	sum := w.Semantic + w.Entity + w.Recency + w.Importance + w.Reinforcement
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("signal weights must sum to 1.0, got %.6f", sum)
	}
	return nil
}

// RetrievalConfig configures candidate generation and multi-signal scoring.
type RetrievalConfig struct {
	// Candidate limits per memory layer.
	SemanticLimit int `yaml:"semantic_limit"`
	EpisodicLimit int `yaml:"episodic_limit"`
	SummaryLimit  int `yaml:"summary_limit"`

	// Recency half-lives in days, keyed by memory type.
	SemanticHalfLifeDays float64 `yaml:"semantic_half_life_days"`
	EpisodicHalfLifeDays float64 `yaml:"episodic_half_life_days"`
	SummaryHalfLifeDays  float64 `yaml:"summary_half_life_days"`

	// Weights maps strategy name to its signal weight vector.
	Weights map[string]SignalWeights `yaml:"weights"`

	// DefaultStrategy used when the caller does not specify one.
	DefaultStrategy string `yaml:"default_strategy"`
}

// Retrieval strategy names.
const (
	StrategyExploratory   = "exploratory"
	StrategyTargeted      = "targeted"
	StrategyFactualEntity = "factual_entity_focused"
	StrategyTemporal      = "temporal"
)

// DefaultRetrievalConfig returns the standard retrieval parameters.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		SemanticLimit:        50,
		EpisodicLimit:        30,
		SummaryLimit:         5,
		SemanticHalfLifeDays: 90,
		EpisodicHalfLifeDays: 30,
		SummaryHalfLifeDays:  180,
		DefaultStrategy:      StrategyTargeted,
		Weights: map[string]SignalWeights{
			StrategyExploratory:   {Semantic: 0.40, Entity: 0.15, Recency: 0.20, Importance: 0.15, Reinforcement: 0.10},
			StrategyTargeted:      {Semantic: 0.45, Entity: 0.25, Recency: 0.10, Importance: 0.10, Reinforcement: 0.10},
			StrategyFactualEntity: {Semantic: 0.30, Entity: 0.40, Recency: 0.05, Importance: 0.10, Reinforcement: 0.15},
			StrategyTemporal:      {Semantic: 0.25, Entity: 0.15, Recency: 0.45, Importance: 0.10, Reinforcement: 0.05},
		},
	}
}

// ConsolidationConfig controls summary synthesis thresholds.
type ConsolidationConfig struct {
	// MinEpisodicForEntity is the episodic-memory floor for entity-scope
	// consolidation (unless forced).
	MinEpisodicForEntity int `yaml:"min_episodic_for_entity"`

	// MinSessionsForWindow is the session floor for session-window scope.
	MinSessionsForWindow int `yaml:"min_sessions_for_window"`

	// MaxRetries bounds LLM synthesis attempts before the basic fallback.
	MaxRetries int `yaml:"max_retries"`

	// FallbackConfidence is assigned to fallback summaries.
	FallbackConfidence float64 `yaml:"fallback_confidence"`
}

// DefaultConsolidationConfig returns the standard consolidation thresholds.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		MinEpisodicForEntity: 10,
		MinSessionsForWindow: 3,
		MaxRetries:           3,
		FallbackConfidence:   0.6,
	}
}

// MiningConfig controls the procedural pattern miner.
type MiningConfig struct {
	// MinSupport is the minimum sequence count before a pattern is stored.
	MinSupport int `yaml:"min_support"`

	// MaxPatterns bounds how many patterns one run may return.
	MaxPatterns int `yaml:"max_patterns"`
}

// DefaultMiningConfig returns the standard mining thresholds.
func DefaultMiningConfig() MiningConfig {
	return MiningConfig{MinSupport: 3, MaxPatterns: 20}
}

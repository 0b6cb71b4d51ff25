package memory

import (
	"math"
	"time"

	"mnemo/internal/logging"
)

// DetectorConfig tunes conflict classification and resolution.
type DetectorConfig struct {
	// RecencyGapDays: creation gap beyond which the newer fact wins.
	RecencyGapDays float64

	// ConfidenceGap: confidence gap beyond which the stronger fact wins.
	ConfidenceGap float64

	// ReinforcementGap: reinforcement-count gap beyond which the more
	// reinforced fact wins.
	ReinforcementGap int

	// ExclusivePredicates are predicates where two different values cannot
	// both hold (e.g. payment_terms).
	ExclusivePredicates map[string]bool
}

// DefaultDetectorConfig returns the standard thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		RecencyGapDays:   30,
		ConfidenceGap:    0.20,
		ReinforcementGap: 3,
		ExclusivePredicates: map[string]bool{
			"payment_terms":        true,
			"prefers_delivery_day": true,
			"billing_currency":     true,
		},
	}
}

// Verdict is the outcome of comparing a new triple against one existing
// memory with the same (subject, predicate).
type Verdict struct {
	// Reinforces is true when the values match exactly: no conflict, the
	// existing memory is a reinforcement candidate.
	Reinforces bool

	Type       ConflictType
	Resolution Resolution

	// Winner/Loser are set for every resolution except require_clarification.
	// Winner stays (or is inserted) active; Loser is marked superseded.
	Winner *SemanticMemory
	Loser  *SemanticMemory
}

// Detector classifies conflicts between semantic memories. Pure and
// deterministic: the same inputs always produce the same verdict.
type Detector struct {
	cfg DetectorConfig
}

// NewDetector builds a detector.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Compare evaluates a new candidate triple against one existing active
// memory sharing its (subject, predicate). The candidate's CreatedAt must be
// populated (the orchestrator stamps it before detection).
func (d *Detector) Compare(existing, candidate *SemanticMemory, now time.Time) Verdict {
	if existing.ObjectString() == candidate.ObjectString() {
		logging.TurnDebug("conflict: exact value match on (%s, %s), reinforcement candidate",
			existing.SubjectEntityID, existing.Predicate)
		return Verdict{Reinforces: true}
	}

	ctype := d.classify(existing, candidate)
	resolution, winner, loser := d.resolve(existing, candidate)

	logging.Turn("conflict detected: type=%s resolution=%s subject=%s predicate=%s",
		ctype, resolution, existing.SubjectEntityID, existing.Predicate)

	return Verdict{
		Type:       ctype,
		Resolution: resolution,
		Winner:     winner,
		Loser:      loser,
	}
}

// classify orders checks from most to least specific so the outcome is
// stable across runs.
func (d *Detector) classify(existing, candidate *SemanticMemory) ConflictType {
	if d.cfg.ExclusivePredicates[existing.Predicate] {
		return ConflictLogicalContradiction
	}
	if existing.PredicateType == PredicateAction && candidate.PredicateType == PredicateAction {
		// An action claim dated before an already-recorded superseding action
		// is temporally inconsistent.
		if candidate.CreatedAt.Before(existing.CreatedAt) {
			return ConflictTemporalInconsistent
		}
	}
	return ConflictValueMismatch
}

// resolve picks a deterministic strategy. Strategy order is fixed:
// recency gap, confidence gap, reinforcement gap, else clarification.
func (d *Detector) resolve(existing, candidate *SemanticMemory) (Resolution, *SemanticMemory, *SemanticMemory) {
	ageGapDays := math.Abs(candidate.CreatedAt.Sub(existing.CreatedAt).Hours() / 24)
	if ageGapDays > d.cfg.RecencyGapDays {
		if candidate.CreatedAt.After(existing.CreatedAt) {
			return ResolveTrustRecent, candidate, existing
		}
		return ResolveTrustRecent, existing, candidate
	}

	confGap := math.Abs(candidate.Confidence - existing.Confidence)
	if confGap > d.cfg.ConfidenceGap {
		if candidate.Confidence > existing.Confidence {
			return ResolveTrustConfident, candidate, existing
		}
		return ResolveTrustConfident, existing, candidate
	}

	reinGap := candidate.ReinforcementCount - existing.ReinforcementCount
	if reinGap > d.cfg.ReinforcementGap {
		return ResolveTrustReinforced, candidate, existing
	}
	if -reinGap > d.cfg.ReinforcementGap {
		return ResolveTrustReinforced, existing, candidate
	}

	// Both remain active; the reply surfaces the disagreement.
	return ResolveRequireClarification, nil, nil
}

package memory

import (
	"math"
	"time"

	"mnemo/internal/config"
)

// Validator implements passive confidence decay and reinforcement over
// semantic memories. All methods are pure: decay is computed on read so the
// clock never corrupts stored state, and Reinforce returns a copy.
type Validator struct {
	cfg config.DecayConfig
}

// NewValidator builds a validator from decay configuration.
func NewValidator(cfg config.DecayConfig) *Validator {
	return &Validator{cfg: cfg}
}

// EffectiveConfidence returns stored confidence multiplied by exponential
// decay from the memory's reference time (last validation, else creation).
// Zero elapsed days is the identity; the result is floored at 0 and capped
// at the configured maximum. Negative elapsed time (clock skew) is treated
// as zero.
func (v *Validator) EffectiveConfidence(m *SemanticMemory, now time.Time) float64 {
	days := now.Sub(m.ReferenceTime()).Hours() / 24
	if days < 0 {
		days = 0
	}
	eff := m.Confidence * math.Exp(-v.cfg.RatePerDay*days)
	if eff < 0 {
		eff = 0
	}
	if eff > v.cfg.MaxConfidence {
		eff = v.cfg.MaxConfidence
	}
	return eff
}

// Reinforce returns a copy of m with confidence stepped up (capped),
// reinforcement count incremented, and last validation stamped at now.
func (v *Validator) Reinforce(m SemanticMemory, now time.Time) SemanticMemory {
	m.Confidence = math.Min(v.cfg.MaxConfidence, m.Confidence+v.cfg.ReinforcementStep)
	m.ReinforcementCount++
	t := now
	m.LastValidatedAt = &t
	m.UpdatedAt = now
	return m
}

// Boost returns a copy of m with the consolidation confirmation boost
// applied and last validation stamped at now.
func (v *Validator) Boost(m SemanticMemory, now time.Time) SemanticMemory {
	m.Confidence = math.Min(v.cfg.MaxConfidence, m.Confidence+v.cfg.ConfirmationBoost)
	t := now
	m.LastValidatedAt = &t
	m.UpdatedAt = now
	return m
}

// ShouldDeactivate reports whether effective confidence has fallen below the
// minimum active threshold.
func (v *Validator) ShouldDeactivate(m *SemanticMemory, now time.Time) bool {
	return v.EffectiveConfidence(m, now) < v.cfg.MinActiveConfidence
}

// NeedsValidation reports whether a retrieved memory is stale enough that
// the reply should ask the user to re-confirm it. Uses the same threshold
// as deactivation but keeps the memory retrievable.
func (v *Validator) NeedsValidation(m *SemanticMemory, now time.Time) bool {
	return v.ShouldDeactivate(m, now)
}

// ClampConfidence bounds a raw confidence estimate into [0, max].
func (v *Validator) ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > v.cfg.MaxConfidence {
		return v.cfg.MaxConfidence
	}
	return c
}

package memory

import (
	"testing"
	"time"
)

func conflictPair(t *testing.T, existingVal, candidateVal string) (SemanticMemory, SemanticMemory) {
	t.Helper()
	base := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	existing := semMem(0.70, base, nil)
	existing.MemoryID = "m-old"
	existing.ObjectValue = []byte(`"` + existingVal + `"`)
	existing.ReinforcementCount = 1

	candidate := semMem(0.70, base, nil)
	candidate.MemoryID = "m-new"
	candidate.ObjectValue = []byte(`"` + candidateVal + `"`)
	return existing, candidate
}

func TestCompareExactMatchIsReinforcement(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	existing, candidate := conflictPair(t, "Friday", "Friday")

	v := d.Compare(&existing, &candidate, time.Now().UTC())
	if !v.Reinforces {
		t.Error("identical object values must signal reinforcement, not conflict")
	}
}

func TestCompareTrustRecent(t *testing.T) {
	// Spec scenario 4: Thursday asserted 30+ days ago vs Friday now.
	d := NewDetector(DefaultDetectorConfig())
	existing, candidate := conflictPair(t, "Thursday", "Friday")
	candidate.CreatedAt = existing.CreatedAt.AddDate(0, 0, 31)

	v := d.Compare(&existing, &candidate, candidate.CreatedAt)
	if v.Reinforces {
		t.Fatal("different values must not reinforce")
	}
	if v.Resolution != ResolveTrustRecent {
		t.Fatalf("resolution = %s, want trust_recent", v.Resolution)
	}
	if v.Winner.MemoryID != "m-new" || v.Loser.MemoryID != "m-old" {
		t.Error("newer fact must win under trust_recent")
	}
	// prefers_delivery_day is in the exclusive set
	if v.Type != ConflictLogicalContradiction {
		t.Errorf("type = %s, want logical_contradiction", v.Type)
	}
}

func TestCompareTrustConfident(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	existing, candidate := conflictPair(t, "NET30", "NET60")
	existing.Predicate = "payment_terms"
	candidate.Predicate = "payment_terms"
	existing.Confidence = 0.90
	candidate.Confidence = 0.60
	candidate.CreatedAt = existing.CreatedAt.AddDate(0, 0, 5)

	v := d.Compare(&existing, &candidate, candidate.CreatedAt)
	if v.Resolution != ResolveTrustConfident {
		t.Fatalf("resolution = %s, want trust_confident", v.Resolution)
	}
	if v.Winner.MemoryID != "m-old" {
		t.Error("more confident existing fact must win")
	}
}

func TestCompareTrustReinforced(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	existing, candidate := conflictPair(t, "blue", "green")
	existing.Predicate = "favorite_color"
	candidate.Predicate = "favorite_color"
	existing.ReinforcementCount = 6
	candidate.ReinforcementCount = 0
	candidate.CreatedAt = existing.CreatedAt.AddDate(0, 0, 2)

	v := d.Compare(&existing, &candidate, candidate.CreatedAt)
	if v.Resolution != ResolveTrustReinforced {
		t.Fatalf("resolution = %s, want trust_reinforced", v.Resolution)
	}
	if v.Winner.MemoryID != "m-old" {
		t.Error("more reinforced fact must win")
	}
	if v.Type != ConflictValueMismatch {
		t.Errorf("type = %s, want value_mismatch", v.Type)
	}
}

func TestCompareRequireClarification(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	existing, candidate := conflictPair(t, "blue", "green")
	existing.Predicate = "favorite_color"
	candidate.Predicate = "favorite_color"
	existing.ReinforcementCount = 1
	candidate.CreatedAt = existing.CreatedAt.AddDate(0, 0, 2)

	v := d.Compare(&existing, &candidate, candidate.CreatedAt)
	if v.Resolution != ResolveRequireClarification {
		t.Fatalf("resolution = %s, want require_clarification", v.Resolution)
	}
	if v.Winner != nil || v.Loser != nil {
		t.Error("clarification verdicts must not pick a winner")
	}
}

func TestCompareTemporalInconsistency(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	existing, candidate := conflictPair(t, "shipped", "packed")
	existing.Predicate = "order_stage"
	candidate.Predicate = "order_stage"
	existing.PredicateType = PredicateAction
	candidate.PredicateType = PredicateAction
	candidate.CreatedAt = existing.CreatedAt.AddDate(0, 0, -5)

	v := d.Compare(&existing, &candidate, existing.CreatedAt)
	if v.Type != ConflictTemporalInconsistent {
		t.Errorf("type = %s, want temporal_inconsistency", v.Type)
	}
}

func TestCompareDeterministic(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig())
	existing, candidate := conflictPair(t, "Thursday", "Friday")
	candidate.CreatedAt = existing.CreatedAt.AddDate(0, 0, 31)

	now := candidate.CreatedAt
	first := d.Compare(&existing, &candidate, now)
	for i := 0; i < 10; i++ {
		again := d.Compare(&existing, &candidate, now)
		if again.Resolution != first.Resolution || again.Type != first.Type {
			t.Fatal("verdict not deterministic across runs")
		}
	}
}

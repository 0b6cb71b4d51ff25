package llm

import (
	"context"
	"math"
	"testing"

	"mnemo/internal/core"
)

func TestFakeEmbedderDeterministic(t *testing.T) {
	f := NewFakeEmbedder()
	a, _ := f.Embed(context.Background(), "Kai Media prefers Friday")
	b, _ := f.Embed(context.Background(), "Kai Media prefers Friday")
	if core.CosineSimilarity(a, b) < 0.9999 {
		t.Error("fake embedder not deterministic")
	}
	if len(a) != 1536 {
		t.Errorf("dims = %d, want 1536", len(a))
	}
	// Unit-ish
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(math.Sqrt(norm)-1) > 0.01 {
		t.Errorf("fake vector not normalized: %v", math.Sqrt(norm))
	}
}

func TestCachedEmbedderHitsCache(t *testing.T) {
	f := NewFakeEmbedder()
	c := NewCachedEmbedder(f, 10)
	ctx := context.Background()

	v1, err := c.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	v2, err := c.Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("embed failed: %v", err)
	}
	if core.CosineSimilarity(v1, v2) < 0.9999 {
		t.Error("cache returned different vector")
	}
}

func TestCachedEmbedderEvictsAtCapacity(t *testing.T) {
	c := NewCachedEmbedder(NewFakeEmbedder(), 2)
	ctx := context.Background()
	for _, s := range []string{"a", "b", "c", "d"} {
		if _, err := c.Embed(ctx, s); err != nil {
			t.Fatalf("embed failed: %v", err)
		}
	}
	c.mu.RLock()
	size := len(c.cache)
	c.mu.RUnlock()
	if size > 2 {
		t.Errorf("cache exceeded capacity: %d", size)
	}
}

func TestSeedVectorSimilarityOrdering(t *testing.T) {
	q := SeedVector(64, 0, 1.0)
	near := SeedVector(64, 0, 0.95)
	far := SeedVector(64, 0, 0.30)
	if core.CosineSimilarity(q, near) <= core.CosineSimilarity(q, far) {
		t.Error("seed vectors do not preserve similarity ordering")
	}
}

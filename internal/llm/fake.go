package llm

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"mnemo/internal/core"
)

// FakeClient is a scripted core.LLMClient for tests and offline runs.
// Responses are popped in order; when the script is exhausted it returns
// Fallback (or a degraded completion when Fail is set).
type FakeClient struct {
	mu        sync.Mutex
	Responses []string
	Fallback  string
	Fail      bool
	Calls     []FakeCall
}

// FakeCall records one completion request for assertions.
type FakeCall struct {
	System string
	User   string
	Opts   core.CompletionOptions
}

// Complete pops the next scripted response.
func (f *FakeClient) Complete(_ context.Context, system, user string, opts core.CompletionOptions) (core.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, FakeCall{System: system, User: user, Opts: opts})

	if f.Fail {
		return core.Completion{Model: "fake", Degraded: true}, core.ErrUpstreamDegraded
	}
	if len(f.Responses) > 0 {
		resp := f.Responses[0]
		f.Responses = f.Responses[1:]
		return core.Completion{Content: resp, Model: "fake", TokensUsed: len(resp) / 4}, nil
	}
	return core.Completion{Content: f.Fallback, Model: "fake"}, nil
}

// Model returns the fake model name.
func (f *FakeClient) Model() string { return "fake" }

// FakeEmbedder produces deterministic pseudo-embeddings from a text hash.
// Similar prefixes do not imply similar vectors; tests that need controlled
// similarity should use SeedVector.
type FakeEmbedder struct {
	Dims int
}

// NewFakeEmbedder returns a fake engine with the store's default width.
func NewFakeEmbedder() *FakeEmbedder { return &FakeEmbedder{Dims: 1536} }

// Embed deterministically hashes text into a unit vector.
func (f *FakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return f.vector(text), nil
}

// EmbedBatch embeds each text independently.
func (f *FakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

// Dimensions returns the vector width.
func (f *FakeEmbedder) Dimensions() int {
	if f.Dims <= 0 {
		return 1536
	}
	return f.Dims
}

// Name returns the engine name.
func (f *FakeEmbedder) Name() string { return "fake" }

func (f *FakeEmbedder) vector(text string) []float32 {
	dims := f.Dimensions()
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>11))/float64(1<<52) - 1 // roughly [-1,1)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// SeedVector builds a unit vector dominated by one axis, letting tests
// construct candidates with known cosine similarity to a query.
func SeedVector(dims, axis int, weight float64) []float32 {
	if dims <= 0 {
		dims = 1536
	}
	vec := make([]float32, dims)
	rest := math.Sqrt((1 - weight*weight) / float64(dims-1))
	for i := range vec {
		vec[i] = float32(rest)
	}
	vec[axis%dims] = float32(weight)
	return vec
}

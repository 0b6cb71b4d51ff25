package core

import (
	"context"
	"time"
)

// =============================================================================
// OUTBOUND PORTS
// =============================================================================

// CompletionOptions tune a single LLM call.
type CompletionOptions struct {
	Temperature float32
	MaxTokens   int
	JSONMode    bool // Request a JSON-only response where the backend supports it
}

// Completion is the result of one LLM call. Degraded results carry
// Degraded=true with empty content and zero cost; callers must fall back.
type Completion struct {
	Content    string
	TokensUsed int
	Model      string
	CostUSD    float64
	Degraded   bool
}

// LLMClient is the completion port. Implementations must tolerate rate-limit
// and connection errors by returning a Degraded completion rather than
// propagating transport errors after retries are exhausted.
type LLMClient interface {
	Complete(ctx context.Context, system, user string, opts CompletionOptions) (Completion, error)
	Model() string
}

// EmbeddingEngine generates fixed-width vector embeddings for text.
type EmbeddingEngine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// Clock abstracts wall-clock time so decay math is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock; Now returns UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

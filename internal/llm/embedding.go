package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"mnemo/internal/core"
	"mnemo/internal/logging"
)

// =============================================================================
// OPENAI EMBEDDING ENGINE (1536-dim text-embedding-3-small)
// =============================================================================

// OpenAIEmbedder implements core.EmbeddingEngine over the OpenAI API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

// NewOpenAIEmbedder builds an embedder. text-embedding-3-small produces
// 1536-dimensional vectors, the store's fixed width.
func NewOpenAIEmbedder(apiKey, model string, dimensions int) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &OpenAIEmbedder{
		client:     openai.NewClient(apiKey),
		model:      openai.EmbeddingModel(model),
		dimensions: dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *OpenAIEmbedder) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *OpenAIEmbedder) Name() string { return fmt.Sprintf("openai:%s", e.model) }

// =============================================================================
// GOOGLE GENAI EMBEDDING ENGINE
// =============================================================================

// GenAIEmbedder implements core.EmbeddingEngine over the Gemini API.
type GenAIEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGenAIEmbedder builds a Gemini embedding engine.
func NewGenAIEmbedder(apiKey, model string, dimensions int) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dimensions <= 0 {
		dimensions = 1536
	}
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIEmbedder{client: client, model: model, dimensions: dimensions}, nil
}

// Embed generates an embedding for a single text.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts. GenAI has native
// batch support.
func (e *GenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("GenAI embed: got %d vectors for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *GenAIEmbedder) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *GenAIEmbedder) Name() string { return fmt.Sprintf("genai:%s", e.model) }

// =============================================================================
// CACHING WRAPPER
// =============================================================================

// CachedEmbedder memoizes embeddings keyed by sha256 of the text. The cache
// is a bounded map with random-ish eviction (delete on overflow), which is
// sufficient for per-process reuse within a session.
type CachedEmbedder struct {
	inner   core.EmbeddingEngine
	mu      sync.RWMutex
	cache   map[string][]float32
	maxSize int
}

// NewCachedEmbedder wraps an engine with an in-process cache.
func NewCachedEmbedder(inner core.EmbeddingEngine, maxSize int) *CachedEmbedder {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &CachedEmbedder{
		inner:   inner,
		cache:   make(map[string][]float32),
		maxSize: maxSize,
	}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns a cached vector when available.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	c.mu.RLock()
	if vec, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		logging.EmbeddingDebug("embedding cache hit")
		return vec, nil
	}
	c.mu.RUnlock()

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.cache) >= c.maxSize {
		for k := range c.cache {
			delete(c.cache, k)
			break
		}
	}
	c.cache[key] = vec
	c.mu.Unlock()
	return vec, nil
}

// EmbedBatch delegates per-item so cached entries are reused.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := c.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the inner engine's dimensionality.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Name returns the inner engine's name.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

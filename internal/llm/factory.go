package llm

import (
	"fmt"

	"mnemo/internal/config"
	"mnemo/internal/core"
	"mnemo/internal/logging"
)

// NewClient creates a completion client based on configuration.
func NewClient(cfg config.LLMConfig) (core.LLMClient, error) {
	logging.LLM("creating LLM client with provider=%s", cfg.Provider)
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	case "gemini":
		return NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel)
	}
	return nil, fmt.Errorf("unsupported LLM provider: %s (use 'openai' or 'gemini')", cfg.Provider)
}

// NewEmbedder creates an embedding engine based on configuration, wrapped
// in the in-process cache.
func NewEmbedder(cfg config.EmbeddingConfig) (core.EmbeddingEngine, error) {
	logging.Embedding("creating embedding engine with provider=%s", cfg.Provider)

	var engine core.EmbeddingEngine
	var err error
	switch cfg.Provider {
	case "openai", "":
		engine, err = NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.Dimensions)
	case "genai":
		engine, err = NewGenAIEmbedder(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'openai' or 'genai')", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	logging.Embedding("embedding engine created: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return NewCachedEmbedder(engine, cfg.CacheSize), nil
}

package config

import "time"

// LLMConfig configures the completion provider.
// Supports OpenAI-compatible endpoints and the Gemini REST API.
type LLMConfig struct {
	// Provider: "openai" or "gemini"
	Provider string `yaml:"provider"`

	// OpenAI configuration
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_base_url"` // Empty uses api.openai.com
	OpenAIModel   string `yaml:"openai_model"`    // Default: "gpt-4o-mini"

	// Gemini configuration
	GeminiAPIKey  string `yaml:"gemini_api_key"`
	GeminiBaseURL string `yaml:"gemini_base_url"`
	GeminiModel   string `yaml:"gemini_model"` // Default: "gemini-2.0-flash"

	// ReplyMaxTokens caps the user-facing reply.
	ReplyMaxTokens int `yaml:"reply_max_tokens"`

	// ReplyTemperature for reply generation; extraction always runs at 0.
	ReplyTemperature float32 `yaml:"reply_temperature"`
}

// DefaultLLMConfig returns sensible defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:         "openai",
		OpenAIModel:      "gpt-4o-mini",
		GeminiBaseURL:    "https://generativelanguage.googleapis.com/v1beta",
		GeminiModel:      "gemini-2.0-flash",
		ReplyMaxTokens:   500,
		ReplyTemperature: 0.3,
	}
}

// EmbeddingConfig configures the embedding provider.
// Supports OpenAI (1536-dim text-embedding-3-small) and Google GenAI.
type EmbeddingConfig struct {
	// Provider: "openai" or "genai"
	Provider string `yaml:"provider"`

	// OpenAI configuration
	OpenAIAPIKey string `yaml:"openai_api_key"`
	OpenAIModel  string `yaml:"openai_model"` // Default: "text-embedding-3-small"

	// GenAI configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"` // Default: "gemini-embedding-001"

	// Dimensions requested from the provider. Must match
	// memory.embedding_dimensions.
	Dimensions int `yaml:"dimensions"`

	// CacheSize bounds the in-process embedding cache (entries).
	CacheSize int `yaml:"cache_size"`
}

// DefaultEmbeddingConfig returns sensible defaults.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:    "openai",
		OpenAIModel: "text-embedding-3-small",
		GenAIModel:  "gemini-embedding-001",
		Dimensions:  1536,
		CacheSize:   4096,
	}
}

// TimeoutsConfig bounds every port crossing.
type TimeoutsConfig struct {
	LLM       time.Duration `yaml:"llm"`       // Default 20s
	Embedding time.Duration `yaml:"embedding"` // Default 5s
	SQL       time.Duration `yaml:"sql"`       // Default 2s
	Turn      time.Duration `yaml:"turn"`      // Default 30s, bounds a whole turn
}

// DefaultTimeoutsConfig returns the recommended port timeouts.
func DefaultTimeoutsConfig() TimeoutsConfig {
	return TimeoutsConfig{
		LLM:       20 * time.Second,
		Embedding: 5 * time.Second,
		SQL:       2 * time.Second,
		Turn:      30 * time.Second,
	}
}

// PIIConfig selects which redaction patterns are active.
type PIIConfig struct {
	// Patterns enables individual redactors: phone, email, ssn, credit_card.
	// Empty means all patterns are active.
	Patterns []string `yaml:"patterns"`
}

// DefaultPIIConfig enables every pattern.
func DefaultPIIConfig() PIIConfig {
	return PIIConfig{Patterns: []string{"phone", "email", "ssn", "credit_card"}}
}

// Package config defines the immutable process-wide configuration for mnemo.
// The config is constructed once at startup from YAML (plus environment
// overrides for secrets) and passed down by value; nothing mutates it at
// runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// DataDir is where the memory database and logs live.
	DataDir string `yaml:"data_dir"`

	Memory        MemoryConfig        `yaml:"memory"`
	Decay         DecayConfig         `yaml:"decay"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Mining        MiningConfig        `yaml:"mining"`
	PII           PIIConfig           `yaml:"pii"`
	LLM           LLMConfig           `yaml:"llm"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Domain        DomainConfig        `yaml:"domain"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug/info/warn/error
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// MemoryConfig configures the memory store.
type MemoryConfig struct {
	// DatabasePath is the sqlite database for all memory layers.
	// Defaults to <data_dir>/mnemo.db.
	DatabasePath string `yaml:"database_path"`

	// EmbeddingDimensions is the fixed width of stored vectors.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// DomainConfig configures the read-only domain database connection.
type DomainConfig struct {
	// DatabasePath is the sqlite database holding the business tables
	// (customers, sales_orders, work_orders, invoices, payments, tasks).
	DatabasePath string `yaml:"database_path"`

	// SLAAgeDays is the task age threshold for SLA risk labeling.
	SLAAgeDays int `yaml:"sla_age_days"`
}

// DefaultConfig returns the full default configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	if dataDir == "" {
		dataDir = ".mnemo"
	}
	return Config{
		DataDir: dataDir,
		Memory: MemoryConfig{
			DatabasePath:        filepath.Join(dataDir, "mnemo.db"),
			EmbeddingDimensions: 1536,
		},
		Decay:         DefaultDecayConfig(),
		Retrieval:     DefaultRetrievalConfig(),
		Consolidation: DefaultConsolidationConfig(),
		Mining:        DefaultMiningConfig(),
		PII:           DefaultPIIConfig(),
		LLM:           DefaultLLMConfig(),
		Embedding:     DefaultEmbeddingConfig(),
		Domain: DomainConfig{
			DatabasePath: filepath.Join(dataDir, "domain.db"),
			SLAAgeDays:   7,
		},
		Timeouts: DefaultTimeoutsConfig(),
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the YAML config at path, layered over defaults, then applies
// environment overrides for API keys. A missing file yields pure defaults.
func Load(path string) (Config, error) {
	dataDir := filepath.Dir(path)
	cfg := DefaultConfig(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.OpenAIAPIKey == "" {
		c.LLM.OpenAIAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.LLM.GeminiAPIKey == "" {
		c.LLM.GeminiAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Embedding.OpenAIAPIKey == "" {
		c.Embedding.OpenAIAPIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Embedding.GenAIAPIKey == "" {
		c.Embedding.GenAIAPIKey = v
	}
}

// Validate checks cross-field invariants that would corrupt scoring if wrong.
func (c *Config) Validate() error {
	if c.Memory.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding_dimensions must be positive, got %d", c.Memory.EmbeddingDimensions)
	}
	if c.Decay.MaxConfidence <= 0 || c.Decay.MaxConfidence > 1 {
		return fmt.Errorf("max_confidence must be in (0,1], got %.3f", c.Decay.MaxConfidence)
	}
	for name, w := range c.Retrieval.Weights {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("retrieval strategy %q: %w", name, err)
		}
	}
	return nil
}

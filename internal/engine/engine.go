// Package engine orchestrates a conversation turn end to end: redaction,
// idempotent ingestion, entity resolution, extraction, conflict handling,
// retrieval, domain augmentation, and reply generation. It is the only
// package that crosses every port; the services it calls stay pure or
// single-purpose.
package engine

import (
	"context"
	"fmt"

	"mnemo/internal/augment"
	"mnemo/internal/config"
	"mnemo/internal/consolidate"
	"mnemo/internal/core"
	"mnemo/internal/extract"
	"mnemo/internal/llm"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
	"mnemo/internal/mention"
	"mnemo/internal/mining"
	"mnemo/internal/redact"
	"mnemo/internal/reply"
	"mnemo/internal/resolve"
	"mnemo/internal/retrieval"
	"mnemo/internal/store"
)

// Engine is the turn orchestrator.
type Engine struct {
	cfg    config.Config
	store  *store.Store
	domain *store.DomainDB

	client   core.LLMClient
	embedder core.EmbeddingEngine

	redactor     *redact.Redactor
	mentions     *mention.Extractor
	resolver     *resolve.Resolver
	extractor    *extract.Extractor
	generator    *retrieval.Generator
	scorer       *retrieval.Scorer
	augmenter    *augment.Augmenter
	replier      *reply.Generator
	consolidator *consolidate.Consolidator
	miner        *mining.Miner
	validator    *memory.Validator
	detector     *memory.Detector
	clock        core.Clock
}

// New wires an engine from configuration: opens the memory store, attaches
// the domain database when present, and builds the LLM and embedding
// clients. The domain DB and both model clients are optional; each missing
// piece degrades the features that need it.
func New(cfg config.Config) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "engine.New")
	defer timer.Stop()

	s, err := store.NewStore(cfg.Memory.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	if err := s.SeedOntology(context.Background()); err != nil {
		logging.Get(logging.CategoryBoot).Warn("Failed to seed ontology: %v", err)
	}

	var domain *store.DomainDB
	if cfg.Domain.DatabasePath != "" {
		domain, err = store.OpenDomainDB(cfg.Domain.DatabasePath)
		if err != nil {
			logging.Get(logging.CategoryBoot).Warn("Domain database unavailable, augmentation disabled: %v", err)
			domain = nil
		}
	}

	var client core.LLMClient
	if cfg.LLM.OpenAIAPIKey != "" || cfg.LLM.GeminiAPIKey != "" {
		client, err = llm.NewClient(cfg.LLM)
		if err != nil {
			return nil, err
		}
	} else {
		logging.Boot("No LLM API key configured; running with fallback replies only")
	}

	var embedder core.EmbeddingEngine
	if cfg.Embedding.OpenAIAPIKey != "" || cfg.Embedding.GenAIAPIKey != "" {
		embedder, err = llm.NewEmbedder(cfg.Embedding)
		if err != nil {
			return nil, err
		}
	} else {
		logging.Boot("No embedding API key configured; vector retrieval disabled")
	}

	return NewWithClients(cfg, s, domain, client, embedder), nil
}

// NewWithClients wires an engine around pre-built dependencies. Tests use
// this with the in-memory store and fake clients.
func NewWithClients(cfg config.Config, s *store.Store, domain *store.DomainDB,
	client core.LLMClient, embedder core.EmbeddingEngine) *Engine {

	redactor := redact.New(cfg.PII.Patterns)
	return &Engine{
		cfg:          cfg,
		store:        s,
		domain:       domain,
		client:       client,
		embedder:     embedder,
		redactor:     redactor,
		mentions:     mention.New(),
		resolver:     resolve.New(s, domain, client),
		extractor:    extract.New(client, cfg.Decay.MaxConfidence),
		generator:    retrieval.NewGenerator(s, cfg.Retrieval),
		scorer:       retrieval.NewScorer(cfg.Retrieval, cfg.Decay),
		augmenter:    augment.New(domain, cfg.Domain.SLAAgeDays, cfg.Timeouts.SQL),
		replier:      reply.NewGenerator(client, redactor, cfg.LLM),
		consolidator: consolidate.New(s, client, embedder, cfg.Decay, cfg.Consolidation),
		miner:        mining.New(s, cfg.Mining),
		validator:    memory.NewValidator(cfg.Decay),
		detector:     memory.NewDetector(memory.DefaultDetectorConfig()),
		clock:        core.SystemClock{},
	}
}

// Close releases the engine's database handles.
func (e *Engine) Close() error {
	if e.domain != nil {
		if err := e.domain.Close(); err != nil {
			logging.Get(logging.CategoryBoot).Warn("Failed to close domain database: %v", err)
		}
	}
	return e.store.Close()
}

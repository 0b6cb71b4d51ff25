// Package consolidate synthesizes Layer 6 summaries out of accumulated
// episodic and semantic memories. Consolidation is evidence-gated, idempotent
// over an unchanged source set, and boosts the semantic memories a summary
// confirms.
package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/core"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
	"mnemo/internal/store"
)

// Result reports one consolidation run.
type Result struct {
	Summary  *memory.MemorySummary
	Created  bool // false when skipped (idempotent or below threshold)
	Fallback bool // true when the LLM failed and the basic summary was used
	Boosted  []string
}

// Consolidator runs scope-based summary synthesis.
type Consolidator struct {
	store     *store.Store
	llm       core.LLMClient
	embedder  core.EmbeddingEngine
	validator *memory.Validator
	cfg       config.ConsolidationConfig
}

// New builds a consolidator. llm and embedder may be nil; synthesis then
// always takes the fallback path and summaries go unembedded.
func New(s *store.Store, client core.LLMClient, embedder core.EmbeddingEngine,
	decay config.DecayConfig, cfg config.ConsolidationConfig) *Consolidator {
	return &Consolidator{
		store:     s,
		llm:       client,
		embedder:  embedder,
		validator: memory.NewValidator(decay),
		cfg:       cfg,
	}
}

// Consolidate synthesizes a summary for the scope. force bypasses the
// evidence threshold, not idempotency.
func (c *Consolidator) Consolidate(ctx context.Context, userID string, scope memory.Scope, force bool) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryConsolidate, "Consolidate")
	defer timer.Stop()

	logging.Consolidate("Consolidating scope %s for user %s (force=%v)", scope, userID, force)

	var episodic []*memory.EpisodicMemory
	var semantic []*memory.SemanticMemory
	var err error

	switch scope.Kind {
	case memory.ScopeEntity:
		episodic, err = c.store.ListEpisodicByEntity(ctx, userID, scope.Identifier, 0)
		if err != nil {
			return nil, err
		}
		if len(episodic) < c.cfg.MinEpisodicForEntity && !force {
			logging.Consolidate("Scope %s below threshold (%d episodic < %d), skipping",
				scope, len(episodic), c.cfg.MinEpisodicForEntity)
			return &Result{Created: false}, nil
		}
		semantic, err = c.store.ListSemanticBySubject(ctx, userID, scope.Identifier)
		if err != nil {
			return nil, err
		}
	case memory.ScopeTopic:
		semantic, err = c.matchTopic(ctx, userID, scope.Identifier)
		if err != nil {
			return nil, err
		}
		if len(semantic) == 0 {
			return &Result{Created: false}, nil
		}
	case memory.ScopeSessionWindow:
		return nil, fmt.Errorf("session_window consolidation: %w", core.ErrNotImplemented)
	default:
		return nil, core.NewDomainError("scope", "unknown scope kind %q", scope.Kind)
	}

	sourceIDs := collectSourceIDs(episodic, semantic)
	if len(sourceIDs) == 0 {
		return &Result{Created: false}, nil
	}

	// Idempotency: an unchanged source set re-yields the existing summary.
	existing, err := c.store.GetActiveSummary(ctx, userID, scope)
	if err != nil {
		return nil, err
	}
	if existing != nil && sameIDSet(existing.SourceData.SourceMemoryIDs, sourceIDs) {
		logging.Consolidate("Scope %s unchanged since last summary, skipping", scope)
		return &Result{Summary: existing, Created: false}, nil
	}

	summary, fallback := c.synthesize(ctx, userID, scope, episodic, semantic)
	summary.SourceData = memory.SummarySourceData{
		EpisodicCount:   len(episodic),
		SemanticCount:   len(semantic),
		SourceMemoryIDs: sourceIDs,
		From:            earliest(episodic, semantic),
		To:              time.Now().UTC(),
		Fallback:        fallback,
	}

	if c.embedder != nil {
		if vec, err := c.embedder.Embed(ctx, summary.SummaryText); err == nil {
			summary.Embedding = vec
		} else {
			logging.Get(logging.CategoryConsolidate).Warn("Summary embedding failed: %v", err)
		}
	}

	if err := c.store.InsertSummary(ctx, summary); err != nil {
		return nil, err
	}

	boosted, err := c.boostConfirmed(ctx, summary, semantic)
	if err != nil {
		return nil, err
	}

	if scope.Kind == memory.ScopeEntity && len(episodic) > 0 {
		ids := make([]string, len(episodic))
		for i, m := range episodic {
			ids[i] = m.MemoryID
		}
		if err := c.store.ArchiveEpisodic(ctx, ids); err != nil {
			logging.Get(logging.CategoryConsolidate).Warn("Failed to archive consolidated episodic memories: %v", err)
		}
	}

	logging.Consolidate("Created summary %s for scope %s (fallback=%v, boosted=%d)",
		summary.SummaryID, scope, fallback, len(boosted))
	return &Result{Summary: summary, Created: true, Fallback: fallback, Boosted: boosted}, nil
}

// matchTopic selects retrievable semantic memories whose predicate matches
// the glob pattern, e.g. "prefers_*".
func (c *Consolidator) matchTopic(ctx context.Context, userID, pattern string) ([]*memory.SemanticMemory, error) {
	all, err := c.store.ListRetrievableSemantic(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	var out []*memory.SemanticMemory
	for _, m := range all {
		ok, err := path.Match(pattern, m.Predicate)
		if err != nil {
			return nil, core.NewDomainError("scope", "invalid topic pattern %q: %v", pattern, err)
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// boostConfirmed applies the confirmation boost to every semantic memory a
// key fact cites.
func (c *Consolidator) boostConfirmed(ctx context.Context, summary *memory.MemorySummary, semantic []*memory.SemanticMemory) ([]string, error) {
	byID := make(map[string]*memory.SemanticMemory, len(semantic))
	for _, m := range semantic {
		byID[m.MemoryID] = m
	}
	now := time.Now().UTC()
	var boosted []string
	seen := make(map[string]bool)
	for _, fact := range summary.KeyFacts {
		for _, id := range fact.SourceMemoryIDs {
			m, ok := byID[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			updated := c.validator.Boost(*m, now)
			if err := c.store.UpdateSemantic(ctx, &updated); err != nil {
				return nil, fmt.Errorf("failed to boost %s: %w", id, err)
			}
			boosted = append(boosted, id)
		}
	}
	sort.Strings(boosted)
	return boosted, nil
}

func collectSourceIDs(episodic []*memory.EpisodicMemory, semantic []*memory.SemanticMemory) []string {
	ids := make([]string, 0, len(episodic)+len(semantic))
	for _, m := range episodic {
		ids = append(ids, m.MemoryID)
	}
	for _, m := range semantic {
		ids = append(ids, m.MemoryID)
	}
	sort.Strings(ids)
	return ids
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func earliest(episodic []*memory.EpisodicMemory, semantic []*memory.SemanticMemory) time.Time {
	var t time.Time
	for _, m := range episodic {
		if t.IsZero() || m.CreatedAt.Before(t) {
			t = m.CreatedAt
		}
	}
	for _, m := range semantic {
		if t.IsZero() || m.CreatedAt.Before(t) {
			t = m.CreatedAt
		}
	}
	return t
}

// =============================================================================
// SYNTHESIS
// =============================================================================

const synthesisSystemPrompt = `You consolidate support-conversation memories into one summary.
Respond with JSON:
{"summary_text": "<2-4 sentences>",
 "key_facts": {"<predicate>": {"value": "<string>", "confidence": <0.0-1.0>,
   "source_memory_ids": ["<id>", ...]}}}
Only cite memory ids from the input. JSON only.`

type synthesisResponse struct {
	SummaryText string `json:"summary_text"`
	KeyFacts    map[string]struct {
		Value           string   `json:"value"`
		Confidence      float64  `json:"confidence"`
		SourceMemoryIDs []string `json:"source_memory_ids"`
	} `json:"key_facts"`
}

// synthesize asks the LLM for a summary, retrying up to the configured
// attempt count, and degrades to a deterministic fallback.
func (c *Consolidator) synthesize(ctx context.Context, userID string, scope memory.Scope,
	episodic []*memory.EpisodicMemory, semantic []*memory.SemanticMemory) (*memory.MemorySummary, bool) {

	summary := &memory.MemorySummary{UserID: userID, Scope: scope}
	byID := make(map[string]*memory.SemanticMemory, len(semantic))
	for _, m := range semantic {
		byID[m.MemoryID] = m
	}

	if c.llm != nil {
		prompt := synthesisPrompt(scope, episodic, semantic)
		for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
			completion, err := c.llm.Complete(ctx, synthesisSystemPrompt, prompt,
				core.CompletionOptions{Temperature: 0, MaxTokens: 600, JSONMode: true})
			if err != nil {
				logging.ConsolidateDebug("Synthesis attempt %d degraded: %v", attempt, err)
				continue
			}
			var parsed synthesisResponse
			if err := json.Unmarshal([]byte(completion.Content), &parsed); err != nil || parsed.SummaryText == "" {
				logging.ConsolidateDebug("Synthesis attempt %d malformed: %v", attempt, err)
				continue
			}
			summary.SummaryText = parsed.SummaryText
			summary.KeyFacts = make(map[string]memory.KeyFact, len(parsed.KeyFacts))
			var confSum float64
			for pred, f := range parsed.KeyFacts {
				conf := c.validator.ClampConfidence(f.Confidence)
				// Reinforcement travels from the cited memories, not the model.
				rein := 0
				for _, id := range f.SourceMemoryIDs {
					if sm, ok := byID[id]; ok {
						rein += sm.ReinforcementCount
					}
				}
				summary.KeyFacts[pred] = memory.KeyFact{
					Value:           f.Value,
					Confidence:      conf,
					Reinforcement:   rein,
					SourceMemoryIDs: f.SourceMemoryIDs,
				}
				confSum += conf
			}
			if len(summary.KeyFacts) > 0 {
				summary.Confidence = c.validator.ClampConfidence(confSum / float64(len(summary.KeyFacts)))
			} else {
				summary.Confidence = c.cfg.FallbackConfidence
			}
			return summary, false
		}
		logging.Get(logging.CategoryConsolidate).Warn("Synthesis failed after %d attempts, using fallback", c.cfg.MaxRetries)
	}

	// Fallback: deterministic digest of the strongest semantic facts.
	summary.SummaryText = fallbackText(scope, episodic, semantic)
	summary.KeyFacts = make(map[string]memory.KeyFact)
	for _, m := range semantic {
		if existing, ok := summary.KeyFacts[m.Predicate]; ok && existing.Confidence >= m.Confidence {
			continue
		}
		summary.KeyFacts[m.Predicate] = memory.KeyFact{
			Value:           m.ObjectString(),
			Confidence:      m.Confidence,
			Reinforcement:   m.ReinforcementCount,
			SourceMemoryIDs: []string{m.MemoryID},
		}
	}
	summary.Confidence = c.cfg.FallbackConfidence
	return summary, true
}

func synthesisPrompt(scope memory.Scope, episodic []*memory.EpisodicMemory, semantic []*memory.SemanticMemory) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Scope: %s\n\nEpisodic memories:\n", scope)
	for _, m := range episodic {
		fmt.Fprintf(&sb, "- id=%s [%s] %s\n", m.MemoryID, m.CreatedAt.Format("2006-01-02"), m.Summary)
	}
	sb.WriteString("\nSemantic memories:\n")
	for _, m := range semantic {
		fmt.Fprintf(&sb, "- id=%s %s %s = %s (conf=%.2f, seen %dx)\n",
			m.MemoryID, m.SubjectEntityID, m.Predicate, m.ObjectString(), m.Confidence, m.ReinforcementCount)
	}
	return sb.String()
}

func fallbackText(scope memory.Scope, episodic []*memory.EpisodicMemory, semantic []*memory.SemanticMemory) string {
	var parts []string
	for i, m := range semantic {
		if i >= 5 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s is %s", m.Predicate, m.ObjectString()))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Consolidated %d interactions for %s.", len(episodic), scope)
	}
	return fmt.Sprintf("Known facts for %s: %s.", scope, strings.Join(parts, "; "))
}

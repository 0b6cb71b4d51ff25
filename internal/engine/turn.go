package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mnemo/internal/augment"
	"mnemo/internal/config"
	"mnemo/internal/core"
	"mnemo/internal/extract"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
	"mnemo/internal/reply"
	"mnemo/internal/retrieval"
)

// TurnRequest is one inbound user message.
type TurnRequest struct {
	UserID    string
	SessionID string
	Message   string
}

// maxValidationPrompts bounds how many stale facts one reply may ask about.
const maxValidationPrompts = 3

// Disambiguation asks the user to pick between entity candidates instead of
// the engine guessing.
type Disambiguation struct {
	Mention    string                 `json:"mention"`
	Candidates []core.EntityCandidate `json:"candidates"`
}

// TurnResult is the full envelope for one processed turn.
type TurnResult struct {
	Reply     string
	EventID   int64
	SessionID string
	CreatedAt time.Time
	Duplicate bool
	Degraded  bool

	Entities       []*memory.CanonicalEntity
	NewMemoryIDs   []string
	ReinforcedIDs  []string
	Conflicts      []*memory.MemoryConflict
	Clarifications []string
	Facts          []augment.DomainFact
	Memories       []retrieval.Scored
	Disambiguation *Disambiguation
	Intent         augment.Intent
	Redactions     int
	TokensUsed     int
}

// ProcessTurn runs the full pipeline: redact, ingest, resolve, extract,
// reconcile, retrieve, augment, reply. A duplicate message (same session and
// content hash) still gets a reply but writes no new memories.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	timer := logging.StartTimer(logging.CategoryTurn, "ProcessTurn")
	defer timer.Stop()

	if req.UserID == "" || req.SessionID == "" {
		return nil, core.NewDomainError("request", "user_id and session_id are required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, core.NewDomainError("message", "message is empty")
	}
	if e.cfg.Timeouts.Turn > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeouts.Turn)
		defer cancel()
	}
	now := e.clock.Now()

	// Layer 1: redact before anything touches storage or a model.
	red := e.redactor.Redact(req.Message)

	event := &memory.ChatEvent{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Role:      memory.RoleUser,
		Content:   red.Text,
	}
	if red.Redacted() {
		meta, _ := json.Marshal(red.Replacements)
		event.Metadata = map[string]string{"redactions": string(meta)}
	}
	stored, inserted, err := e.store.InsertChatEvent(ctx, event)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{
		EventID:    stored.EventID,
		SessionID:  req.SessionID,
		CreatedAt:  stored.CreatedAt,
		Duplicate:  !inserted,
		Redactions: len(red.Replacements),
		Intent:     augment.ClassifyIntent(red.Text),
	}
	if result.Duplicate {
		logging.Turn("Duplicate turn in session %s (event_id=%d), skipping memory writes", req.SessionID, stored.EventID)
	}

	// Layer 2: resolve mentions, accumulating session entities so later
	// mentions can corefer to earlier ones.
	entities, disamb, err := e.resolveMentions(ctx, req.UserID, red.Text)
	if err != nil {
		return nil, err
	}
	result.Entities = entities
	if disamb != nil {
		result.Disambiguation = disamb
		result.Reply = disambiguationPrompt(disamb)
		e.storeReply(ctx, req, result.Reply)
		return result, nil
	}

	vector := e.embedTurn(ctx, red.Text)

	// Layers 3-4 only advance on first sight of the message.
	if !result.Duplicate {
		triples, err := e.extractor.Extract(ctx, red.Text, entities)
		if err != nil {
			return nil, err
		}
		for _, tr := range triples {
			e.commitTriple(ctx, req.UserID, stored.EventID, tr, now, result)
		}
		if err := e.writeEpisodic(ctx, req, stored.EventID, red.Text, entities, vector, result, now); err != nil {
			return nil, err
		}
	}

	// Retrieval and domain augmentation are independent; run them together.
	entityIDs := make([]string, 0, len(entities))
	for _, en := range entities {
		entityIDs = append(entityIDs, en.EntityID)
	}
	var scored []retrieval.Scored
	var facts []augment.DomainFact
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cands, err := e.generator.Candidates(gctx, req.UserID, vector)
		if err != nil {
			logging.Get(logging.CategoryRetrieval).Warn("Retrieval failed, replying without memories: %v", err)
			return nil
		}
		scored = e.scorer.Score(cands, retrieval.Query{
			Vector:    vector,
			EntityIDs: entityIDs,
			Strategy:  strategyFor(result.Intent),
			Now:       now,
		})
		return nil
	})
	g.Go(func() error {
		facts = e.augmenter.Augment(gctx, result.Intent, entities)
		return nil
	})
	// Both goroutines tolerate their own failures; Wait never errors.
	_ = g.Wait()
	result.Facts = facts
	result.Memories = scored

	// A stale fact that still made the context window gets re-confirmed
	// rather than silently trusted.
	for i, m := range scored {
		if i >= maxValidationPrompts {
			break
		}
		if m.MemoryType != "semantic" {
			continue
		}
		if e.validator.NeedsValidation(m.Semantic, now) {
			result.Clarifications = append(result.Clarifications, fmt.Sprintf(
				"Is %s = %s still correct? It has been a while since this was confirmed.",
				m.Semantic.Predicate, m.Semantic.ObjectString()))
		}
	}

	recent, err := e.store.GetRecentEvents(ctx, req.UserID, req.SessionID, 10)
	if err != nil {
		logging.Get(logging.CategoryTurn).Warn("Failed to load recent events: %v", err)
	}
	// The current message renders in its own prompt section.
	filtered := recent[:0]
	for _, ev := range recent {
		if ev.EventID != stored.EventID {
			filtered = append(filtered, ev)
		}
	}
	recent = filtered
	heuristics := e.matchHeuristics(ctx, req.UserID, classifyEventType(red.Text), entities)

	rep := e.replier.Generate(ctx, reply.Input{
		UserMessage: red.Text,
		Facts:       facts,
		Memories:    scored,
		Recent:      recent,
		Heuristics:  heuristics,
	})
	result.Reply = rep.Text
	result.Degraded = rep.Degraded
	result.TokensUsed = rep.TokensUsed
	if len(result.Clarifications) > 0 {
		result.Reply += "\n\n" + strings.Join(result.Clarifications, "\n")
	}
	e.storeReply(ctx, req, result.Reply)

	logging.Turn("Turn complete: event=%d entities=%d new_memories=%d conflicts=%d facts=%d degraded=%v",
		stored.EventID, len(entities), len(result.NewMemoryIDs), len(result.Conflicts), len(facts), result.Degraded)
	return result, nil
}

// resolveMentions maps every mention in the text to a canonical entity. The
// first ambiguous mention aborts resolution with a disambiguation envelope;
// plain misses are dropped.
func (e *Engine) resolveMentions(ctx context.Context, userID, text string) ([]*memory.CanonicalEntity, *Disambiguation, error) {
	var entities []*memory.CanonicalEntity
	seen := make(map[string]bool)
	for _, m := range e.mentions.Extract(text) {
		res, err := e.resolver.Resolve(ctx, userID, m, entities)
		if err != nil {
			if ae, ok := core.IsAmbiguous(err); ok {
				return nil, &Disambiguation{Mention: ae.Mention, Candidates: ae.Candidates}, nil
			}
			return nil, nil, err
		}
		if res == nil || res.Entity == nil {
			continue
		}
		if !seen[res.Entity.EntityID] {
			seen[res.Entity.EntityID] = true
			entities = append(entities, res.Entity)
		}
		logging.Resolve("Resolved %q -> %s via %s (%.2f)", m.Text, res.Entity.EntityID, res.Stage, res.Confidence)
	}
	return entities, nil, nil
}

// embedTurn embeds the redacted text; a missing or failing embedder leaves
// retrieval entity-only.
func (e *Engine) embedTurn(ctx context.Context, text string) []float32 {
	if e.embedder == nil {
		return nil
	}
	ectx := ctx
	if e.cfg.Timeouts.Embedding > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, e.cfg.Timeouts.Embedding)
		defer cancel()
	}
	v, err := e.embedder.Embed(ectx, text)
	if err != nil {
		logging.Get(logging.CategoryLLM).Warn("Turn embedding failed: %v", err)
		return nil
	}
	return v
}

// commitTriple reconciles one extracted triple against existing memory and
// persists the outcome. Failures are logged and skipped; one bad triple must
// not lose the turn.
func (e *Engine) commitTriple(ctx context.Context, userID string, eventID int64, tr extract.Triple, now time.Time, result *TurnResult) {
	cand := &memory.SemanticMemory{
		UserID:          userID,
		SubjectEntityID: tr.SubjectEntityID,
		Predicate:       tr.Predicate,
		PredicateType:   tr.PredicateType,
		ObjectValue:     tr.Object,
		Confidence:      e.validator.ClampConfidence(tr.Confidence),
		SourceEventID:   eventID,
		Status:          memory.StatusActive,
		CreatedAt:       now,
	}
	cand.Embedding = e.embedTurn(ctx, factText(cand))

	existing, err := e.store.ListActiveBySubjectPredicate(ctx, userID, cand.SubjectEntityID, cand.Predicate)
	if err != nil {
		logging.Get(logging.CategoryTurn).Warn("Conflict lookup failed for (%s, %s): %v", cand.SubjectEntityID, cand.Predicate, err)
		return
	}
	if len(existing) == 0 {
		if err := e.store.InsertSemantic(ctx, cand); err != nil {
			logging.Get(logging.CategoryTurn).Warn("Failed to insert semantic memory: %v", err)
			return
		}
		result.NewMemoryIDs = append(result.NewMemoryIDs, cand.MemoryID)
		return
	}

	prior := existing[0]
	verdict := e.detector.Compare(prior, cand, now)
	if verdict.Reinforces {
		updated := e.validator.Reinforce(*prior, now)
		if err := e.store.UpdateSemantic(ctx, &updated); err != nil {
			logging.Get(logging.CategoryTurn).Warn("Failed to reinforce %s: %v", prior.MemoryID, err)
			return
		}
		result.ReinforcedIDs = append(result.ReinforcedIDs, prior.MemoryID)
		return
	}

	// A real conflict: the candidate is always persisted so provenance
	// survives, but only the winner stays retrievable.
	switch {
	case verdict.Resolution == memory.ResolveRequireClarification:
		if err := e.store.InsertSemantic(ctx, cand); err != nil {
			logging.Get(logging.CategoryTurn).Warn("Failed to insert conflicting memory: %v", err)
			return
		}
		result.NewMemoryIDs = append(result.NewMemoryIDs, cand.MemoryID)
		result.Clarifications = append(result.Clarifications, fmt.Sprintf(
			"I have conflicting information about %s (%s vs %s). Which is correct?",
			cand.Predicate, prior.ObjectString(), cand.ObjectString()))
	case verdict.Winner == cand:
		if err := e.store.InsertSemantic(ctx, cand); err != nil {
			logging.Get(logging.CategoryTurn).Warn("Failed to insert winning memory: %v", err)
			return
		}
		result.NewMemoryIDs = append(result.NewMemoryIDs, cand.MemoryID)
		if err := e.store.SetSemanticStatus(ctx, prior.MemoryID, memory.StatusSuperseded); err != nil {
			logging.Get(logging.CategoryTurn).Warn("Failed to supersede %s: %v", prior.MemoryID, err)
		}
	default:
		cand.Status = memory.StatusSuperseded
		if err := e.store.InsertSemantic(ctx, cand); err != nil {
			logging.Get(logging.CategoryTurn).Warn("Failed to insert superseded memory: %v", err)
			return
		}
	}

	conflict := &memory.MemoryConflict{
		MemoryA:    prior.MemoryID,
		MemoryB:    cand.MemoryID,
		Type:       verdict.Type,
		Resolution: verdict.Resolution,
		ResolvedAt: now,
	}
	if err := e.store.InsertConflict(ctx, conflict); err != nil {
		logging.Get(logging.CategoryTurn).Warn("Failed to record conflict: %v", err)
		return
	}
	result.Conflicts = append(result.Conflicts, conflict)
}

// writeEpisodic records the Layer 3 "this happened" entry for the turn.
func (e *Engine) writeEpisodic(ctx context.Context, req TurnRequest, eventID int64, text string,
	entities []*memory.CanonicalEntity, vector []float32, result *TurnResult, now time.Time) error {

	refs := make([]memory.EntityRef, 0, len(entities))
	for _, en := range entities {
		refs = append(refs, memory.EntityRef{EntityID: en.EntityID, EntityType: en.EntityType})
	}
	epi := &memory.EpisodicMemory{
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		EventType:      classifyEventType(text),
		Summary:        summarizeTurn(text),
		SourceEventIDs: []int64{eventID},
		Entities:       refs,
		Importance:     turnImportance(text, len(refs), len(result.Conflicts)),
		Embedding:      vector,
		CreatedAt:      now,
	}
	if err := e.store.InsertEpisodic(ctx, epi); err != nil {
		return err
	}
	result.NewMemoryIDs = append(result.NewMemoryIDs, epi.MemoryID)
	return nil
}

// storeReply appends the assistant message to the event log. A failure here
// loses history, not the reply, so it only warns.
func (e *Engine) storeReply(ctx context.Context, req TurnRequest, text string) {
	if text == "" {
		return
	}
	_, _, err := e.store.InsertChatEvent(ctx, &memory.ChatEvent{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Role:      memory.RoleAssistant,
		Content:   text,
	})
	if err != nil {
		logging.Get(logging.CategoryTurn).Warn("Failed to store assistant reply: %v", err)
	}
}

// matchHeuristics returns learned procedures whose trigger matches the turn:
// same event type and every trigger entity type present.
func (e *Engine) matchHeuristics(ctx context.Context, userID, eventType string, entities []*memory.CanonicalEntity) []*memory.ProceduralMemory {
	all, err := e.store.ListProcedural(ctx, userID)
	if err != nil {
		logging.Get(logging.CategoryTurn).Warn("Failed to load procedural memories: %v", err)
		return nil
	}
	types := make(map[string]bool, len(entities))
	for _, en := range entities {
		types[en.EntityType] = true
	}
	var matched []*memory.ProceduralMemory
	for _, p := range all {
		if p.TriggerFeatures.Intent != eventType || len(p.TriggerFeatures.EntityTypes) == 0 {
			continue
		}
		covered := true
		for _, t := range p.TriggerFeatures.EntityTypes {
			if !types[t] {
				covered = false
				break
			}
		}
		if covered {
			matched = append(matched, p)
		}
	}
	return matched
}

// strategyFor maps a routing intent to a retrieval strategy.
func strategyFor(intent augment.Intent) string {
	switch intent {
	case augment.IntentFinancial:
		return config.StrategyFactualEntity
	case augment.IntentSLA:
		return config.StrategyTemporal
	case augment.IntentOperational:
		return config.StrategyTargeted
	}
	return config.StrategyExploratory
}

// disambiguationPrompt renders the clarifying question for an ambiguous
// mention.
func disambiguationPrompt(d *Disambiguation) string {
	names := make([]string, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		names = append(names, c.CanonicalName)
	}
	return fmt.Sprintf("Which %q do you mean: %s?", d.Mention, strings.Join(names, " or "))
}

// factText renders a semantic memory for embedding.
func factText(m *memory.SemanticMemory) string {
	return m.SubjectEntityID + " " + m.Predicate + " " + m.ObjectString()
}

var commandVerbs = []string{
	"send", "remind", "schedule", "create", "update", "draft", "cancel",
	"email", "call", "set", "add", "remove", "mark",
}

// classifyEventType buckets the turn into question, command, or statement.
func classifyEventType(text string) string {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if strings.Contains(trimmed, "?") {
		return "question"
	}
	for _, p := range []string{"what", "when", "where", "who", "how", "why", "which", "is ", "are ", "did ", "does ", "can "} {
		if strings.HasPrefix(trimmed, p) {
			return "question"
		}
	}
	first, _, _ := strings.Cut(trimmed, " ")
	for _, v := range commandVerbs {
		if first == v {
			return "command"
		}
	}
	return "statement"
}

// summarizeTurn truncates the redacted text for the episodic summary.
func summarizeTurn(text string) string {
	const maxLen = 200
	text = strings.TrimSpace(text)
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}

// turnImportance is a cheap deterministic heuristic in [0,1]: entity-rich,
// urgent, or conflicting turns matter more.
func turnImportance(text string, entityCount, conflictCount int) float64 {
	imp := 0.4
	imp += 0.1 * float64(min(entityCount, 3))
	if conflictCount > 0 {
		imp += 0.15
	}
	lower := strings.ToLower(text)
	for _, kw := range []string{"urgent", "asap", "important", "critical"} {
		if strings.Contains(lower, kw) {
			imp += 0.1
			break
		}
	}
	if imp > 1 {
		imp = 1
	}
	return imp
}

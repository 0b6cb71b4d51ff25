// Package memory defines the layered memory data model and the pure domain
// services that operate on it: confidence decay, reinforcement, and conflict
// detection. Nothing in this package does I/O; repositories own row
// lifecycle and the orchestrator commits diffs produced here.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role of a chat participant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ChatEvent is the Layer 1 raw immutable message. Content is stored
// post-redaction; the event is never mutated after ingest.
type ChatEvent struct {
	EventID     int64
	UserID      string
	SessionID   string
	Role        Role
	Content     string
	ContentHash string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// ExternalRef links a canonical entity to a row in the domain database.
type ExternalRef struct {
	Table string `json:"table"`
	ID    string `json:"id"`
}

// CanonicalEntity is the Layer 2 identity persistent across sessions.
type CanonicalEntity struct {
	EntityID      string
	EntityType    string
	CanonicalName string
	ExternalRef   *ExternalRef
	Properties    map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AliasSource records how an alias was learned.
type AliasSource string

const (
	AliasUserStated  AliasSource = "user_stated"
	AliasFuzzy       AliasSource = "fuzzy"
	AliasCoreference AliasSource = "coreference"
)

// EntityAlias is a learned surface form for a canonical entity. AliasText is
// not unique; user-scoped aliases shadow global ones during resolution.
type EntityAlias struct {
	ID                int64
	CanonicalEntityID string
	AliasText         string
	UserID            string // empty = global
	AliasSource       AliasSource
	Confidence        float64
	UsageCount        int
	CreatedAt         time.Time
}

// EntityRef names an entity attached to an episodic memory.
type EntityRef struct {
	EntityID   string `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// EpisodicMemory is the Layer 3 "something happened" record.
type EpisodicMemory struct {
	MemoryID       string
	UserID         string
	SessionID      string
	EventType      string // question, statement, command, risk, ...
	Summary        string
	SourceEventIDs []int64
	Entities       []EntityRef
	Importance     float64 // [0,1]
	Embedding      []float32
	Archived       bool
	CreatedAt      time.Time
}

// PredicateType is the closed taxonomy for semantic triples.
type PredicateType string

const (
	PredicateAttribute    PredicateType = "attribute"
	PredicatePreference   PredicateType = "preference"
	PredicateRelationship PredicateType = "relationship"
	PredicateAction       PredicateType = "action"
	PredicatePolicy       PredicateType = "policy"
)

// ValidPredicateType reports whether pt is in the closed taxonomy.
func ValidPredicateType(pt PredicateType) bool {
	switch pt {
	case PredicateAttribute, PredicatePreference, PredicateRelationship, PredicateAction, PredicatePolicy:
		return true
	}
	return false
}

// Status is the semantic memory lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusAging       Status = "aging"
	StatusSuperseded  Status = "superseded"
	StatusInvalidated Status = "invalidated"
)

// Retrievable reports whether a memory in this status may appear in
// retrieval results. Superseded and invalidated rows never do.
func (s Status) Retrievable() bool {
	return s == StatusActive || s == StatusAging
}

// SemanticMemory is the Layer 4 "X has property/relation Y" record.
// Confidence is bounded to [0, 0.95] at all times; decay is computed on
// read via the validation service, never persisted.
type SemanticMemory struct {
	MemoryID           string
	UserID             string
	SubjectEntityID    string
	Predicate          string // normalized (lowercase, snake_case)
	PredicateType      PredicateType
	ObjectValue        json.RawMessage
	Confidence         float64
	ReinforcementCount int
	LastValidatedAt    *time.Time
	SourceEventID      int64
	Status             Status
	Embedding          []float32
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ReferenceTime is the anchor for decay: last validation if set, else
// creation.
func (m *SemanticMemory) ReferenceTime() time.Time {
	if m.LastValidatedAt != nil {
		return *m.LastValidatedAt
	}
	return m.CreatedAt
}

// ObjectString renders the object value for prompts and equality checks.
func (m *SemanticMemory) ObjectString() string {
	var s string
	if err := json.Unmarshal(m.ObjectValue, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(m.ObjectValue))
}

// TriggerFeatures is the feature vector mined from an episodic memory.
type TriggerFeatures struct {
	Intent      string   `json:"intent"`
	EntityTypes []string `json:"entity_types"` // sorted
}

// Key renders the features as a stable map key.
func (f TriggerFeatures) Key() string {
	return f.Intent + "|" + strings.Join(f.EntityTypes, ",")
}

// ProceduralMemory is a Layer 5 learned trigger -> action heuristic.
type ProceduralMemory struct {
	MemoryID        string
	UserID          string
	TriggerPattern  string
	TriggerFeatures TriggerFeatures
	ActionStructure []string // ordered augmentation hints
	ObservedCount   int
	Confidence      float64
	Embedding       []float32
	CreatedAt       time.Time
}

// ScopeKind identifies the consolidation scope family.
type ScopeKind string

const (
	ScopeEntity        ScopeKind = "entity"
	ScopeTopic         ScopeKind = "topic"
	ScopeSessionWindow ScopeKind = "session_window"
)

// Scope identifies the set of memories a summary consolidates.
type Scope struct {
	Kind       ScopeKind
	Identifier string // entity id, topic pattern, or "user,n"
}

// String renders the scope in its canonical "kind:identifier" form.
func (s Scope) String() string { return string(s.Kind) + ":" + s.Identifier }

// ParseScope parses "entity:customer:abc", "topic:prefers_*", or
// "session_window:user-1,5".
func ParseScope(raw string) (Scope, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: want kind:identifier", raw)
	}
	switch ScopeKind(kind) {
	case ScopeEntity, ScopeTopic, ScopeSessionWindow:
		return Scope{Kind: ScopeKind(kind), Identifier: id}, nil
	}
	return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
}

// KeyFact is one named fact inside a summary.
type KeyFact struct {
	Value           string   `json:"value"`
	Confidence      float64  `json:"confidence"`
	Reinforcement   int      `json:"reinforcement"`
	SourceMemoryIDs []string `json:"source_memory_ids"`
}

// SummarySourceData records what went into a summary.
type SummarySourceData struct {
	EpisodicCount   int       `json:"episodic_count"`
	SemanticCount   int       `json:"semantic_count"`
	SourceMemoryIDs []string  `json:"source_memory_ids"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	Fallback        bool      `json:"fallback"`
}

// MemorySummary is the Layer 6 consolidated abstraction. A newer summary
// with the same scope supersedes the older one atomically on insert.
type MemorySummary struct {
	SummaryID   string
	UserID      string
	Scope       Scope
	SummaryText string
	KeyFacts    map[string]KeyFact
	SourceData  SummarySourceData
	Confidence  float64
	Embedding   []float32
	Superseded  bool
	CreatedAt   time.Time
}

// OntologyRelation is one semantic relation between entity types,
// independent of SQL foreign keys. Loaded once at startup.
type OntologyRelation struct {
	SourceType   string
	RelationName string
	TargetType   string
	MaxHops      int
}

// ConflictType classifies a disagreement between two semantic memories.
type ConflictType string

const (
	ConflictValueMismatch        ConflictType = "value_mismatch"
	ConflictTemporalInconsistent ConflictType = "temporal_inconsistency"
	ConflictLogicalContradiction ConflictType = "logical_contradiction"
)

// Resolution names the strategy chosen for a conflict.
type Resolution string

const (
	ResolveTrustRecent          Resolution = "trust_recent"
	ResolveTrustConfident       Resolution = "trust_confident"
	ResolveTrustReinforced      Resolution = "trust_reinforced"
	ResolveRequireClarification Resolution = "require_clarification"
)

// MemoryConflict is a persisted record of a detected conflict.
type MemoryConflict struct {
	ConflictID string
	MemoryA    string
	MemoryB    string
	Type       ConflictType
	Resolution Resolution
	ResolvedAt time.Time
}

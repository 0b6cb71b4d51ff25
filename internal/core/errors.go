// Package core holds the shared contracts of the memory engine: the outbound
// ports (LLM, embedding) and the error taxonomy every service raises.
// Services return these typed errors; only the orchestrator converts them
// into client-visible envelopes.
package core

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotFound signals an unknown memory, entity, or event id.
	ErrNotFound = errors.New("not found")

	// ErrNotImplemented marks advertised-but-unimplemented operations
	// (session-window consolidation scope in phase 1).
	ErrNotImplemented = errors.New("not implemented")

	// ErrUpstreamDegraded marks LLM/embedding failure after retries.
	// Callers degrade gracefully instead of failing the turn.
	ErrUpstreamDegraded = errors.New("upstream degraded")
)

// DomainError is a validation or bounds violation in domain input.
type DomainError struct {
	Field string
	Msg   string
}

func (e *DomainError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// NewDomainError builds a DomainError for a named field.
func NewDomainError(field, format string, args ...interface{}) *DomainError {
	return &DomainError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// EntityCandidate is one possible resolution for an ambiguous mention.
type EntityCandidate struct {
	EntityID      string  `json:"entity_id"`
	CanonicalName string  `json:"canonical_name"`
	EntityType    string  `json:"entity_type"`
	Similarity    float64 `json:"similarity"`
}

// AmbiguousEntityError is raised when fuzzy resolution finds two candidates
// too close to call. The orchestrator turns it into a disambiguation
// envelope rather than an error response.
type AmbiguousEntityError struct {
	Mention    string
	Candidates []EntityCandidate
}

func (e *AmbiguousEntityError) Error() string {
	return fmt.Sprintf("ambiguous entity %q: %d candidates", e.Mention, len(e.Candidates))
}

// IsAmbiguous reports whether err wraps an AmbiguousEntityError and returns it.
func IsAmbiguous(err error) (*AmbiguousEntityError, bool) {
	var ae *AmbiguousEntityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/core"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
)

// InsertSemantic persists a Layer 4 triple.
func (s *Store) InsertSemantic(ctx context.Context, m *memory.SemanticMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.MemoryID == "" {
		m.MemoryID = "sem:" + uuid.NewString()
	}
	if m.Status == "" {
		m.Status = memory.StatusActive
	}
	if m.ReinforcementCount == 0 {
		m.ReinforcementCount = 1
	}
	embJSON, err := encodeVector(m.Embedding)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO semantic_memories (memory_id, user_id, subject_entity_id, predicate, predicate_type, object_value,
			confidence, reinforcement_count, last_validated_at, source_event_id, status, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MemoryID, m.UserID, m.SubjectEntityID, m.Predicate, string(m.PredicateType), string(m.ObjectValue),
		m.Confidence, m.ReinforcementCount, m.LastValidatedAt, m.SourceEventID, string(m.Status), nullable(embJSON), m.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to insert semantic memory: %w", err)
	}
	m.UpdatedAt = now
	logging.StoreDebug("Inserted semantic memory %s (%s %s conf=%.2f)", m.MemoryID, m.SubjectEntityID, m.Predicate, m.Confidence)
	return nil
}

// GetSemantic fetches one triple by id.
func (s *Store) GetSemantic(ctx context.Context, memoryID string) (*memory.SemanticMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, semanticSelect+" WHERE memory_id = ?", memoryID)
	m, err := scanSemantic(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	return m, err
}

const semanticSelect = `
	SELECT memory_id, user_id, subject_entity_id, predicate, predicate_type, object_value,
		confidence, reinforcement_count, last_validated_at, source_event_id, status, embedding, created_at, updated_at
	FROM semantic_memories`

// ListActiveBySubjectPredicate returns retrievable triples on the exact
// (subject, predicate) pair, the conflict detector's comparison set.
func (s *Store) ListActiveBySubjectPredicate(ctx context.Context, userID, subjectEntityID, predicate string) ([]*memory.SemanticMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND subject_entity_id = ? AND predicate = ? AND status IN ('active','aging')
		ORDER BY created_at DESC`, userID, subjectEntityID, predicate)
	if err != nil {
		return nil, fmt.Errorf("failed to query semantic by subject/predicate: %w", err)
	}
	defer rows.Close()
	return collectSemantic(rows)
}

// ListRetrievableSemantic returns active and aging triples for a user.
func (s *Store) ListRetrievableSemantic(ctx context.Context, userID string, limit int) ([]*memory.SemanticMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND status IN ('active','aging')
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query retrievable semantic: %w", err)
	}
	defer rows.Close()
	return collectSemantic(rows)
}

// ListSemanticBySubject returns retrievable triples about one entity.
func (s *Store) ListSemanticBySubject(ctx context.Context, userID, subjectEntityID string) ([]*memory.SemanticMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, semanticSelect+`
		WHERE user_id = ? AND subject_entity_id = ? AND status IN ('active','aging')
		ORDER BY confidence DESC`, userID, subjectEntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query semantic by subject: %w", err)
	}
	defer rows.Close()
	return collectSemantic(rows)
}

// UpdateSemantic rewrites the mutable columns of an existing triple:
// confidence, reinforcement, validation stamp, and status.
func (s *Store) UpdateSemantic(ctx context.Context, m *memory.SemanticMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE semantic_memories
		SET confidence = ?, reinforcement_count = ?, last_validated_at = ?, status = ?, updated_at = ?
		WHERE memory_id = ?`,
		m.Confidence, m.ReinforcementCount, m.LastValidatedAt, string(m.Status), now, m.MemoryID)
	if err != nil {
		return fmt.Errorf("failed to update semantic memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	m.UpdatedAt = now
	return nil
}

// SetSemanticStatus transitions a triple's lifecycle state.
func (s *Store) SetSemanticStatus(ctx context.Context, memoryID string, status memory.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE semantic_memories SET status = ?, updated_at = ? WHERE memory_id = ?`,
		string(status), time.Now().UTC(), memoryID)
	if err != nil {
		return fmt.Errorf("failed to set semantic status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	logging.StoreDebug("Semantic memory %s -> %s", memoryID, status)
	return nil
}

func collectSemantic(rows *sql.Rows) ([]*memory.SemanticMemory, error) {
	var out []*memory.SemanticMemory
	for rows.Next() {
		m, err := scanSemantic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSemantic(row rowScanner) (*memory.SemanticMemory, error) {
	var m memory.SemanticMemory
	var ptype, status, objValue string
	var lastValidated sql.NullTime
	var embJSON sql.NullString
	if err := row.Scan(&m.MemoryID, &m.UserID, &m.SubjectEntityID, &m.Predicate, &ptype, &objValue,
		&m.Confidence, &m.ReinforcementCount, &lastValidated, &m.SourceEventID, &status, &embJSON, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan semantic memory: %w", err)
	}
	m.PredicateType = memory.PredicateType(ptype)
	m.Status = memory.Status(status)
	m.ObjectValue = json.RawMessage(objValue)
	if lastValidated.Valid {
		t := lastValidated.Time.UTC()
		m.LastValidatedAt = &t
	}
	m.Embedding = decodeVector(embJSON)
	return &m, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/memory"
)

// InsertSummary persists a Layer 6 summary and atomically supersedes any
// previous active summary with the same scope. At most one active summary
// exists per (user, scope) at all times.
func (s *Store) InsertSummary(ctx context.Context, m *memory.MemorySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.SummaryID == "" {
		m.SummaryID = "sum:" + uuid.NewString()
	}
	factsJSON, _ := json.Marshal(m.KeyFacts)
	srcJSON, _ := json.Marshal(m.SourceData)
	embJSON, err := encodeVector(m.Embedding)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin summary tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_summaries SET superseded = 1
		WHERE user_id = ? AND scope = ? AND superseded = 0`,
		m.UserID, m.Scope.String()); err != nil {
		return fmt.Errorf("failed to supersede prior summary: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_summaries (summary_id, user_id, scope, summary_text, key_facts, source_data, confidence, embedding, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.SummaryID, m.UserID, m.Scope.String(), m.SummaryText, string(factsJSON), string(srcJSON), m.Confidence, nullable(embJSON), now); err != nil {
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit summary: %w", err)
	}
	m.CreatedAt = now
	logging.StoreDebug("Inserted summary %s for scope %s", m.SummaryID, m.Scope)
	return nil
}

// GetActiveSummary returns the current summary for a scope, or nil.
func (s *Store) GetActiveSummary(ctx context.Context, userID string, scope memory.Scope) (*memory.MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, summarySelect+`
		WHERE user_id = ? AND scope = ? AND superseded = 0`, userID, scope.String())
	m, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

const summarySelect = `
	SELECT summary_id, user_id, scope, summary_text, key_facts, source_data, confidence, embedding, superseded, created_at
	FROM memory_summaries`

// ListActiveSummaries returns all non-superseded summaries for a user.
func (s *Store) ListActiveSummaries(ctx context.Context, userID string, limit int) ([]*memory.MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, summarySelect+`
		WHERE user_id = ? AND superseded = 0
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}
	defer rows.Close()

	var out []*memory.MemorySummary
	for rows.Next() {
		m, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (*memory.MemorySummary, error) {
	var m memory.MemorySummary
	var scope, factsJSON, srcJSON string
	var embJSON sql.NullString
	var superseded int
	if err := row.Scan(&m.SummaryID, &m.UserID, &scope, &m.SummaryText, &factsJSON, &srcJSON, &m.Confidence, &embJSON, &superseded, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan summary: %w", err)
	}
	parsed, err := memory.ParseScope(scope)
	if err != nil {
		return nil, fmt.Errorf("corrupt summary scope %q: %w", scope, err)
	}
	m.Scope = parsed
	m.Superseded = superseded != 0
	if err := json.Unmarshal([]byte(factsJSON), &m.KeyFacts); err != nil {
		logging.StoreDebug("Failed to decode key facts: %v", err)
	}
	if err := json.Unmarshal([]byte(srcJSON), &m.SourceData); err != nil {
		logging.StoreDebug("Failed to decode summary source data: %v", err)
	}
	m.Embedding = decodeVector(embJSON)
	return &m, nil
}

// =============================================================================
// CONFLICTS
// =============================================================================

// InsertConflict records a detected conflict and its resolution.
func (s *Store) InsertConflict(ctx context.Context, c *memory.MemoryConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ConflictID == "" {
		c.ConflictID = "cfl:" + uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_conflicts (conflict_id, memory_a, memory_b, conflict_type, resolution, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ConflictID, c.MemoryA, c.MemoryB, string(c.Type), string(c.Resolution), now)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	c.ResolvedAt = now
	return nil
}

// ListConflictsByMemory returns conflict records touching a memory id, for
// the explain bundle.
func (s *Store) ListConflictsByMemory(ctx context.Context, memoryID string) ([]*memory.MemoryConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT conflict_id, memory_a, memory_b, conflict_type, resolution, resolved_at
		FROM memory_conflicts WHERE memory_a = ? OR memory_b = ?
		ORDER BY resolved_at DESC`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*memory.MemoryConflict
	for rows.Next() {
		var c memory.MemoryConflict
		var ctype, res string
		if err := rows.Scan(&c.ConflictID, &c.MemoryA, &c.MemoryB, &ctype, &res, &c.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Type = memory.ConflictType(ctype)
		c.Resolution = memory.Resolution(res)
		out = append(out, &c)
	}
	return out, rows.Err()
}

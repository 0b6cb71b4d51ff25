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

// UpsertProcedural records a mined heuristic. An existing row with the same
// (user, trigger_pattern) is updated in place rather than duplicated.
func (s *Store) UpsertProcedural(ctx context.Context, m *memory.ProceduralMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	featJSON, _ := json.Marshal(m.TriggerFeatures)
	actJSON, _ := json.Marshal(m.ActionStructure)
	embJSON, err := encodeVector(m.Embedding)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE procedural_memories
		SET observed_count = ?, confidence = ?, action_structure = ?
		WHERE user_id = ? AND trigger_pattern = ?`,
		m.ObservedCount, m.Confidence, string(actJSON), m.UserID, m.TriggerPattern)
	if err != nil {
		return fmt.Errorf("failed to update procedural memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.StoreDebug("Reinforced procedural pattern %q (count=%d conf=%.2f)", m.TriggerPattern, m.ObservedCount, m.Confidence)
		return nil
	}

	if m.MemoryID == "" {
		m.MemoryID = "proc:" + uuid.NewString()
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO procedural_memories (memory_id, user_id, trigger_pattern, trigger_features, action_structure, observed_count, confidence, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MemoryID, m.UserID, m.TriggerPattern, string(featJSON), string(actJSON), m.ObservedCount, m.Confidence, nullable(embJSON), now)
	if err != nil {
		return fmt.Errorf("failed to insert procedural memory: %w", err)
	}
	m.CreatedAt = now
	logging.StoreDebug("Inserted procedural pattern %q (count=%d conf=%.2f)", m.TriggerPattern, m.ObservedCount, m.Confidence)
	return nil
}

// ListProcedural returns all heuristics for a user, strongest first.
func (s *Store) ListProcedural(ctx context.Context, userID string) ([]*memory.ProceduralMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, user_id, trigger_pattern, trigger_features, action_structure, observed_count, confidence, embedding, created_at
		FROM procedural_memories WHERE user_id = ?
		ORDER BY confidence DESC, observed_count DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list procedural memories: %w", err)
	}
	defer rows.Close()

	var out []*memory.ProceduralMemory
	for rows.Next() {
		m, err := scanProcedural(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetProceduralByPattern fetches one heuristic by its trigger pattern key.
func (s *Store) GetProceduralByPattern(ctx context.Context, userID, pattern string) (*memory.ProceduralMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT memory_id, user_id, trigger_pattern, trigger_features, action_structure, observed_count, confidence, embedding, created_at
		FROM procedural_memories WHERE user_id = ? AND trigger_pattern = ?`, userID, pattern)
	m, err := scanProcedural(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanProcedural(row rowScanner) (*memory.ProceduralMemory, error) {
	var m memory.ProceduralMemory
	var featJSON, actJSON string
	var embJSON sql.NullString
	if err := row.Scan(&m.MemoryID, &m.UserID, &m.TriggerPattern, &featJSON, &actJSON, &m.ObservedCount, &m.Confidence, &embJSON, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan procedural memory: %w", err)
	}
	if err := json.Unmarshal([]byte(featJSON), &m.TriggerFeatures); err != nil {
		logging.StoreDebug("Failed to decode trigger features: %v", err)
	}
	if err := json.Unmarshal([]byte(actJSON), &m.ActionStructure); err != nil {
		logging.StoreDebug("Failed to decode action structure: %v", err)
	}
	m.Embedding = decodeVector(embJSON)
	return &m, nil
}

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

// InsertEpisodic persists a Layer 3 record.
func (s *Store) InsertEpisodic(ctx context.Context, m *memory.EpisodicMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.MemoryID == "" {
		m.MemoryID = "epi:" + uuid.NewString()
	}
	srcJSON, _ := json.Marshal(m.SourceEventIDs)
	entJSON, _ := json.Marshal(m.Entities)
	embJSON, err := encodeVector(m.Embedding)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodic_memories (memory_id, user_id, session_id, event_type, summary, source_event_ids, entities, importance, embedding, archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.MemoryID, m.UserID, m.SessionID, m.EventType, m.Summary, string(srcJSON), string(entJSON), m.Importance, nullable(embJSON), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert episodic memory: %w", err)
	}
	logging.StoreDebug("Inserted episodic memory %s (type=%s entities=%d)", m.MemoryID, m.EventType, len(m.Entities))
	return nil
}

// ListEpisodicByEntity returns unarchived episodic memories that mention the
// entity, newest first.
func (s *Store) ListEpisodicByEntity(ctx context.Context, userID, entityID string, limit int) ([]*memory.EpisodicMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	// Entities are a JSON array of {entity_id, entity_type}; a LIKE probe on
	// the quoted id is exact enough because ids are opaque and never nested.
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, user_id, session_id, event_type, summary, source_event_ids, entities, importance, embedding, archived, created_at
		FROM episodic_memories
		WHERE user_id = ? AND archived = 0 AND entities LIKE ?
		ORDER BY created_at DESC LIMIT ?`,
		userID, `%"`+entityID+`"%`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodic by entity: %w", err)
	}
	defer rows.Close()
	return collectEpisodic(rows)
}

// ListEpisodicByUser returns unarchived episodic memories for a user,
// newest first.
func (s *Store) ListEpisodicByUser(ctx context.Context, userID string, limit int) ([]*memory.EpisodicMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, user_id, session_id, event_type, summary, source_event_ids, entities, importance, embedding, archived, created_at
		FROM episodic_memories WHERE user_id = ? AND archived = 0
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodic by user: %w", err)
	}
	defer rows.Close()
	return collectEpisodic(rows)
}

// CountSessionsByEntity counts distinct sessions whose episodic memories
// mention the entity. Consolidation requires evidence across sessions.
func (s *Store) CountSessionsByEntity(ctx context.Context, userID, entityID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT session_id) FROM episodic_memories
		WHERE user_id = ? AND archived = 0 AND entities LIKE ?`,
		userID, `%"`+entityID+`"%`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// ArchiveEpisodic marks consolidated memories so they drop out of the
// default retrieval pool without losing provenance.
func (s *Store) ArchiveEpisodic(ctx context.Context, memoryIDs []string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range memoryIDs {
		if _, err := tx.ExecContext(ctx, "UPDATE episodic_memories SET archived = 1 WHERE memory_id = ?", id); err != nil {
			return fmt.Errorf("failed to archive %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	logging.StoreDebug("Archived %d episodic memories", len(memoryIDs))
	return nil
}

func collectEpisodic(rows *sql.Rows) ([]*memory.EpisodicMemory, error) {
	var out []*memory.EpisodicMemory
	for rows.Next() {
		m, err := scanEpisodic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanEpisodic(row rowScanner) (*memory.EpisodicMemory, error) {
	var m memory.EpisodicMemory
	var srcJSON, entJSON string
	var embJSON sql.NullString
	var archived int
	if err := row.Scan(&m.MemoryID, &m.UserID, &m.SessionID, &m.EventType, &m.Summary, &srcJSON, &entJSON, &m.Importance, &embJSON, &archived, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan episodic memory: %w", err)
	}
	m.Archived = archived != 0
	if err := json.Unmarshal([]byte(srcJSON), &m.SourceEventIDs); err != nil {
		logging.StoreDebug("Failed to decode source event ids: %v", err)
	}
	if err := json.Unmarshal([]byte(entJSON), &m.Entities); err != nil {
		logging.StoreDebug("Failed to decode entity refs: %v", err)
	}
	m.Embedding = decodeVector(embJSON)
	return &m, nil
}

// nullable turns "" into NULL so empty embeddings do not store empty text.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mnemo/internal/core"
	"mnemo/internal/logging"
	"mnemo/internal/memory"
)

// InsertChatEvent appends a raw event. Ingestion is idempotent on
// (session_id, content_hash): a duplicate returns the existing event with
// inserted=false and writes nothing.
func (s *Store) InsertChatEvent(ctx context.Context, ev *memory.ChatEvent) (stored *memory.ChatEvent, inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ContentHash == "" {
		ev.ContentHash = HashContent(ev.Content)
	}

	existing, err := s.getEventByHash(ctx, ev.SessionID, ev.ContentHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to check event dedup: %w", err)
	}
	if err == nil {
		logging.StoreDebug("Duplicate event in session %s (hash=%s), returning existing event_id=%d",
			ev.SessionID, ev.ContentHash[:12], existing.EventID)
		return existing, false, nil
	}

	metaJSON, _ := json.Marshal(ev.Metadata)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_events (user_id, session_id, role, content, content_hash, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.SessionID, string(ev.Role), ev.Content, ev.ContentHash, string(metaJSON), now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert chat event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read event id: %w", err)
	}
	ev.EventID = id
	ev.CreatedAt = now
	logging.StoreDebug("Inserted chat event %d for user=%s session=%s", id, ev.UserID, ev.SessionID)
	return ev, true, nil
}

func (s *Store) getEventByHash(ctx context.Context, sessionID, hash string) (*memory.ChatEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, user_id, session_id, role, content, content_hash, metadata, created_at
		FROM chat_events WHERE session_id = ? AND content_hash = ?`, sessionID, hash)
	return scanEvent(row)
}

// GetRecentEvents returns the most recent events in a session, oldest first,
// for the reply context window.
func (s *Store) GetRecentEvents(ctx context.Context, userID, sessionID string, limit int) ([]*memory.ChatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 6
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, session_id, role, content, content_hash, metadata, created_at
		FROM chat_events WHERE user_id = ? AND session_id = ?
		ORDER BY event_id DESC LIMIT ?`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var events []*memory.ChatEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID int64) (*memory.ChatEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, user_id, session_id, role, content, content_hash, metadata, created_at
		FROM chat_events WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	return ev, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*memory.ChatEvent, error) {
	var ev memory.ChatEvent
	var role, metaJSON string
	if err := row.Scan(&ev.EventID, &ev.UserID, &ev.SessionID, &role, &ev.Content, &ev.ContentHash, &metaJSON, &ev.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan chat event: %w", err)
	}
	ev.Role = memory.Role(role)
	if metaJSON != "" && metaJSON != "{}" {
		if err := json.Unmarshal([]byte(metaJSON), &ev.Metadata); err != nil {
			logging.StoreDebug("Failed to decode event metadata: %v", err)
		}
	}
	return &ev, nil
}

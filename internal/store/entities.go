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

// aliasReinforceStep and aliasMaxConfidence bound alias learning: repeated
// use of a known surface form nudges it up without saturating certainty.
const (
	aliasReinforceStep = 0.02
	aliasMaxConfidence = 0.95
)

// CreateEntity persists a canonical entity. A missing EntityID is assigned.
func (s *Store) CreateEntity(ctx context.Context, e *memory.CanonicalEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.EntityID == "" {
		e.EntityID = e.EntityType + ":" + uuid.NewString()
	}
	propsJSON, _ := json.Marshal(e.Properties)
	var refJSON interface{}
	if e.ExternalRef != nil {
		data, _ := json.Marshal(e.ExternalRef)
		refJSON = string(data)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_entities (entity_id, entity_type, canonical_name, external_ref, properties, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EntityID, e.EntityType, e.CanonicalName, refJSON, string(propsJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	logging.StoreDebug("Created entity %s (%s %q)", e.EntityID, e.EntityType, e.CanonicalName)
	return nil
}

// GetEntity fetches one entity by id.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*memory.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT entity_id, entity_type, canonical_name, external_ref, properties, created_at, updated_at
		FROM canonical_entities WHERE entity_id = ?`, entityID)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	return e, err
}

// FindEntitiesByName returns entities whose canonical name matches exactly
// (case-insensitive).
func (s *Store) FindEntitiesByName(ctx context.Context, name string) ([]*memory.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, entity_type, canonical_name, external_ref, properties, created_at, updated_at
		FROM canonical_entities WHERE canonical_name = ? COLLATE NOCASE`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities by name: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

// ListEntities returns all entities, optionally filtered by type.
func (s *Store) ListEntities(ctx context.Context, entityType string) ([]*memory.CanonicalEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT entity_id, entity_type, canonical_name, external_ref, properties, created_at, updated_at
		FROM canonical_entities`
	args := []interface{}{}
	if entityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, entityType)
	}
	query += " ORDER BY canonical_name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

func collectEntities(rows *sql.Rows) ([]*memory.CanonicalEntity, error) {
	var out []*memory.CanonicalEntity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(row rowScanner) (*memory.CanonicalEntity, error) {
	var e memory.CanonicalEntity
	var refJSON, propsJSON sql.NullString
	if err := row.Scan(&e.EntityID, &e.EntityType, &e.CanonicalName, &refJSON, &propsJSON, &e.CreatedAt, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan entity: %w", err)
	}
	if refJSON.Valid && refJSON.String != "" {
		var ref memory.ExternalRef
		if err := json.Unmarshal([]byte(refJSON.String), &ref); err == nil {
			e.ExternalRef = &ref
		}
	}
	if propsJSON.Valid && propsJSON.String != "" && propsJSON.String != "{}" {
		if err := json.Unmarshal([]byte(propsJSON.String), &e.Properties); err != nil {
			logging.StoreDebug("Failed to decode entity properties: %v", err)
		}
	}
	return &e, nil
}

// =============================================================================
// ALIASES
// =============================================================================

// UpsertAlias records a learned surface form. An existing row for the same
// (entity, alias, user) is reinforced instead: usage_count increments and
// confidence rises by a small step, capped.
func (s *Store) UpsertAlias(ctx context.Context, a *memory.EntityAlias) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE entity_aliases
		SET usage_count = usage_count + 1,
		    confidence = MIN(confidence + ?, ?)
		WHERE canonical_entity_id = ? AND alias_text = ? COLLATE NOCASE AND user_id = ?`,
		aliasReinforceStep, aliasMaxConfidence, a.CanonicalEntityID, a.AliasText, a.UserID)
	if err != nil {
		return fmt.Errorf("failed to reinforce alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.StoreDebug("Reinforced alias %q -> %s", a.AliasText, a.CanonicalEntityID)
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_aliases (canonical_entity_id, alias_text, user_id, alias_source, confidence, usage_count, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		a.CanonicalEntityID, a.AliasText, a.UserID, string(a.AliasSource), a.Confidence, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert alias: %w", err)
	}
	logging.StoreDebug("Learned alias %q -> %s (source=%s conf=%.2f)", a.AliasText, a.CanonicalEntityID, a.AliasSource, a.Confidence)
	return nil
}

// LookupAliases returns alias rows matching the text, user-scoped rows
// first, then global, highest confidence first within each scope.
func (s *Store) LookupAliases(ctx context.Context, aliasText, userID string) ([]*memory.EntityAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_entity_id, alias_text, user_id, alias_source, confidence, usage_count, created_at
		FROM entity_aliases
		WHERE alias_text = ? COLLATE NOCASE AND (user_id = ? OR user_id = '')
		ORDER BY (user_id = ?) DESC, confidence DESC`, aliasText, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup aliases: %w", err)
	}
	defer rows.Close()

	var out []*memory.EntityAlias
	for rows.Next() {
		var a memory.EntityAlias
		var src string
		if err := rows.Scan(&a.ID, &a.CanonicalEntityID, &a.AliasText, &a.UserID, &src, &a.Confidence, &a.UsageCount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		a.AliasSource = memory.AliasSource(src)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ListAliases returns all aliases for an entity.
func (s *Store) ListAliases(ctx context.Context, entityID string) ([]*memory.EntityAlias, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canonical_entity_id, alias_text, user_id, alias_source, confidence, usage_count, created_at
		FROM entity_aliases WHERE canonical_entity_id = ? ORDER BY confidence DESC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var out []*memory.EntityAlias
	for rows.Next() {
		var a memory.EntityAlias
		var src string
		if err := rows.Scan(&a.ID, &a.CanonicalEntityID, &a.AliasText, &a.UserID, &src, &a.Confidence, &a.UsageCount, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias: %w", err)
		}
		a.AliasSource = memory.AliasSource(src)
		out = append(out, &a)
	}
	return out, rows.Err()
}

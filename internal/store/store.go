// Package store implements the SQLite persistence layer for all six memory
// layers plus the read-only domain database attachment. One Store owns the
// memory database; DomainDB wraps the business database and never writes.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"mnemo/internal/logging"
)

// Store implements Layers 1-6 plus conflict and ontology persistence on a
// single SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore initializes the memory database at the given path, creating the
// schema and running migrations.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewStore")
	defer timer.Stop()

	logging.Store("Initializing memory store at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	store := &Store{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to run migrations: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("Memory store initialized successfully")
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	logging.Store("Closing memory store at %s", s.dbPath)
	return s.db.Close()
}

// DB exposes the raw handle for maintenance tooling.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chat_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		metadata TEXT DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(session_id, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_events_user_session ON chat_events(user_id, session_id);

	CREATE TABLE IF NOT EXISTS canonical_entities (
		entity_id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		canonical_name TEXT NOT NULL,
		external_ref TEXT,
		properties TEXT DEFAULT '{}',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON canonical_entities(canonical_name COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON canonical_entities(entity_type);

	CREATE TABLE IF NOT EXISTS entity_aliases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		canonical_entity_id TEXT NOT NULL REFERENCES canonical_entities(entity_id),
		alias_text TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		alias_source TEXT NOT NULL,
		confidence REAL NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(canonical_entity_id, alias_text, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_aliases_text ON entity_aliases(alias_text COLLATE NOCASE);

	CREATE TABLE IF NOT EXISTS episodic_memories (
		memory_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		summary TEXT NOT NULL,
		source_event_ids TEXT DEFAULT '[]',
		entities TEXT DEFAULT '[]',
		importance REAL NOT NULL DEFAULT 0.5,
		embedding TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_episodic_user ON episodic_memories(user_id, archived);

	CREATE TABLE IF NOT EXISTS semantic_memories (
		memory_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		subject_entity_id TEXT NOT NULL,
		predicate TEXT NOT NULL,
		predicate_type TEXT NOT NULL,
		object_value TEXT NOT NULL,
		confidence REAL NOT NULL,
		reinforcement_count INTEGER NOT NULL DEFAULT 1,
		last_validated_at DATETIME,
		source_event_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_semantic_subject ON semantic_memories(subject_entity_id, predicate, status);
	CREATE INDEX IF NOT EXISTS idx_semantic_user ON semantic_memories(user_id, status);

	CREATE TABLE IF NOT EXISTS procedural_memories (
		memory_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		trigger_pattern TEXT NOT NULL,
		trigger_features TEXT NOT NULL,
		action_structure TEXT DEFAULT '[]',
		observed_count INTEGER NOT NULL DEFAULT 1,
		confidence REAL NOT NULL,
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, trigger_pattern)
	);

	CREATE TABLE IF NOT EXISTS memory_summaries (
		summary_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		summary_text TEXT NOT NULL,
		key_facts TEXT DEFAULT '{}',
		source_data TEXT DEFAULT '{}',
		confidence REAL NOT NULL,
		embedding TEXT,
		superseded INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_scope ON memory_summaries(user_id, scope, superseded);

	CREATE TABLE IF NOT EXISTS memory_conflicts (
		conflict_id TEXT PRIMARY KEY,
		memory_a TEXT NOT NULL,
		memory_b TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		resolution TEXT NOT NULL,
		resolved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS domain_ontology (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_type TEXT NOT NULL,
		relation_name TEXT NOT NULL,
		target_type TEXT NOT NULL,
		max_hops INTEGER NOT NULL DEFAULT 1,
		UNIQUE(source_type, relation_name, target_type)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// HashContent returns the dedup key for ingestion idempotency.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// encodeVector serializes an embedding as a JSON array for the TEXT column.
func encodeVector(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", nil
	}
	data, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("failed to encode embedding: %w", err)
	}
	return string(data), nil
}

func decodeVector(raw sql.NullString) []float32 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var vec []float32
	if err := json.Unmarshal([]byte(raw.String), &vec); err != nil {
		logging.StoreDebug("Failed to decode embedding: %v", err)
		return nil
	}
	return vec
}

// Stats reports per-layer row counts for diagnostics.
type Stats struct {
	ChatEvents      int `json:"chat_events"`
	Entities        int `json:"entities"`
	Aliases         int `json:"aliases"`
	Episodic        int `json:"episodic_memories"`
	SemanticActive  int `json:"semantic_active"`
	SemanticTotal   int `json:"semantic_total"`
	Procedural      int `json:"procedural_memories"`
	ActiveSummaries int `json:"active_summaries"`
	Conflicts       int `json:"conflicts"`
}

// GetStats counts rows across all layers.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM chat_events", &st.ChatEvents},
		{"SELECT COUNT(*) FROM canonical_entities", &st.Entities},
		{"SELECT COUNT(*) FROM entity_aliases", &st.Aliases},
		{"SELECT COUNT(*) FROM episodic_memories WHERE archived = 0", &st.Episodic},
		{"SELECT COUNT(*) FROM semantic_memories WHERE status IN ('active','aging')", &st.SemanticActive},
		{"SELECT COUNT(*) FROM semantic_memories", &st.SemanticTotal},
		{"SELECT COUNT(*) FROM procedural_memories", &st.Procedural},
		{"SELECT COUNT(*) FROM memory_summaries WHERE superseded = 0", &st.ActiveSummaries},
		{"SELECT COUNT(*) FROM memory_conflicts", &st.Conflicts},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return Stats{}, fmt.Errorf("stats query failed: %w", err)
		}
	}
	return st, nil
}

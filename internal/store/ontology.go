package store

import (
	"context"
	"fmt"

	"mnemo/internal/logging"
	"mnemo/internal/memory"
)

// defaultOntology seeds the relation graph for the support domain when the
// table is empty. Relations are semantic, not foreign keys.
var defaultOntology = []memory.OntologyRelation{
	{SourceType: "customer", RelationName: "has_order", TargetType: "sales_order", MaxHops: 1},
	{SourceType: "customer", RelationName: "has_invoice", TargetType: "invoice", MaxHops: 1},
	{SourceType: "sales_order", RelationName: "fulfilled_by", TargetType: "work_order", MaxHops: 1},
	{SourceType: "sales_order", RelationName: "billed_by", TargetType: "invoice", MaxHops: 1},
	{SourceType: "invoice", RelationName: "settled_by", TargetType: "payment", MaxHops: 1},
	{SourceType: "work_order", RelationName: "has_task", TargetType: "task", MaxHops: 1},
	{SourceType: "customer", RelationName: "has_task", TargetType: "task", MaxHops: 2},
}

// SeedOntology inserts the default relation graph if none is present.
func (s *Store) SeedOntology(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM domain_ontology").Scan(&n); err != nil {
		return fmt.Errorf("failed to count ontology: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, r := range defaultOntology {
		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO domain_ontology (source_type, relation_name, target_type, max_hops)
			VALUES (?, ?, ?, ?)`, r.SourceType, r.RelationName, r.TargetType, r.MaxHops); err != nil {
			return fmt.Errorf("failed to seed ontology: %w", err)
		}
	}
	logging.Store("Seeded domain ontology with %d relations", len(defaultOntology))
	return nil
}

// LoadOntology reads the full relation graph. Called once at startup.
func (s *Store) LoadOntology(ctx context.Context) ([]memory.OntologyRelation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_type, relation_name, target_type, max_hops
		FROM domain_ontology ORDER BY source_type, relation_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to load ontology: %w", err)
	}
	defer rows.Close()

	var out []memory.OntologyRelation
	for rows.Next() {
		var r memory.OntologyRelation
		if err := rows.Scan(&r.SourceType, &r.RelationName, &r.TargetType, &r.MaxHops); err != nil {
			return nil, fmt.Errorf("failed to scan ontology relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
)

// UpsertRelationship inserts a new relationship or, on (source, target,
// relation_type) conflict, merges descriptions and takes the larger of
// the two weights.
func (s *Store) UpsertRelationship(ctx context.Context, conn memory.Conn, sourceID, targetID, relationType, description string, weight float64) (string, error) {
	q := s.querier(conn)

	var id string
	var existingDesc string
	var existingWeight float64
	err := q.QueryRow(ctx,
		`SELECT id, description, weight FROM relationships
		 WHERE source_id = $1 AND target_id = $2 AND relation_type = $3`,
		sourceID, targetID, relationType,
	).Scan(&id, &existingDesc, &existingWeight)

	switch {
	case err == nil:
		merged := memory.MergeDescription(existingDesc, description)
		if weight > existingWeight {
			existingWeight = weight
		}
		_, err = q.Exec(ctx,
			`UPDATE relationships SET description = $1, weight = $2, updated_at = now() WHERE id = $3`,
			merged, existingWeight, id,
		)
		if err != nil {
			return "", fmt.Errorf("postgres: update relationship: %w", err)
		}
		return id, nil

	case err == pgx.ErrNoRows:
		err = q.QueryRow(ctx,
			`INSERT INTO relationships (source_id, target_id, relation_type, description, weight)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			sourceID, targetID, relationType, description, weight,
		).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("postgres: insert relationship: %w", err)
		}
		return id, nil

	default:
		return "", fmt.Errorf("postgres: lookup relationship: %w", err)
	}
}

func (s *Store) LoadAllRelationships(ctx context.Context) ([]memory.Relationship, error) {
	q := s.querier(nil)
	rows, err := q.Query(ctx, `SELECT id, source_id, target_id, relation_type, description, weight, updated_at FROM relationships`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load relationships: %w", err)
	}
	defer rows.Close()

	var out []memory.Relationship
	for rows.Next() {
		var r memory.Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelationType, &r.Description, &r.Weight, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
)

// UpsertEntity inserts a new entity or, on (namespace, name) conflict,
// merges the description per memory.MergeDescription and bumps
// mention_count. Returns the entity's id either way.
func (s *Store) UpsertEntity(ctx context.Context, conn memory.Conn, namespace, name, entityType, description string, embedding []float32) (string, error) {
	q := s.querier(conn)

	var existingDesc string
	var id string
	err := q.QueryRow(ctx,
		`SELECT id, description FROM entities WHERE namespace = $1 AND name = $2`,
		namespace, name,
	).Scan(&id, &existingDesc)

	switch {
	case err == nil:
		merged := memory.MergeDescription(existingDesc, description)
		_, err = q.Exec(ctx,
			`UPDATE entities
			 SET description = $1, mention_count = mention_count + 1,
			     name_embedding = $2, updated_at = now()
			 WHERE id = $3`,
			merged, pgvector.NewVector(embedding), id,
		)
		if err != nil {
			return "", fmt.Errorf("postgres: update entity: %w", err)
		}
		return id, nil

	case err == pgx.ErrNoRows:
		err = q.QueryRow(ctx,
			`INSERT INTO entities (namespace, name, entity_type, description, name_embedding)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			namespace, name, entityType, description, pgvector.NewVector(embedding),
		).Scan(&id)
		if err != nil {
			return "", fmt.Errorf("postgres: insert entity: %w", err)
		}
		return id, nil

	default:
		return "", fmt.Errorf("postgres: lookup entity: %w", err)
	}
}

func (s *Store) GetEntityIDByName(ctx context.Context, conn memory.Conn, namespace, name string) (string, bool, error) {
	q := s.querier(conn)
	var id string
	err := q.QueryRow(ctx, `SELECT id FROM entities WHERE namespace = $1 AND name = $2`, namespace, name).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: get entity id: %w", err)
	}
	return id, true, nil
}

func (s *Store) GetEntityNames(ctx context.Context, namespace string) ([]string, error) {
	q := s.querier(nil)
	rows, err := q.Query(ctx, `SELECT name FROM entities WHERE namespace = $1 ORDER BY name`, namespace)
	if err != nil {
		return nil, fmt.Errorf("postgres: get entity names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) GetEntityCount(ctx context.Context) (int, error) {
	q := s.querier(nil)
	var count int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM entities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: get entity count: %w", err)
	}
	return count, nil
}

// SearchEntitiesSemantic returns the topK entities nearest embedding by
// cosine distance, scored as 1 - distance so higher is more similar.
func (s *Store) SearchEntitiesSemantic(ctx context.Context, embedding []float32, topK int) ([]memory.ScoredEntity, error) {
	q := s.querier(nil)
	rows, err := q.Query(ctx,
		`SELECT id, namespace, name, entity_type, description, mention_count, updated_at,
		        1 - (name_embedding <=> $1) AS score
		 FROM entities
		 ORDER BY name_embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(embedding), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: search entities: %w", err)
	}
	defer rows.Close()

	var out []memory.ScoredEntity
	for rows.Next() {
		var e memory.ScoredEntity
		if err := rows.Scan(&e.ID, &e.Namespace, &e.Name, &e.EntityType, &e.Description,
			&e.MentionCount, &e.UpdatedAt, &e.Score); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntityNeighbors returns the depth-1 neighborhood of entityID in
// either relationship direction, joined with relationship metadata.
func (s *Store) GetEntityNeighbors(ctx context.Context, entityID string) ([]memory.Neighbor, error) {
	q := s.querier(nil)
	rows, err := q.Query(ctx,
		`SELECT e.id, e.name, e.entity_type, e.description, r.relation_type, r.description, r.weight
		 FROM relationships r
		 JOIN entities e ON e.id = CASE WHEN r.source_id = $1 THEN r.target_id ELSE r.source_id END
		 WHERE r.source_id = $1 OR r.target_id = $1`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get neighbors: %w", err)
	}
	defer rows.Close()

	var out []memory.Neighbor
	for rows.Next() {
		var n memory.Neighbor
		if err := rows.Scan(&n.EntityID, &n.Name, &n.EntityType, &n.Description,
			&n.RelationType, &n.RelationDesc, &n.Weight); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) LoadAllEntities(ctx context.Context) ([]memory.Entity, error) {
	q := s.querier(nil)
	rows, err := q.Query(ctx, `SELECT id, namespace, name, entity_type, description, mention_count, updated_at FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load entities: %w", err)
	}
	defer rows.Close()

	var out []memory.Entity
	for rows.Next() {
		var e memory.Entity
		if err := rows.Scan(&e.ID, &e.Namespace, &e.Name, &e.EntityType, &e.Description, &e.MentionCount, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
)

func (s *Store) SearchCommunitiesSemantic(ctx context.Context, embedding []float32, topK int) ([]memory.ScoredCommunity, error) {
	q := s.querier(nil)
	rows, err := q.Query(ctx,
		`SELECT id, level, summary, entity_count, 1 - (summary_embedding <=> $1) AS score
		 FROM communities
		 WHERE summary_embedding IS NOT NULL
		 ORDER BY summary_embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(embedding), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: search communities: %w", err)
	}
	defer rows.Close()

	var out []memory.ScoredCommunity
	for rows.Next() {
		var c memory.ScoredCommunity
		if err := rows.Scan(&c.ID, &c.Level, &c.Summary, &c.EntityCount, &c.Score); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RebuildCommunities atomically replaces the entire community partition:
// truncate membership and communities, then bulk-insert the new set, all
// inside one transaction so readers never observe an empty partition.
func (s *Store) RebuildCommunities(ctx context.Context, communities []memory.Community) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: rebuild communities begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE community_members, communities`); err != nil {
		return fmt.Errorf("postgres: truncate communities: %w", err)
	}

	for _, c := range communities {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO communities (level, summary, summary_embedding, entity_count)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			c.Level, c.Summary, pgvector.NewVector(c.SummaryEmbedding), len(c.MemberEntityIDs),
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("postgres: insert community: %w", err)
		}
		for _, entityID := range c.MemberEntityIDs {
			if _, err := tx.Exec(ctx,
				`INSERT INTO community_members (community_id, entity_id) VALUES ($1, $2)`,
				id, entityID,
			); err != nil {
				return fmt.Errorf("postgres: insert community member: %w", err)
			}
		}
	}

	return tx.Commit(ctx)
}

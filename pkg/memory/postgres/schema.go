package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlEntities = `
CREATE TABLE IF NOT EXISTS entities (
    id             UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    namespace      TEXT         NOT NULL,
    name           TEXT         NOT NULL,
    entity_type    TEXT         NOT NULL,
    description    TEXT         NOT NULL DEFAULT '',
    mention_count  INT          NOT NULL DEFAULT 1,
    updated_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (namespace, name)
);

CREATE INDEX IF NOT EXISTS idx_entities_namespace ON entities (namespace);
`

func ddlEntityEmbedding(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pgcrypto;

ALTER TABLE entities ADD COLUMN IF NOT EXISTS name_embedding vector(%d);

CREATE INDEX IF NOT EXISTS idx_entities_embedding
    ON entities USING hnsw (name_embedding vector_cosine_ops);
`, dimensions)
}

const ddlRelationships = `
CREATE TABLE IF NOT EXISTS relationships (
    id              UUID        PRIMARY KEY DEFAULT gen_random_uuid(),
    source_id       UUID        NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    target_id       UUID        NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    relation_type   TEXT        NOT NULL,
    description     TEXT        NOT NULL DEFAULT '',
    weight          DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source_id, target_id, relation_type)
);

CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships (source_id);
CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships (target_id);
`

func ddlCommunities(dimensions int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS communities (
    id                 UUID        PRIMARY KEY DEFAULT gen_random_uuid(),
    level              INT         NOT NULL DEFAULT 0,
    summary            TEXT        NOT NULL DEFAULT '',
    summary_embedding  vector(%d),
    entity_count       INT         NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_communities_embedding
    ON communities USING hnsw (summary_embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS community_members (
    community_id  UUID NOT NULL REFERENCES communities (id) ON DELETE CASCADE,
    entity_id     UUID NOT NULL REFERENCES entities (id) ON DELETE CASCADE,
    PRIMARY KEY (community_id, entity_id)
);
`, dimensions)
}

const ddlConversationMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id               BIGSERIAL   PRIMARY KEY,
    conversation_id  TEXT        NOT NULL,
    role             TEXT        NOT NULL,
    content          TEXT        NOT NULL,
    embedding        vector,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
    ON conversation_messages (conversation_id);
`

// Migrate creates or ensures all required tables, extensions, and indexes
// exist. Idempotent; safe to call on every application start. dimensions
// must match the embedder's output size.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{
		ddlEntities,
		ddlEntityEmbedding(dimensions),
		ddlRelationships,
		ddlCommunities(dimensions),
		ddlConversationMessages,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

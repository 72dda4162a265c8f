// Package memory defines the vector-store contract shared by the
// Postgres-backed implementation (pkg/memory/postgres) and the in-memory
// test double (pkg/memory/mock), plus the data types that flow through it.
package memory

import (
	"context"
	"strings"
	"time"
)

// Entity is an extracted knowledge-graph node. Uniqueness is (Namespace, Name).
type Entity struct {
	ID            string
	Namespace     string
	Name          string
	EntityType    string
	Description   string
	NameEmbedding []float32
	MentionCount  int
	UpdatedAt     time.Time
}

// Relationship connects two entities. Uniqueness is (SourceID, TargetID, RelationType).
type Relationship struct {
	ID           string
	SourceID     string
	TargetID     string
	RelationType string
	Description  string
	Weight       float64
	UpdatedAt    time.Time
}

// Neighbor is one depth-1 neighbor of an entity, joined with the connecting
// relationship's metadata.
type Neighbor struct {
	EntityID     string
	Name         string
	EntityType   string
	Description  string
	RelationType string
	RelationDesc string
	Weight       float64
}

// Community is a summarized cluster of entities produced by the community
// detector.
type Community struct {
	ID               string
	Level            int
	Summary          string
	SummaryEmbedding []float32
	EntityCount      int
	MemberEntityIDs  []string
}

// ScoredEntity pairs an Entity with a semantic-search similarity score.
type ScoredEntity struct {
	Entity
	Score float64
}

// ScoredCommunity pairs a Community with a semantic-search similarity score.
type ScoredCommunity struct {
	Community
	Score float64
}

// Conn represents one composable unit of work: either the pool itself or
// an acquired transaction, so memory extraction can compose multiple Store
// calls under one transaction.
type Conn interface{}

// Store is the vector-store contract. A nil Conn means "run in a
// fresh autocommit context"; non-nil means "participate in the caller's
// already-open transaction".
type Store interface {
	UpsertEntity(ctx context.Context, conn Conn, namespace, name, entityType, description string, embedding []float32) (string, error)
	UpsertRelationship(ctx context.Context, conn Conn, sourceID, targetID, relationType, description string, weight float64) (string, error)

	GetEntityIDByName(ctx context.Context, conn Conn, namespace, name string) (string, bool, error)
	GetEntityNames(ctx context.Context, namespace string) ([]string, error)
	GetEntityCount(ctx context.Context) (int, error)

	SearchEntitiesSemantic(ctx context.Context, embedding []float32, topK int) ([]ScoredEntity, error)
	GetEntityNeighbors(ctx context.Context, entityID string) ([]Neighbor, error)

	SearchCommunitiesSemantic(ctx context.Context, embedding []float32, topK int) ([]ScoredCommunity, error)
	RebuildCommunities(ctx context.Context, communities []Community) error

	SaveMessage(ctx context.Context, conn Conn, conversationID, role, content string, embedding []float32) error

	LoadAllEntities(ctx context.Context) ([]Entity, error)
	LoadAllRelationships(ctx context.Context) ([]Relationship, error)

	// Begin starts a transaction usable as a Conn in the methods above.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is a transaction handle; Conn() yields the value to pass as the Conn
// parameter of Store methods so they participate in this transaction.
type Tx interface {
	Conn() Conn
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// MergeDescription implements the description-merge rule on entity
// upsert conflict: empty existing -> take new; new already a substring of
// existing -> keep existing; otherwise append and truncate to 500 chars.
func MergeDescription(existing, next string) string {
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	if strings.Contains(existing, next) {
		return existing
	}
	merged := existing + "\n" + next
	if r := []rune(merged); len(r) > 500 {
		merged = string(r[:500])
	}
	return merged
}

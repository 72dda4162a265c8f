// Package mock is an in-memory memory.Store double used by unit tests
// that exercise the memory extractor and community detector without a
// live Postgres instance, and by the runtime as its offline/local-dev
// fallback when no DATABASE_URL is configured.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
)

type Store struct {
	mu sync.Mutex

	entities      map[string]memory.Entity
	relationships map[string]memory.Relationship
	communities   []memory.Community
	messages      []storedMessage
}

type storedMessage struct {
	conversationID, role, content string
	embedding                     []float32
}

var _ memory.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		entities:      make(map[string]memory.Entity),
		relationships: make(map[string]memory.Relationship),
	}
}

func (s *Store) UpsertEntity(ctx context.Context, conn memory.Conn, namespace, name, entityType, description string, embedding []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entities {
		if e.Namespace == namespace && e.Name == name {
			e.Description = memory.MergeDescription(e.Description, description)
			e.MentionCount++
			e.NameEmbedding = embedding
			e.UpdatedAt = time.Now()
			s.entities[id] = e
			return id, nil
		}
	}

	id := uuid.NewString()
	s.entities[id] = memory.Entity{
		ID: id, Namespace: namespace, Name: name, EntityType: entityType,
		Description: description, NameEmbedding: embedding, MentionCount: 1, UpdatedAt: time.Now(),
	}
	return id, nil
}

func (s *Store) UpsertRelationship(ctx context.Context, conn memory.Conn, sourceID, targetID, relationType, description string, weight float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.relationships {
		if r.SourceID == sourceID && r.TargetID == targetID && r.RelationType == relationType {
			r.Description = memory.MergeDescription(r.Description, description)
			if weight > r.Weight {
				r.Weight = weight
			}
			r.UpdatedAt = time.Now()
			s.relationships[id] = r
			return id, nil
		}
	}

	id := uuid.NewString()
	s.relationships[id] = memory.Relationship{
		ID: id, SourceID: sourceID, TargetID: targetID, RelationType: relationType,
		Description: description, Weight: weight, UpdatedAt: time.Now(),
	}
	return id, nil
}

func (s *Store) GetEntityIDByName(ctx context.Context, conn memory.Conn, namespace, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entities {
		if e.Namespace == namespace && e.Name == name {
			return id, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) GetEntityNames(ctx context.Context, namespace string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.entities {
		if e.Namespace == namespace {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) GetEntityCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func (s *Store) SearchEntitiesSemantic(ctx context.Context, embedding []float32, topK int) ([]memory.ScoredEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scored := make([]memory.ScoredEntity, 0, len(s.entities))
	for _, e := range s.entities {
		scored = append(scored, memory.ScoredEntity{Entity: e, Score: cosineSimilarity(embedding, e.NameEmbedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *Store) GetEntityNeighbors(ctx context.Context, entityID string) ([]memory.Neighbor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []memory.Neighbor
	for _, r := range s.relationships {
		var otherID string
		switch entityID {
		case r.SourceID:
			otherID = r.TargetID
		case r.TargetID:
			otherID = r.SourceID
		default:
			continue
		}
		other, ok := s.entities[otherID]
		if !ok {
			continue
		}
		out = append(out, memory.Neighbor{
			EntityID: other.ID, Name: other.Name, EntityType: other.EntityType, Description: other.Description,
			RelationType: r.RelationType, RelationDesc: r.Description, Weight: r.Weight,
		})
	}
	return out, nil
}

func (s *Store) SearchCommunitiesSemantic(ctx context.Context, embedding []float32, topK int) ([]memory.ScoredCommunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scored := make([]memory.ScoredCommunity, 0, len(s.communities))
	for _, c := range s.communities {
		scored = append(scored, memory.ScoredCommunity{Community: c, Score: cosineSimilarity(embedding, c.SummaryEmbedding)})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func (s *Store) RebuildCommunities(ctx context.Context, communities []memory.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities = communities
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, conn memory.Conn, conversationID, role, content string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, storedMessage{conversationID, role, content, embedding})
	return nil
}

func (s *Store) LoadAllEntities(ctx context.Context) ([]memory.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) LoadAllRelationships(ctx context.Context) ([]memory.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Relationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		out = append(out, r)
	}
	return out, nil
}

// mockTx is a no-op transaction: the mock store has no real transactional
// boundary, so Conn() simply hands back nil (meaning "use the store
// directly"), and Commit/Rollback are both no-ops.
type mockTx struct{}

func (t *mockTx) Conn() memory.Conn                  { return nil }
func (t *mockTx) Commit(ctx context.Context) error   { return nil }
func (t *mockTx) Rollback(ctx context.Context) error { return nil }

func (s *Store) Begin(ctx context.Context) (memory.Tx, error) {
	return &mockTx{}, nil
}

func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("mock.Store{entities=%d, relationships=%d, communities=%d, messages=%d}",
		len(s.entities), len(s.relationships), len(s.communities), len(s.messages))
}

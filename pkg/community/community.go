// Package community detects entity clusters: loads the
// entity/relationship graph from the store, clusters it with gonum's
// Louvain-family modularity optimizer, summarizes each surviving cluster
// with an LLM, and writes the result back atomically. No repo in the
// retrieval pack implements graph clustering; gonum.org/v1/gonum is named
// (not grounded) here — see DESIGN.md.
package community

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/embeddings"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
)

// Summarizer produces a human-readable description of a community's
// member entity names. Implemented by the LLM provider in production;
// swappable for tests.
type Summarizer interface {
	Summarize(ctx context.Context, memberNames []string) (string, error)
}

type Detector struct {
	store       memory.Store
	embedder    *embeddings.Client
	summarizer  Summarizer
	minEntities int
	seed        int64
}

func NewDetector(store memory.Store, embedder *embeddings.Client, summarizer Summarizer, minEntities int, seed int64) *Detector {
	return &Detector{store: store, embedder: embedder, summarizer: summarizer, minEntities: minEntities, seed: seed}
}

// idNode adapts a store entity id (string, not gonum's int64 node id
// space) to a graph.Node, and back via the detector's id maps.
type idNode int64

func (n idNode) ID() int64 { return int64(n) }

// Rebuild reloads the graph from the store, clusters it, summarizes each
// surviving community, and replaces the stored partition atomically.
// Returns the number of communities written. If fewer than minEntities
// entities exist, the stored partition is left untouched and 0 is
// returned.
func (d *Detector) Rebuild(ctx context.Context) (int, error) {
	entities, err := d.store.LoadAllEntities(ctx)
	if err != nil {
		return 0, fmt.Errorf("community: load entities: %w", err)
	}
	if len(entities) < d.minEntities {
		return 0, nil
	}
	relationships, err := d.store.LoadAllRelationships(ctx)
	if err != nil {
		return 0, fmt.Errorf("community: load relationships: %w", err)
	}

	idToNode := make(map[string]int64, len(entities))
	nodeToID := make(map[int64]string, len(entities))
	for i, e := range entities {
		idToNode[e.ID] = int64(i)
		nodeToID[int64(i)] = e.ID
	}
	nameByID := make(map[string]string, len(entities))
	for _, e := range entities {
		nameByID[e.ID] = e.Name
	}

	g := simple.NewWeightedUndirectedGraph(0, 0)
	for _, e := range entities {
		g.AddNode(idNode(idToNode[e.ID]))
	}
	// Aggregate weights across multiple relationships between the same
	// pair of endpoints rather than overwriting.
	edgeWeight := make(map[[2]int64]float64)
	for _, r := range relationships {
		a, okA := idToNode[r.SourceID]
		b, okB := idToNode[r.TargetID]
		if !okA || !okB || a == b {
			continue
		}
		key := edgeKey(a, b)
		edgeWeight[key] += r.Weight
	}
	for key, w := range edgeWeight {
		g.SetWeightedEdge(simple.WeightedEdge{F: idNode(key[0]), T: idNode(key[1]), W: w})
	}

	reduced := community.Modularize(g, 1, rand.New(rand.NewSource(d.seed)))
	clusters := reduced.Communities()

	var result []memory.Community
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		memberIDs := make([]string, 0, len(cluster))
		names := make([]string, 0, len(cluster))
		for _, n := range cluster {
			id := nodeToID[n.ID()]
			memberIDs = append(memberIDs, id)
			names = append(names, nameByID[id])
		}

		summary, err := d.summarizer.Summarize(ctx, names)
		if err != nil {
			summary = fallbackSummary(names)
		}

		var embedding []float32
		if vecs, err := d.embedder.EmbedTexts(ctx, []string{summary}, embeddings.InputDocument); err == nil && len(vecs) == 1 {
			embedding = vecs[0]
		}

		result = append(result, memory.Community{
			Summary:          summary,
			SummaryEmbedding: embedding,
			EntityCount:      len(memberIDs),
			MemberEntityIDs:  memberIDs,
		})
	}

	if err := d.store.RebuildCommunities(ctx, result); err != nil {
		return 0, fmt.Errorf("community: rebuild: %w", err)
	}
	return len(result), nil
}

func edgeKey(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

func fallbackSummary(names []string) string {
	n := names
	if len(n) > 5 {
		n = n[:5]
	}
	return "Group related to: " + strings.Join(n, ", ")
}

var _ graph.Node = idNode(0)

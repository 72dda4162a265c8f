package community

import (
	"context"
	"errors"
	"testing"

	memmock "github.com/lokutor-ai/lokutor-orchestrator/pkg/memory/mock"
)

type stubSummarizer struct {
	err error
}

func (s stubSummarizer) Summarize(ctx context.Context, names []string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "a tight-knit group", nil
}

func TestRebuildBelowMinEntitiesLeavesStoreUntouched(t *testing.T) {
	store := memmock.New()
	ctx := context.Background()
	store.UpsertEntity(ctx, nil, "default", "solo", "x", "", nil)

	d := NewDetector(store, nil, stubSummarizer{}, 5, 1)
	n, err := d.Rebuild(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 communities below threshold, got %d", n)
	}
}

func TestFallbackSummaryTruncatesToFive(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g"}
	got := fallbackSummary(names)
	want := "Group related to: a, b, c, d, e"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEdgeKeyIsOrderIndependent(t *testing.T) {
	if edgeKey(1, 2) != edgeKey(2, 1) {
		t.Fatal("edgeKey should be symmetric")
	}
}

func TestStubSummarizerError(t *testing.T) {
	s := stubSummarizer{err: errors.New("boom")}
	if _, err := s.Summarize(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}

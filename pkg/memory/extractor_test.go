package memory_test

import (
	"context"
	"strings"
	"testing"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/embeddings"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/memory"
	memmock "github.com/lokutor-ai/lokutor-orchestrator/pkg/memory/mock"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedTexts(ctx context.Context, texts []string, inputType embeddings.InputType) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 0}
	}
	return out, nil
}

func (stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type stubLLM struct {
	response string
}

func (s stubLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return s.response, nil
}

func (s stubLLM) Name() string { return "stub-llm" }

func TestExtractAndSaveParsesFencedJSON(t *testing.T) {
	store := memmock.New()
	llm := stubLLM{response: "```json\n{\"entities\":[{\"name\":\"Alice\",\"entity_type\":\"person\",\"description\":\"a user\"}],\"relationships\":[]}\n```"}
	ext := memory.NewExtractor(store, stubEmbedder{}, nil, llm, "default")

	messages := []orchestrator.Message{
		{Role: "user", Content: orchestrator.TextContent("My name is Alice.")},
		{Role: "assistant", Content: orchestrator.TextContent("Nice to meet you, Alice.")},
	}

	if err := ext.ExtractAndSave(context.Background(), messages); err != nil {
		t.Fatal(err)
	}

	names, err := store.GetEntityNames(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "Alice" {
		t.Fatalf("expected entity Alice saved, got %v", names)
	}
}

func TestExtractAndSaveSwallowsParseFailure(t *testing.T) {
	store := memmock.New()
	llm := stubLLM{response: "not json at all"}
	ext := memory.NewExtractor(store, stubEmbedder{}, nil, llm, "default")

	messages := []orchestrator.Message{
		{Role: "user", Content: orchestrator.TextContent("hello")},
	}
	if err := ext.ExtractAndSave(context.Background(), messages); err != nil {
		t.Fatalf("parse failures must be swallowed, not fatal: %v", err)
	}

	count, err := store.GetEntityCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected no entities saved on parse failure, got %d", count)
	}
}

func TestPreLoadContextEmptyStoreReturnsPlaceholder(t *testing.T) {
	store := memmock.New()
	llm := stubLLM{}
	ext := memory.NewExtractor(store, stubEmbedder{}, nil, llm, "default")

	out, err := ext.PreLoadContext(context.Background(), "what do you know about me?")
	if err != nil {
		t.Fatal(err)
	}
	if out != "(no memory context)" {
		t.Fatalf("expected placeholder, got %q", out)
	}
}

func TestPreLoadContextIncludesNeighbors(t *testing.T) {
	store := memmock.New()
	ctx := context.Background()

	a, _ := store.UpsertEntity(ctx, nil, "default", "Alice", "person", "the user", []float32{1, 0, 0})
	b, _ := store.UpsertEntity(ctx, nil, "default", "Kitchen Light", "device", "a smart bulb", []float32{0, 1, 0})
	store.UpsertRelationship(ctx, nil, a, b, "controls", "Alice controls the kitchen light", 1.0)

	ext := memory.NewExtractor(store, stubEmbedder{}, nil, stubLLM{}, "default")
	out, err := ext.PreLoadContext(ctx, "tell me about alice")
	if err != nil {
		t.Fatal(err)
	}
	if out == "(no memory context)" {
		t.Fatal("expected non-empty RAG context")
	}
	if !strings.Contains(out, "> Kitchen Light (controls)") {
		t.Fatalf("expected Alice's neighbor in RAG context, got %q", out)
	}
}

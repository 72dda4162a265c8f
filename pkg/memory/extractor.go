package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/embeddings"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// Embedder is the narrow embeddings surface the extractor depends on,
// kept separate from the concrete client so tests can stub it.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string, inputType embeddings.InputType) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Reranker is the narrow reranking surface the extractor depends on.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []map[string]interface{}, textKey string, topK int) ([]map[string]interface{}, error)
}

// extractedEntity and extractedRelationship are the shapes the extraction
// LLM call is prompted to return as JSON.
type extractedEntity struct {
	Name        string `json:"name"`
	EntityType  string `json:"entity_type"`
	Description string `json:"description"`
}

type extractedRelationship struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	RelationType string  `json:"relation_type"`
	Description  string  `json:"description"`
	Weight       float64 `json:"weight"`
}

type extraction struct {
	Entities      []extractedEntity       `json:"entities"`
	Relationships []extractedRelationship `json:"relationships"`
}

// Extractor turns a sliding window of conversation messages into upserted
// entities/relationships, and assembles the RAG context block for a new
// turn.
type Extractor struct {
	store           Store
	embedder        Embedder
	reranker        Reranker
	llm             orchestrator.LLMProvider
	namespace       string
	windowTurns     int
	rebuildEvery    int
	tokenBudget     int
	topKEntities    int
	topKRerank      int
	topKCommunities int

	mu               sync.Mutex
	lastExtractedIdx int
	extractionCount  int

	onRebuildCommunities func(context.Context) // fire-and-forget trigger, set by the wiring layer
}

type Option func(*Extractor)

func WithWindowTurns(n int) Option     { return func(e *Extractor) { e.windowTurns = n } }
func WithRebuildInterval(n int) Option { return func(e *Extractor) { e.rebuildEvery = n } }
func WithTokenBudget(n int) Option     { return func(e *Extractor) { e.tokenBudget = n } }
func WithTopKEntities(n int) Option    { return func(e *Extractor) { e.topKEntities = n } }
func WithTopKRerank(n int) Option      { return func(e *Extractor) { e.topKRerank = n } }
func WithTopKCommunities(n int) Option { return func(e *Extractor) { e.topKCommunities = n } }
func WithCommunityRebuildHook(f func(context.Context)) Option {
	return func(e *Extractor) { e.onRebuildCommunities = f }
}

func NewExtractor(store Store, embedder Embedder, reranker Reranker, llm orchestrator.LLMProvider, namespace string, opts ...Option) *Extractor {
	e := &Extractor{
		store: store, embedder: embedder, reranker: reranker, llm: llm, namespace: namespace,
		windowTurns: 10, rebuildEvery: 5, tokenBudget: 1500,
		topKEntities: 8, topKRerank: 5, topKCommunities: 3,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ orchestrator.MemoryExtractor = (*Extractor)(nil)

// ExtractAndSave selects the unextracted window of messages, asks the LLM
// to extract entities/relationships, and saves them. LLM failures are
// returned for the caller to log and are never fatal; a response that
// does not parse as JSON counts as an empty extraction and returns nil.
// Callers invoke this as a background, fire-and-forget task.
func (e *Extractor) ExtractAndSave(ctx context.Context, allMessages []orchestrator.Message) error {
	e.mu.Lock()
	start := e.lastExtractedIdx
	e.mu.Unlock()

	windowSize := e.windowTurns * 2
	if start >= len(allMessages) {
		return nil
	}
	window := allMessages[start:]
	if len(window) > windowSize {
		window = window[len(window)-windowSize:]
	}
	if len(window) == 0 {
		return nil
	}

	knownNames, err := e.store.GetEntityNames(ctx, e.namespace)
	if err != nil {
		return fmt.Errorf("memory: load known entity names: %w", err)
	}

	result, err := e.runExtraction(ctx, window, knownNames)
	if err != nil {
		// LLM failures are non-fatal: skip this window, but surface the
		// error so the caller can log it. Parse failures never reach here.
		e.advanceOffset(len(allMessages))
		return fmt.Errorf("memory: extraction: %w", err)
	}

	if err := e.saveExtraction(ctx, result); err != nil {
		return fmt.Errorf("memory: save extraction: %w", err)
	}

	e.advanceOffset(len(allMessages))
	return nil
}

func (e *Extractor) advanceOffset(n int) {
	e.mu.Lock()
	e.lastExtractedIdx = n
	e.mu.Unlock()
}

func (e *Extractor) runExtraction(ctx context.Context, window []orchestrator.Message, knownNames []string) (extraction, error) {
	var transcript strings.Builder
	for _, m := range window {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content.Flatten())
	}

	prompt := fmt.Sprintf(
		"Extract entities and relationships mentioned in this conversation as JSON "+
			"with shape {\"entities\":[{\"name\",\"entity_type\",\"description\"}],"+
			"\"relationships\":[{\"source\",\"target\",\"relation_type\",\"description\",\"weight\"}]}.\n"+
			"Known entities so far (prefer reusing these names for coreference): %s\n\n"+
			"Conversation:\n%s",
		strings.Join(knownNames, ", "), transcript.String(),
	)

	raw, err := e.llm.Complete(ctx, []orchestrator.Message{{Role: "user", Content: orchestrator.TextContent(prompt)}})
	if err != nil {
		return extraction{}, err
	}

	raw = unwrapCodeFence(raw)
	var result extraction
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		// Parse failure: return empty lists, never fatal.
		return extraction{}, nil
	}
	return result, nil
}

// unwrapCodeFence strips a ```json ... ``` or ``` ... ``` fence if present.
func unwrapCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// saveExtraction runs the whole save as one transaction: embed all entity
// descriptions in parallel, upsert entities keeping a name->id map for
// this extraction, then resolve and upsert relationships — first from the
// in-memory map, falling back to a store lookup so relationships spanning
// earlier extractions still resolve.
func (e *Extractor) saveExtraction(ctx context.Context, result extraction) error {
	if len(result.Entities) == 0 && len(result.Relationships) == 0 {
		return nil
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback(ctx)
		}
	}()
	conn := tx.Conn()

	descriptions := make([]string, len(result.Entities))
	for i, ent := range result.Entities {
		descriptions[i] = ent.Description
	}
	descEmbeddings, err := e.embedder.EmbedTexts(ctx, descriptions, embeddings.InputDocument)
	if err != nil {
		return fmt.Errorf("embed entity descriptions: %w", err)
	}

	nameToID := make(map[string]string, len(result.Entities))
	for i, ent := range result.Entities {
		var vec []float32
		if i < len(descEmbeddings) {
			vec = descEmbeddings[i]
		}
		id, err := e.store.UpsertEntity(ctx, conn, e.namespace, ent.Name, ent.EntityType, ent.Description, vec)
		if err != nil {
			return fmt.Errorf("upsert entity %q: %w", ent.Name, err)
		}
		nameToID[ent.Name] = id
	}

	for _, rel := range result.Relationships {
		sourceID, ok := e.resolveEntityID(ctx, conn, nameToID, rel.Source)
		if !ok {
			continue
		}
		targetID, ok := e.resolveEntityID(ctx, conn, nameToID, rel.Target)
		if !ok {
			continue
		}
		if _, err := e.store.UpsertRelationship(ctx, conn, sourceID, targetID, rel.RelationType, rel.Description, rel.Weight); err != nil {
			return fmt.Errorf("upsert relationship %s->%s: %w", rel.Source, rel.Target, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true

	e.mu.Lock()
	e.extractionCount++
	shouldRebuild := e.rebuildEvery > 0 && e.extractionCount%e.rebuildEvery == 0
	e.mu.Unlock()

	if shouldRebuild && e.onRebuildCommunities != nil {
		go e.onRebuildCommunities(context.Background())
	}
	return nil
}

func (e *Extractor) resolveEntityID(ctx context.Context, conn Conn, nameToID map[string]string, name string) (string, bool) {
	if id, ok := nameToID[name]; ok {
		return id, true
	}
	id, ok, err := e.store.GetEntityIDByName(ctx, conn, e.namespace, name)
	if err != nil || !ok {
		return "", false
	}
	return id, true
}

// PreLoadContext assembles the RAG block for a new turn under a token
// budget: semantic entity search, optional rerank, parallel neighbor
// fan-out, then semantic community search, each gated by a running
// token estimate.
func (e *Extractor) PreLoadContext(ctx context.Context, query string) (string, error) {
	queryVec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	entities, err := e.store.SearchEntitiesSemantic(ctx, queryVec, e.topKEntities)
	if err != nil {
		return "", fmt.Errorf("search entities: %w", err)
	}
	if len(entities) == 0 {
		return "(no memory context)", nil
	}

	if e.reranker != nil && len(entities) > 1 {
		items := make([]map[string]interface{}, len(entities))
		for i, ent := range entities {
			items[i] = map[string]interface{}{
				"text":   ent.Description,
				"entity": ent,
			}
		}
		reranked, err := e.reranker.Rerank(ctx, query, items, "text", e.topKRerank)
		if err == nil {
			entities = entities[:0]
			for _, item := range reranked {
				entities = append(entities, item["entity"].(ScoredEntity))
			}
		}
	}
	if len(entities) > e.topKRerank {
		entities = entities[:e.topKRerank]
	}

	neighborsByEntity := make([][]Neighbor, len(entities))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, ent := range entities {
		i, ent := i, ent
		eg.Go(func() error {
			n, err := e.store.GetEntityNeighbors(egCtx, ent.ID)
			if err != nil {
				return nil // a neighbor-fetch failure just means fewer details, not a fatal turn
			}
			neighborsByEntity[i] = n
			return nil
		})
	}
	eg.Wait()

	var b strings.Builder
	tokens := 0
	budgetExceeded := false

	writeLine := func(line string) bool {
		estimate := len(line) / 4
		if tokens+estimate > e.tokenBudget {
			return false
		}
		b.WriteString(line)
		b.WriteByte('\n')
		tokens += estimate
		return true
	}

	for i, ent := range entities {
		line := fmt.Sprintf("- %s (%s): %s", ent.Name, ent.EntityType, ent.Description)
		if !writeLine(line) {
			budgetExceeded = true
			break
		}
		neighbors := neighborsByEntity[i]
		if len(neighbors) > 3 {
			neighbors = neighbors[:3]
		}
		for _, n := range neighbors {
			nLine := fmt.Sprintf("  > %s (%s): %s", n.Name, n.RelationType, n.RelationDesc)
			if !writeLine(nLine) {
				budgetExceeded = true
				break
			}
		}
		if budgetExceeded {
			break
		}
	}

	if !budgetExceeded {
		communities, err := e.store.SearchCommunitiesSemantic(ctx, queryVec, e.topKCommunities)
		if err == nil {
			for _, c := range communities {
				if !writeLine(fmt.Sprintf("- %s", c.Summary)) {
					break
				}
			}
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return "(no memory context)", nil
	}
	return out, nil
}

// SaveMessageAsync fires off background persistence of one conversation
// turn. The caller tracks the returned channel in its own background-task
// set; errors are delivered on it rather than raised synchronously.
func (e *Extractor) SaveMessageAsync(ctx context.Context, conversationID, role, content string) <-chan error {
	done := make(chan error, 1)
	go func() {
		var embedding []float32
		if role == "user" {
			if v, err := e.embedder.EmbedQuery(ctx, content); err == nil {
				embedding = v
			}
		}
		done <- e.store.SaveMessage(ctx, nil, conversationID, role, content, embedding)
	}()
	return done
}

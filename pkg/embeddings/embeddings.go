// Package embeddings is the embedder/reranker client: batches texts
// into groups of at most maxBatchSize under a bounded concurrency
// semaphore, issuing one HTTP request per batch concurrently via
// errgroup and collecting results back into input order.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

const (
	maxBatchSize       = 128
	defaultConcurrency = 5
)

// InputType distinguishes the embedding API's document vs query input
// modes, which the provider may score or index differently.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// Client is a Voyage-AI-compatible embeddings client.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	concurrency int
	http        *http.Client
}

func New(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		concurrency: defaultConcurrency,
		http:        http.DefaultClient,
	}
}

// WithConcurrency overrides the default batch-fan-out semaphore size.
func (c *Client) WithConcurrency(n int) *Client {
	c.concurrency = n
	return c
}

type embedRequest struct {
	Input     []string  `json:"input"`
	Model     string    `json:"model"`
	InputType InputType `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedTexts auto-batches texts into groups of at most 128 and fetches
// each batch concurrently, bounded by the client's concurrency semaphore.
// Results preserve the input order regardless of completion order.
func (c *Client) EmbedTexts(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batches := chunkStrings(texts, maxBatchSize)
	results := make([][][]float32, len(batches))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.concurrency)

	for i, batch := range batches {
		i, batch := i, batch
		eg.Go(func() error {
			vectors, err := c.fetchBatch(egCtx, batch, inputType)
			if err != nil {
				return fmt.Errorf("embeddings: batch %d: %w", i, err)
			}
			results[i] = vectors
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range results {
		out = append(out, batch...)
	}
	return out, nil
}

// EmbedQuery embeds a single query string under the query input mode.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.fetchBatch(ctx, []string{text}, InputQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embeddings: empty response for query")
	}
	return vectors[0], nil
}

// EmbedContextual embeds a list of related chunks in a single /embeddings
// request with the document input type, returning one vector per chunk.
// Each chunk is embedded on its own: no context is shared across the
// chunks, and unlike EmbedTexts the list is not split into batches of
// 128.
func (c *Client) EmbedContextual(ctx context.Context, chunks []string) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	return c.fetchBatch(ctx, chunks, InputDocument)
}

func (c *Client) fetchBatch(ctx context.Context, texts []string, inputType InputType) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Input: texts, Model: c.model, InputType: inputType})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings: status %d: %s", resp.StatusCode, b)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embeddings: decode: %w", err)
	}

	out := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func chunkStrings(texts []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[i:end])
	}
	return out
}

package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Reranker is a Voyage-AI-compatible relevance reranker.
type Reranker struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func NewReranker(baseURL, apiKey, model string) *Reranker {
	return &Reranker{baseURL: baseURL, apiKey: apiKey, model: model, http: http.DefaultClient}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model"`
	TopK      *int     `json:"top_k,omitempty"`
}

type rerankResponse struct {
	Data []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"data"`
}

// Rerank reorders items by relevance to query, reading the text to score
// from each item's textKey field. The API call is skipped entirely for
// one or zero items — reranking a singleton is meaningless, and this
// avoids a network round-trip on the common "only one candidate" path.
// topK of 0 means "keep all, reordered".
func (r *Reranker) Rerank(ctx context.Context, query string, items []map[string]interface{}, textKey string, topK int) ([]map[string]interface{}, error) {
	if len(items) <= 1 {
		return items, nil
	}

	docs := make([]string, len(items))
	for i, item := range items {
		text, _ := item[textKey].(string)
		docs[i] = text
	}

	reqBody := rerankRequest{Query: query, Documents: docs, Model: r.model}
	if topK > 0 {
		reqBody.TopK = &topK
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reranker: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker: status %d: %s", resp.StatusCode, b)
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("reranker: decode: %w", err)
	}

	out := make([]map[string]interface{}, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		item := items[d.Index]
		item["relevance_score"] = d.RelevanceScore
		out = append(out, item)
	}
	return out, nil
}

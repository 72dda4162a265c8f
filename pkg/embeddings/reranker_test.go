package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRerankSkipsAPIForSingleItem(t *testing.T) {
	r := NewReranker("http://unused", "key", "model")
	items := []map[string]interface{}{{"text": "only one"}}
	out, err := r.Rerank(context.Background(), "query", items, "text", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0]["relevance_score"] != nil {
		t.Fatalf("expected item untouched, got %+v", out)
	}
}

func TestRerankReordersByScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		json.NewDecoder(r.Body).Decode(&req)
		// Reverse order: last document scores highest.
		data := make([]map[string]interface{}, len(req.Documents))
		for i := range req.Documents {
			data[i] = map[string]interface{}{
				"index":           len(req.Documents) - 1 - i,
				"relevance_score": float64(len(req.Documents) - 1 - i),
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	defer srv.Close()

	r := NewReranker(srv.URL, "key", "model")
	items := []map[string]interface{}{{"text": "a"}, {"text": "b"}, {"text": "c"}}
	out, err := r.Rerank(context.Background(), "q", items, "text", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 items, got %d", len(out))
	}
	if out[0]["text"] != "c" {
		t.Fatalf("expected reordered first item 'c', got %v", out[0]["text"])
	}
}

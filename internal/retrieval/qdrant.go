package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidewater-ai/concierge/internal/ledger"
)

// QdrantRetriever searches a Qdrant collection over its HTTP API. Queries
// are embedded through the provider first.
type QdrantRetriever struct {
	baseURL    string
	collection string
	embedder   Embedder
	client     *http.Client
}

func NewQdrant(baseURL, collection string, embedder Embedder) *QdrantRetriever {
	return &QdrantRetriever{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		embedder:   embedder,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

type qdrantSearchRequest struct {
	Vector      []float32     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	Filter      *qdrantFilter `json:"filter,omitempty"`
}

type qdrantFilter struct {
	Must []qdrantMatch `json:"must"`
}

type qdrantMatch struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

type qdrantSearchResponse struct {
	Result []struct {
		Payload map[string]json.RawMessage `json:"payload"`
	} `json:"result"`
}

func (r *QdrantRetriever) Search(ctx context.Context, query, namespace string, limit int) ([]ledger.EvidenceDoc, error) {
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedder returned no vector")
	}

	req := qdrantSearchRequest{
		Vector:      vectors[0],
		Limit:       limit,
		WithPayload: true,
	}
	if namespace != "" {
		m := qdrantMatch{Key: "tenant_id"}
		m.Match.Value = namespace
		req.Filter = &qdrantFilter{Must: []qdrantMatch{m}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/collections/%s/points/search", r.baseURL, r.collection)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("qdrant search: http %d: %s", resp.StatusCode, msg)
	}

	var searchResp qdrantSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode qdrant response: %w", err)
	}

	docs := make([]ledger.EvidenceDoc, 0, len(searchResp.Result))
	for _, hit := range searchResp.Result {
		doc := ledger.EvidenceDoc{Source: r.collection}
		if raw, ok := hit.Payload["content"]; ok {
			_ = json.Unmarshal(raw, &doc.Content)
		} else if raw, ok := hit.Payload["text"]; ok {
			_ = json.Unmarshal(raw, &doc.Content)
		}
		if raw, ok := hit.Payload["title"]; ok {
			_ = json.Unmarshal(raw, &doc.Title)
		}
		if doc.Content == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

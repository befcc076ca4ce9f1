package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/tidewater-ai/concierge/internal/ledger"
)

// maxWebDocLen bounds each shaped web result so one verbose page cannot
// crowd the evidence set out of the model's context.
const maxWebDocLen = 1500

// WebSearcher queries a Tavily-compatible search API and shapes results into
// evidence documents.
type WebSearcher struct {
	apiURL string
	apiKey string
	client *http.Client
}

func NewWebSearcher(apiURL, apiKey string) *WebSearcher {
	if apiURL == "" {
		apiURL = "https://api.tavily.com/search"
	}
	return &WebSearcher{
		apiURL: apiURL,
		apiKey: apiKey,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

type webSearchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"results"`
}

func (w *WebSearcher) Search(ctx context.Context, query, namespace string, limit int) ([]ledger.EvidenceDoc, error) {
	body, err := json.Marshal(map[string]interface{}{
		"api_key":     w.apiKey,
		"query":       query,
		"max_results": limit,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("web search: http %d: %s", resp.StatusCode, msg)
	}

	var searchResp webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode web search response: %w", err)
	}

	docs := make([]ledger.EvidenceDoc, 0, len(searchResp.Results))
	for _, r := range searchResp.Results {
		content := truncate(r.Title+"\n"+r.Content+"\n"+r.URL, maxWebDocLen)
		docs = append(docs, ledger.EvidenceDoc{
			Title:   r.Title,
			Content: content,
			Source:  r.URL,
		})
	}
	return docs, nil
}

// truncate caps s at max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

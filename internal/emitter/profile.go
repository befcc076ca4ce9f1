package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidewater-ai/concierge/internal/config"
)

// GraphProfileFetcher looks up a sender's first name on the provider's
// profile endpoint. Used by the dispatcher to greet new conversations.
type GraphProfileFetcher struct {
	apiURL    string
	pageToken string
	client    *http.Client
}

func NewProfileFetcher(cfg config.EmitterConfig) *GraphProfileFetcher {
	return &GraphProfileFetcher{
		apiURL:    strings.TrimRight(cfg.SendAPIURL, "/"),
		pageToken: cfg.PageToken,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *GraphProfileFetcher) FetchName(ctx context.Context, senderID string) (string, error) {
	u := fmt.Sprintf("%s/%s?fields=first_name&access_token=%s",
		f.apiURL, url.PathEscape(senderID), f.pageToken)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile api: http %d", resp.StatusCode)
	}

	var profile struct {
		FirstName string `json:"first_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", err
	}
	return profile.FirstName, nil
}

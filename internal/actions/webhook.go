// Package actions executes pipeline action requests against the business's
// own backend over a signed webhook. The backend owns the side effects
// (reservations, cancellations); this client only relays and authenticates.
package actions

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/pipeline"
)

// WebhookExecutor posts actions to the configured backend URL. The request
// body is signed with HMAC-SHA256 so the backend can reject forgeries.
type WebhookExecutor struct {
	url        string
	signingKey []byte
	client     *http.Client
}

func NewWebhookExecutor(cfg config.ActionsConfig) *WebhookExecutor {
	return &WebhookExecutor{
		url:        cfg.WebhookURL,
		signingKey: []byte(cfg.SigningKey),
		client:     &http.Client{Timeout: cfg.Timeout()},
	}
}

type actionEnvelope struct {
	ID     string                 `json:"id"`
	Action string                 `json:"action"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

type actionResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (e *WebhookExecutor) Execute(ctx context.Context, req pipeline.ActionRequest) (string, error) {
	body, err := json.Marshal(actionEnvelope{ID: req.ID, Action: req.Name, Args: req.Args})
	if err != nil {
		return "", fmt.Errorf("encode action: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", e.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if len(e.signingKey) > 0 {
		httpReq.Header.Set("X-Signature-256", "sha256="+e.sign(body))
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("action %s: %w", req.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("action %s: http %d: %s", req.Name, resp.StatusCode, msg)
	}

	var ar actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", fmt.Errorf("action %s: decode response: %w", req.Name, err)
	}
	if ar.Error != "" {
		return "", fmt.Errorf("action %s: %s", req.Name, ar.Error)
	}
	return ar.Result, nil
}

func (e *WebhookExecutor) sign(body []byte) string {
	mac := hmac.New(sha256.New, e.signingKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

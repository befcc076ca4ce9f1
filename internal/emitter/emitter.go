// Package emitter delivers final replies through a Messenger-style Send API.
// Long replies are split into chunks at sentence boundaries and sends are
// rate limited per recipient.
package emitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/config"
)

// SendAPIEmitter posts replies to the provider's Send API.
type SendAPIEmitter struct {
	apiURL    string
	pageToken string
	chunkLen  int
	client    *http.Client

	rpm      int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(cfg config.EmitterConfig) *SendAPIEmitter {
	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 20
	}
	chunkLen := cfg.MaxChunkLen
	if chunkLen <= 0 {
		chunkLen = 2000
	}
	return &SendAPIEmitter{
		apiURL:    strings.TrimRight(cfg.SendAPIURL, "/"),
		pageToken: cfg.PageToken,
		chunkLen:  chunkLen,
		client:    &http.Client{Timeout: 15 * time.Second},
		rpm:       rpm,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (e *SendAPIEmitter) limiter(senderID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[senderID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(e.rpm)/60.0), e.rpm/4+1)
		e.limiters[senderID] = l
	}
	return l
}

// Emit sends the reply, chunk by chunk, in order.
func (e *SendAPIEmitter) Emit(ctx context.Context, reply *bus.OutboundReply) error {
	chunks := splitChunks(reply.Text, e.chunkLen)
	lim := e.limiter(reply.SenderID)

	for i, chunk := range chunks {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if err := e.send(ctx, reply.SenderID, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	slog.Debug("reply emitted", "recipient", reply.SenderID, "chunks", len(chunks))
	return nil
}

func (e *SendAPIEmitter) send(ctx context.Context, recipientID, text string) error {
	body, err := json.Marshal(map[string]interface{}{
		"recipient":      map[string]string{"id": recipientID},
		"message":        map[string]string{"text": text},
		"messaging_type": "RESPONSE",
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/me/messages?access_token=%s", e.apiURL, e.pageToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("send api: http %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// splitChunks breaks text into pieces no longer than limit, preferring
// paragraph and sentence boundaries over hard cuts.
func splitChunks(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := lastBoundary(text[:limit])
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func lastBoundary(s string) int {
	if i := strings.LastIndex(s, "\n\n"); i > 0 {
		return i
	}
	for _, sep := range []string{". ", "! ", "? ", "\n"} {
		if i := strings.LastIndex(s, sep); i > 0 {
			return i + len(sep)
		}
	}
	if i := strings.LastIndex(s, " "); i > 0 {
		return i
	}
	return -1
}

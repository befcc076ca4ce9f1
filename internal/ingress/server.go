// Package ingress is the HTTP edge: it receives webhook deliveries, records
// them on the durable event log (falling back to direct in-process handling
// when the log is down), and serves the ops surface.
package ingress

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tidewater-ai/concierge/internal/aggregator"
	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/eventlog"
)

// DirectHandler receives events that could not be recorded on the log.
type DirectHandler func(ev *bus.InboundEvent)

// Server is the webhook and ops HTTP listener.
type Server struct {
	cfg      *config.Config
	log      eventlog.Log
	fallback DirectHandler
	agg      *aggregator.Aggregator
	hub      *Hub

	httpSrv *http.Server
}

func NewServer(cfg *config.Config, log eventlog.Log, fallback DirectHandler,
	agg *aggregator.Aggregator, hub *Hub) *Server {
	s := &Server{
		cfg:      cfg,
		log:      log,
		fallback: fallback,
		agg:      agg,
		hub:      hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /webhook", s.handleVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ops/metrics", s.requireOpsToken(s.handleMetrics))
	mux.HandleFunc("GET /ops/events", s.requireOpsToken(s.handleEventFeed))

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Ingress.Host, fmt.Sprintf("%d", cfg.Ingress.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	slog.Info("webhook server listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// handleVerify answers the provider's subscription challenge.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == s.cfg.Ingress.VerifyToken {
		w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(w, "verification failed", http.StatusForbidden)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	events, err := parseWebhook(body)
	if err != nil {
		slog.Warn("unparseable webhook delivery", "error", err)
		// 200 anyway: the provider would redeliver a payload we can never
		// parse, forever.
		w.Write([]byte("EVENT_RECEIVED"))
		return
	}

	for _, ev := range events {
		s.hub.Publish("inbound_event", ev)
		if _, err := s.log.Enqueue(r.Context(), ev); err != nil {
			// The log is unreachable: hand the event to the direct path
			// rather than dropping it. Ordering and replay are lost,
			// delivery is not.
			slog.Error("event log unreachable, processing directly",
				"sender", ev.SenderID, "error", err)
			s.fallback(ev)
		}
	}
	w.Write([]byte("EVENT_RECEIVED"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.agg.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"aggregator": snap,
		"open_turns": s.agg.OpenTurns(),
		"observers":  s.hub.Observers(),
	})
}

func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeHTTP(w, r)
}

func (s *Server) requireOpsToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(token, "Bearer "); ok {
			token = after
		} else {
			token = r.URL.Query().Get("token")
		}
		want := s.cfg.Ingress.OpsToken
		if want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

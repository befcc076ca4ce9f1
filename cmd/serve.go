package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tidewater-ai/concierge/internal/actions"
	"github.com/tidewater-ai/concierge/internal/aggregator"
	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/checkpoint"
	"github.com/tidewater-ai/concierge/internal/config"
	"github.com/tidewater-ai/concierge/internal/dispatcher"
	"github.com/tidewater-ai/concierge/internal/emitter"
	"github.com/tidewater-ai/concierge/internal/eventlog"
	"github.com/tidewater-ai/concierge/internal/ingress"
	"github.com/tidewater-ai/concierge/internal/oracle"
	"github.com/tidewater-ai/concierge/internal/pipeline"
	"github.com/tidewater-ai/concierge/internal/providers"
	"github.com/tidewater-ai/concierge/internal/retrieval"
	"github.com/tidewater-ai/concierge/internal/telemetry"
	"github.com/tidewater-ai/concierge/internal/vision"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook listener and turn-processing pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, cfgPath, cfg); err != nil {
		slog.Warn("config hot reload unavailable", "error", err)
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	// Durable event log, or the degraded in-process path when Redis is not
	// configured or not reachable at startup.
	var log eventlog.Log
	if cfg.EventLog.RedisURL != "" {
		redisLog, err := eventlog.NewRedisLog(ctx, cfg.EventLog)
		if err != nil {
			slog.Error("redis event log unavailable, running degraded", "error", err)
			log = eventlog.NewDirectLog(256)
		} else {
			log = redisLog
		}
	} else {
		slog.Warn("no CONCIERGE_REDIS_URL set, running without a durable event log")
		log = eventlog.NewDirectLog(256)
	}
	defer log.Close()

	store, err := checkpoint.New(ctx, cfg)
	if err != nil {
		slog.Error("checkpoint store unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	retryStore := checkpoint.WithRetry(store, cfg.Checkpoint)

	provider := providers.NewOpenAIProvider("openai",
		cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model, cfg.Provider.EmbedModel)
	guarded := oracle.Guard(oracle.NewLLM(provider), cfg.Pipeline.OracleTimeout())

	retriever := retrieval.NewQdrant(cfg.Retrieval.QdrantURL, cfg.Retrieval.Collection, provider)
	searcher := retrieval.NewWebSearcher(cfg.Retrieval.SearchAPIURL, cfg.Retrieval.SearchAPIKey)
	describer := vision.NewDescriber(provider)

	var executor pipeline.Executor
	if cfg.Actions.WebhookURL != "" {
		executor = actions.NewWebhookExecutor(cfg.Actions)
	} else {
		slog.Info("no action webhook configured, actions disabled")
	}

	pipe := pipeline.New(cfg, guarded, retriever, searcher, describer, executor, nil, retryStore)

	send := emitter.New(cfg.Emitter)
	profiles := dispatcher.NewProfileCache(emitter.NewProfileFetcher(cfg.Emitter), time.Hour)

	disp := dispatcher.New(cfg, retryStore, pipe, guarded, executor, send, profiles)

	hub := ingress.NewHub()
	agg := aggregator.New(cfg, func(conversationID string, turn *bus.AggregatedTurn, reason aggregator.FlushReason) {
		hub.Publish("turn_ready", map[string]interface{}{
			"conversation": conversationID,
			"reason":       string(reason),
			"merge_count":  turn.MergeCount,
		})
		disp.OnTurnReady(conversationID, turn)
	})

	dedupe := bus.NewDedupeCache(cfg.Dedup.TTL(), cfg.Dedup.MaxEntries)

	// Direct path: events that could not reach the log skip ack handling
	// but go through the same validate/dedupe/aggregate gates.
	direct := func(ev *bus.InboundEvent) {
		handleEvent(ev, dedupe, agg)
	}

	srv := ingress.NewServer(cfg, log, direct, agg, hub)

	go runConsumer(ctx, log, dedupe, agg)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("webhook server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	agg.FlushAll()
	disp.Shutdown(shutdownCtx)
}

// runConsumer drains the event log: validate, deduplicate, aggregate, ack.
func runConsumer(ctx context.Context, log eventlog.Log, dedupe *bus.DedupeCache, agg *aggregator.Aggregator) {
	entries := make(chan eventlog.Entry, 64)
	go func() {
		if err := log.Consume(ctx, entries); err != nil && ctx.Err() == nil {
			slog.Error("event log consumer stopped", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-entries:
			handleEvent(&entry.Event, dedupe, agg)
			if err := log.Ack(ctx, entry.ID); err != nil {
				slog.Warn("ack failed", "entry", entry.ID, "error", err)
			}
		}
	}
}

func handleEvent(ev *bus.InboundEvent, dedupe *bus.DedupeCache, agg *aggregator.Aggregator) {
	if !ev.Valid() {
		// Acknowledged by the caller either way; just never merged.
		slog.Warn("invalid event skipped", "tenant", ev.TenantID, "sender", ev.SenderID, "kind", ev.Kind)
		return
	}
	if !dedupe.ShouldProcess(bus.Signature(ev)) {
		slog.Debug("duplicate event ignored", "sender", ev.SenderID)
		return
	}
	agg.OnEvent(ev)
}

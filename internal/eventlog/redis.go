package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tidewater-ai/concierge/internal/bus"
	"github.com/tidewater-ai/concierge/internal/config"
)

// staleClaimIdle is how long a pending entry may sit with a dead consumer
// before another consumer claims it on startup.
const staleClaimIdle = 60 * time.Second

// RedisLog implements Log on a Redis Stream with a consumer group.
type RedisLog struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	blockDur time.Duration
	batch    int64
}

// NewRedisLog connects to Redis and ensures the stream + consumer group
// exist. Returns an error if Redis is unreachable; the caller decides whether
// to run degraded instead.
func NewRedisLog(ctx context.Context, cfg config.EventLogConfig) (*RedisLog, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	l := &RedisLog{
		rdb:      rdb,
		stream:   cfg.Stream,
		group:    cfg.ConsumerGroup,
		consumer: cfg.ConsumerName,
		blockDur: time.Duration(cfg.BlockMs) * time.Millisecond,
		batch:    int64(cfg.BatchSize),
	}
	if l.blockDur <= 0 {
		l.blockDur = 100 * time.Millisecond
	}
	if l.batch <= 0 {
		l.batch = 10
	}

	if err := l.ensureGroup(ctx); err != nil {
		rdb.Close()
		return nil, err
	}

	slog.Info("event log ready", "stream", l.stream, "group", l.group, "consumer", l.consumer)
	return l, nil
}

// ensureGroup creates the stream and consumer group if missing.
// BUSYGROUP means another process already created it, which is fine.
func (l *RedisLog) ensureGroup(ctx context.Context) error {
	err := l.rdb.XGroupCreateMkStream(ctx, l.stream, l.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (l *RedisLog) Enqueue(ctx context.Context, ev *bus.InboundEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]any{
			"tenant_id":   ev.TenantID,
			"sender_id":   ev.SenderID,
			"event_kind":  string(ev.Kind),
			"data":        string(data),
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	slog.Debug("event enqueued", "entry", id, "sender", ev.SenderID, "kind", ev.Kind)
	return id, nil
}

func (l *RedisLog) Consume(ctx context.Context, out chan<- Entry) error {
	slog.Info("event consumer started", "consumer", l.consumer)

	// Claim entries a crashed consumer left pending so nothing is lost.
	l.claimStale(ctx, out)

	for {
		if ctx.Err() != nil {
			slog.Info("event consumer stopped")
			return ctx.Err()
		}

		streams, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    l.group,
			Consumer: l.consumer,
			Streams:  []string{l.stream, ">"},
			Count:    l.batch,
			Block:    l.blockDur,
		}).Result()

		switch {
		case err == redis.Nil:
			continue // nothing new within the block window
		case err == nil:
		case strings.Contains(err.Error(), "NOGROUP"):
			slog.Warn("consumer group missing, recreating", "group", l.group)
			if gerr := l.ensureGroup(ctx); gerr != nil {
				slog.Error("recreate consumer group failed", "error", gerr)
				sleepCtx(ctx, 5*time.Second)
			}
			continue
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("event log read failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				entry, ok := l.parseEntry(msg)
				if !ok {
					// Unparseable entry: ack so it is not redelivered forever.
					slog.Warn("malformed log entry acknowledged and skipped", "entry", msg.ID)
					l.Ack(ctx, msg.ID)
					continue
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// claimStale takes over pending entries whose consumer has been idle past
// staleClaimIdle and delivers them to out. Best-effort: failures are logged,
// the entries stay pending for a later claim.
func (l *RedisLog) claimStale(ctx context.Context, out chan<- Entry) {
	start := "0-0"
	for {
		msgs, next, err := l.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   l.stream,
			Group:    l.group,
			Consumer: l.consumer,
			MinIdle:  staleClaimIdle,
			Start:    start,
			Count:    l.batch,
		}).Result()
		if err != nil {
			slog.Warn("stale entry claim failed", "error", err)
			return
		}
		for _, msg := range msgs {
			entry, ok := l.parseEntry(msg)
			if !ok {
				l.Ack(ctx, msg.ID)
				continue
			}
			slog.Info("replaying entry from crashed consumer", "entry", msg.ID)
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

func (l *RedisLog) parseEntry(msg redis.XMessage) (Entry, bool) {
	raw, _ := msg.Values["data"].(string)
	if raw == "" {
		return Entry{}, false
	}
	var ev bus.InboundEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Entry{}, false
	}
	return Entry{ID: msg.ID, Event: ev}, true
}

func (l *RedisLog) Ack(ctx context.Context, entryID string) error {
	if err := l.rdb.XAck(ctx, l.stream, l.group, entryID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", entryID, err)
	}
	return nil
}

// Ping reports whether the log backend is reachable.
func (l *RedisLog) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *RedisLog) Close() error {
	return l.rdb.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the Concierge control plane.
type Config struct {
	Ingress    IngressConfig    `json:"ingress"`
	EventLog   EventLogConfig   `json:"event_log"`
	Dedup      DedupConfig      `json:"dedup"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Provider   ProviderConfig   `json:"provider"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Actions    ActionsConfig    `json:"actions"`
	Emitter    EmitterConfig    `json:"emitter"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config hot-reload watcher.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ingress = src.Ingress
	c.EventLog = src.EventLog
	c.Dedup = src.Dedup
	c.Aggregator = src.Aggregator
	c.Pipeline = src.Pipeline
	c.Checkpoint = src.Checkpoint
	c.Provider = src.Provider
	c.Retrieval = src.Retrieval
	c.Actions = src.Actions
	c.Emitter = src.Emitter
	c.Telemetry = src.Telemetry
}

// IngressConfig configures the webhook HTTP listener.
type IngressConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	VerifyToken string `json:"-"` // from env CONCIERGE_VERIFY_TOKEN only
	OpsToken    string `json:"-"` // from env CONCIERGE_OPS_TOKEN only, guards /ops endpoints
}

// EventLogConfig configures the Redis Streams durable event log.
// RedisURL may carry credentials and is therefore env-only.
type EventLogConfig struct {
	RedisURL      string `json:"-"` // from env CONCIERGE_REDIS_URL only
	Stream        string `json:"stream,omitempty"`
	ConsumerGroup string `json:"consumer_group,omitempty"`
	ConsumerName  string `json:"consumer_name,omitempty"`
	BlockMs       int    `json:"block_ms,omitempty"`   // XREADGROUP block duration
	BatchSize     int    `json:"batch_size,omitempty"` // XREADGROUP count
}

// DedupConfig configures the replay filter.
type DedupConfig struct {
	TTLSeconds int `json:"ttl_seconds,omitempty"` // default 600
	MaxEntries int `json:"max_entries,omitempty"` // default 5000
}

func (d DedupConfig) TTL() time.Duration {
	if d.TTLSeconds <= 0 {
		return 600 * time.Second
	}
	return time.Duration(d.TTLSeconds) * time.Second
}

// AggregatorConfig configures the smart turn aggregator.
// All waits are in seconds; fractional values allowed.
type AggregatorConfig struct {
	WindowSeconds        float64 `json:"window_seconds,omitempty"`          // overall aggregation window (default 10)
	AttachmentWait       float64 `json:"attachment_wait_seconds,omitempty"` // text references an unseen image (default 8)
	FileWait             float64 `json:"file_wait_seconds,omitempty"`       // text references an unseen file (default 5)
	ShortQuestionWait    float64 `json:"short_question_wait_seconds,omitempty"` // default 3
	FastPathWait         float64 `json:"fast_path_wait_seconds,omitempty"`      // default 0.1
	ExtendOnMixedContent bool    `json:"extend_on_mixed_content,omitempty"`     // double remaining wait when text+image both present
}

func seconds(v, def float64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Second))
}

func (a AggregatorConfig) Window() time.Duration        { return seconds(a.WindowSeconds, 10) }
func (a AggregatorConfig) AttachmentDur() time.Duration { return seconds(a.AttachmentWait, 8) }
func (a AggregatorConfig) FileDur() time.Duration       { return seconds(a.FileWait, 5) }
func (a AggregatorConfig) ShortQuestionDur() time.Duration {
	return seconds(a.ShortQuestionWait, 3)
}
func (a AggregatorConfig) FastPathDur() time.Duration { return seconds(a.FastPathWait, 0.1) }

// PipelineConfig bounds the reasoning pipeline's cyclic loops and oracles.
type PipelineConfig struct {
	MaxDocsGraded          int `json:"max_docs_graded,omitempty"`          // default 8
	MaxRewriteRetries      int `json:"max_rewrite_retries,omitempty"`      // default 1
	MaxGroundednessRetries int `json:"max_groundedness_retries,omitempty"` // default 1
	MaxPendingActionDepth  int `json:"max_pending_action_depth,omitempty"` // default 5
	OracleTimeoutSeconds   int `json:"oracle_timeout_seconds,omitempty"`   // per-call (default 20)
	SummaryThreshold       int `json:"summary_threshold,omitempty"`        // messages before compaction (default 24)
}

func (p PipelineConfig) DocsGraded() int {
	if p.MaxDocsGraded <= 0 {
		return 8
	}
	return p.MaxDocsGraded
}

func (p PipelineConfig) RewriteCap() int {
	if p.MaxRewriteRetries < 0 {
		return 0
	}
	if p.MaxRewriteRetries == 0 {
		return 1
	}
	return p.MaxRewriteRetries
}

func (p PipelineConfig) GroundednessCap() int {
	if p.MaxGroundednessRetries < 0 {
		return 0
	}
	if p.MaxGroundednessRetries == 0 {
		return 1
	}
	return p.MaxGroundednessRetries
}

func (p PipelineConfig) PendingDepth() int {
	if p.MaxPendingActionDepth <= 0 {
		return 5
	}
	return p.MaxPendingActionDepth
}

func (p PipelineConfig) OracleTimeout() time.Duration {
	if p.OracleTimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(p.OracleTimeoutSeconds) * time.Second
}

// CheckpointConfig selects the conversation checkpoint backend.
// PostgresDSN is a secret and never read from the config file.
type CheckpointConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (sqlite, default) or "managed" (postgres)
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"` // from env CONCIERGE_POSTGRES_DSN only
	MaxRetries  int    `json:"max_retries,omitempty"`      // save/load retry attempts (default 3)
	RetryBaseMs int    `json:"retry_base_delay_ms,omitempty"` // default 200
}

// IsManagedMode returns true when checkpoints go to Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Checkpoint.Mode == "managed" && c.Checkpoint.PostgresDSN != ""
}

// ProviderConfig configures the LLM backend the oracles run on.
type ProviderConfig struct {
	APIKey     string `json:"-"` // from env CONCIERGE_PROVIDER_API_KEY only
	APIBase    string `json:"api_base,omitempty"`
	Model      string `json:"model,omitempty"`
	EmbedModel string `json:"embed_model,omitempty"`
}

// RetrievalConfig configures the vector index and web search collaborators.
type RetrievalConfig struct {
	QdrantURL    string `json:"qdrant_url,omitempty"`
	Collection   string `json:"collection,omitempty"`
	Limit        int    `json:"limit,omitempty"` // default 5
	SearchAPIURL string `json:"search_api_url,omitempty"`
	SearchAPIKey string `json:"-"` // from env CONCIERGE_SEARCH_API_KEY only
}

func (r RetrievalConfig) SearchLimit() int {
	if r.Limit <= 0 {
		return 5
	}
	return r.Limit
}

// ActionsConfig configures the business action webhook. Actions are
// disabled when no URL is set.
type ActionsConfig struct {
	WebhookURL     string `json:"webhook_url,omitempty"`
	SigningKey     string `json:"-"` // from env CONCIERGE_ACTIONS_KEY only
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // default 15
}

func (a ActionsConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// EmitterConfig configures the outbound Send API channel.
type EmitterConfig struct {
	SendAPIURL   string `json:"send_api_url,omitempty"`
	PageToken    string `json:"-"` // from env CONCIERGE_PAGE_TOKEN only
	RateLimitRPM int    `json:"rate_limit_rpm,omitempty"` // per-recipient sends per minute (default 20)
	MaxChunkLen  int    `json:"max_chunk_len,omitempty"`  // split long replies (default 2000)
}

// TelemetryConfig configures OpenTelemetry OTLP export for pipeline spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "concierge"
	Headers     map[string]string `json:"headers,omitempty"`
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Ingress: IngressConfig{
			Host: "0.0.0.0",
			Port: 18890,
		},
		EventLog: EventLogConfig{
			Stream:        "concierge:events",
			ConsumerGroup: "turn-processors",
			ConsumerName:  "worker-1",
			BlockMs:       100,
			BatchSize:     10,
		},
		Dedup: DedupConfig{
			TTLSeconds: 600,
			MaxEntries: 5000,
		},
		Aggregator: AggregatorConfig{
			WindowSeconds:        10,
			AttachmentWait:       8,
			FileWait:             5,
			ShortQuestionWait:    3,
			FastPathWait:         0.1,
			ExtendOnMixedContent: true,
		},
		Pipeline: PipelineConfig{
			MaxDocsGraded:          8,
			MaxRewriteRetries:      1,
			MaxGroundednessRetries: 1,
			MaxPendingActionDepth:  5,
			OracleTimeoutSeconds:   20,
			SummaryThreshold:       24,
		},
		Checkpoint: CheckpointConfig{
			Mode:        "standalone",
			SQLitePath:  "~/.concierge/conversations.db",
			MaxRetries:  3,
			RetryBaseMs: 200,
		},
		Provider: ProviderConfig{
			APIBase:    "https://api.openai.com/v1",
			Model:      "gpt-4o",
			EmbedModel: "text-embedding-3-small",
		},
		Retrieval: RetrievalConfig{
			Collection: "knowledge",
			Limit:      5,
		},
		Emitter: EmitterConfig{
			SendAPIURL:   "https://graph.facebook.com/v19.0/me/messages",
			RateLimitRPM: 20,
			MaxChunkLen:  2000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	// Secrets (never persisted in the config file)
	envStr("CONCIERGE_REDIS_URL", &c.EventLog.RedisURL)
	envStr("CONCIERGE_POSTGRES_DSN", &c.Checkpoint.PostgresDSN)
	envStr("CONCIERGE_PROVIDER_API_KEY", &c.Provider.APIKey)
	envStr("CONCIERGE_SEARCH_API_KEY", &c.Retrieval.SearchAPIKey)
	envStr("CONCIERGE_PAGE_TOKEN", &c.Emitter.PageToken)
	envStr("CONCIERGE_ACTIONS_KEY", &c.Actions.SigningKey)
	envStr("CONCIERGE_VERIFY_TOKEN", &c.Ingress.VerifyToken)
	envStr("CONCIERGE_OPS_TOKEN", &c.Ingress.OpsToken)

	// Listener
	envStr("CONCIERGE_HOST", &c.Ingress.Host)
	envInt("CONCIERGE_PORT", &c.Ingress.Port)

	// Event log
	envStr("CONCIERGE_STREAM", &c.EventLog.Stream)
	envStr("CONCIERGE_CONSUMER_GROUP", &c.EventLog.ConsumerGroup)
	envStr("CONCIERGE_CONSUMER_NAME", &c.EventLog.ConsumerName)

	// Tuning knobs
	envInt("CONCIERGE_DEDUP_TTL_SECONDS", &c.Dedup.TTLSeconds)
	envFloat("CONCIERGE_AGGREGATION_WINDOW_SECONDS", &c.Aggregator.WindowSeconds)
	envFloat("CONCIERGE_ATTACHMENT_WAIT_SECONDS", &c.Aggregator.AttachmentWait)
	envFloat("CONCIERGE_SHORT_QUESTION_WAIT_SECONDS", &c.Aggregator.ShortQuestionWait)
	envFloat("CONCIERGE_FAST_PATH_WAIT_SECONDS", &c.Aggregator.FastPathWait)
	envInt("CONCIERGE_MAX_DOCS_GRADED", &c.Pipeline.MaxDocsGraded)
	envInt("CONCIERGE_MAX_REWRITE_RETRIES", &c.Pipeline.MaxRewriteRetries)
	envInt("CONCIERGE_MAX_GROUNDEDNESS_RETRIES", &c.Pipeline.MaxGroundednessRetries)
	envInt("CONCIERGE_MAX_PENDING_ACTION_DEPTH", &c.Pipeline.MaxPendingActionDepth)

	// Provider + retrieval endpoints
	envStr("CONCIERGE_PROVIDER_API_BASE", &c.Provider.APIBase)
	envStr("CONCIERGE_MODEL", &c.Provider.Model)
	envStr("CONCIERGE_QDRANT_URL", &c.Retrieval.QdrantURL)
	envStr("CONCIERGE_COLLECTION", &c.Retrieval.Collection)

	// Checkpoint backend
	envStr("CONCIERGE_CHECKPOINT_MODE", &c.Checkpoint.Mode)
	envStr("CONCIERGE_SQLITE_PATH", &c.Checkpoint.SQLitePath)
	if c.Checkpoint.PostgresDSN != "" && c.Checkpoint.Mode == "" {
		c.Checkpoint.Mode = "managed"
	}
}

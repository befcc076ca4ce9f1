package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tidewater-ai/concierge/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("concierge doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Event log
	fmt.Println()
	fmt.Println("  Event log:")
	if cfg.EventLog.RedisURL == "" {
		fmt.Printf("    %-12s degraded (no CONCIERGE_REDIS_URL, in-process only)\n", "Mode:")
	} else {
		fmt.Printf("    %-12s redis streams\n", "Mode:")
		opts, parseErr := redis.ParseURL(cfg.EventLog.RedisURL)
		if parseErr != nil {
			fmt.Printf("    %-12s BAD URL (%s)\n", "Status:", parseErr)
		} else {
			rdb := redis.NewClient(opts)
			if pingErr := rdb.Ping(ctx).Err(); pingErr != nil {
				fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", pingErr)
			} else {
				fmt.Printf("    %-12s OK\n", "Status:")
			}
			rdb.Close()
		}
	}

	// Checkpoint store
	fmt.Println()
	fmt.Println("  Checkpoints:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed (postgres)\n", "Mode:")
		db, dbErr := sql.Open("pgx", cfg.Checkpoint.PostgresDSN)
		if dbErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", dbErr)
		} else if pingErr := db.PingContext(ctx); pingErr != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", pingErr)
			db.Close()
		} else {
			fmt.Printf("    %-12s OK\n", "Status:")
			db.Close()
		}
	} else {
		path := config.ExpandHome(cfg.Checkpoint.SQLitePath)
		if path == "" {
			path = "concierge.db"
		}
		fmt.Printf("    %-12s standalone (sqlite)\n", "Mode:")
		fmt.Printf("    %-12s %s\n", "Path:", path)
	}

	// Provider + retrieval credentials
	fmt.Println()
	fmt.Println("  Services:")
	checkSecret("Provider", cfg.Provider.APIKey)
	checkSecret("Search API", cfg.Retrieval.SearchAPIKey)
	checkSecret("Page token", cfg.Emitter.PageToken)
	checkEndpoint("Qdrant", cfg.Retrieval.QdrantURL)
	checkEndpoint("Actions", cfg.Actions.WebhookURL)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkSecret(name, value string) {
	if value == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := value
	if len(value) > 8 {
		masked = value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkEndpoint(name, url string) {
	if url == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", url)
	}
}

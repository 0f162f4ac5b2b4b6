// bgp-conflict-detector - detects concurrent BGP configuration changes before
// they reach production.
//
// A proposed change (a Git diff of BGP configs) is compared against the graph
// state store's log of recently committed changes. Overlaps are classified
// into conflicts with severity; unstable (flapping) sessions block changes
// outright.
//
// Usage:
//
//	bgp-conflict-detector check --diff-files="bgp/router01.yaml bgp/router02.yaml"
//	bgp-conflict-detector serve --listen=:8001
//
// Environment variables (alternative to flags):
//
//	STATE_SOURCE_URL         - Graph state store base URL
//	STATE_SOURCE_TOKEN       - Bearer token for the state store
//	STATE_STREAM_URL         - Websocket URL for live session state events
//	REDIS_URL                - Redis URL for shared flap state (optional)
//	DATABASE_URL             - PostgreSQL URL for the conflict audit trail (optional)
//	DETECTION_WINDOW_MINUTES - Conflict detection window
//	FLAP_WINDOW_SECONDS      - Flap detection window
//	FLAP_THRESHOLD           - Transitions within the flap window that mean flapping
package main

import (
	"context"
	"log"
	"os"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/config"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/database"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/flaptracker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	configPath string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bgp-conflict-detector",
	Short: "Detect concurrent BGP configuration changes before they reach production",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		cfg.ApplyEnv()
		return nil
	},
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "bgp-conflict-detector.json", "Path to JSON config file")

	if err := rootCmd.Execute(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(2)
	}
}

// newFlapTracker builds the tracker, backed by Redis when configured so
// service replicas and CI runs share flap state.
func newFlapTracker() *flaptracker.Tracker {
	var store flaptracker.Store
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: Invalid Redis URL: %v", err)
		} else {
			client := redis.NewClient(opt)
			if err := client.Ping(context.Background()).Err(); err != nil {
				log.Printf("Warning: Redis connection failed: %v", err)
			} else {
				log.Printf("Connected to Redis: %s", cfg.RedisURL)
				store = flaptracker.NewRedisStore(client)
			}
		}
	}
	return flaptracker.New(cfg.FlapWindow(), cfg.FlapThreshold, store)
}

// newAuditWriter builds the optional conflict audit writer. Returns nil when
// no database is configured or the connection fails.
func newAuditWriter() *database.ConflictWriter {
	if cfg.DatabaseURL == "" {
		return nil
	}
	writer, err := database.NewConflictWriter(cfg.DatabaseURL)
	if err != nil {
		log.Printf("Warning: Database connection failed: %v", err)
		return nil
	}
	writer.Start()
	return writer
}

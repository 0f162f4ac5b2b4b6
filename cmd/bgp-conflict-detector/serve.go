package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/engine"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/server"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/statesource"
	"github.com/jalaluddinkhan1/bgp-conflict-detector/pkg/statestream"
	"github.com/spf13/cobra"
)

var (
	listenFlag        string
	statsIntervalFlag time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conflict detection HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", "", "Listen address (defaults to config)")
	serveCmd.Flags().DurationVar(&statsIntervalFlag, "stats", 30*time.Second, "Stats logging interval")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	addr := listenFlag
	if addr == "" {
		addr = cfg.ListenAddr
	}

	source := statesource.NewClient(cfg.StateSourceURL, cfg.StateSourceToken, cfg.QueryTimeout(), cfg.QueryRetries)
	tracker := newFlapTracker()
	writer := newAuditWriter()

	var sink engine.ConflictSink
	if writer != nil {
		sink = writer
	}

	// Live flap feed: without it the tracker only reflects transitions
	// recorded through a shared Redis store.
	var stream *statestream.Client
	if cfg.StateStreamURL != "" {
		stream = statestream.NewClient(cfg.StateStreamURL, cfg.StateSourceToken, tracker)
		stream.Start()
	} else {
		log.Printf("No state stream configured - flap detection relies on shared flap state only")
	}

	eng := engine.New(cfg, source, tracker, sink, nil)
	srv := server.New(cfg, eng)

	// Stats logger
	go func() {
		ticker := time.NewTicker(statsIntervalFlag)
		defer ticker.Stop()
		for range ticker.C {
			stats := srv.Stats()
			if stream != nil {
				streamStats := stream.Stats()
				log.Printf("STATS: checks=%v, conflicts=%v, indeterminate=%v, stream_transitions=%v, stream_connected=%v",
					stats["checks_run"], stats["conflicts_detected"], stats["indeterminate_runs"],
					streamStats["transitions_recorded"], streamStats["connected"])
				continue
			}
			log.Printf("STATS: checks=%v, conflicts=%v, indeterminate=%v",
				stats["checks_run"], stats["conflicts_detected"], stats["indeterminate_runs"])
		}
	}()

	// Shut the stream and writer down cleanly on SIGINT/SIGTERM.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutting down...")
		if stream != nil {
			stream.Stop()
		}
		if writer != nil {
			writer.Stop()
		}
		os.Exit(0)
	}()

	return srv.Run(addr)
}

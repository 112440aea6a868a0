// Command searchsyncd keeps the semantic vector index synchronized
// with the relational source-of-record. It is a long-running service:
// live change notifications drive low-latency updates, and periodic
// reconciliation sweeps guarantee the index converges even when
// notifications are lost.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxmind/searchsync/internal/config"
	"github.com/voxmind/searchsync/internal/engine"
	"github.com/voxmind/searchsync/internal/logging"
	"github.com/voxmind/searchsync/internal/state"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "searchsyncd",
	Short: "Hybrid-search consistency engine",
	Long: `searchsyncd keeps the semantic search index consistent with the
relational store of business entities (products, business rules).

It listens for change notifications, re-embeds and re-indexes changed
entities, invalidates caches, retries transient failures with backoff,
and periodically reconciles the whole index against the source to
repair any drift the event path missed.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine",
	Long: `Run the full engine: change-capture listener, worker pool,
embedding pipeline, retry queue, reconciliation scheduler, and the
operator dashboard. Blocks until SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := engine.New(ctx, cfg, log)
		if err != nil {
			return err
		}

		// Hot-reload tunables when an explicit config file changes.
		if cfgFile != "" {
			watcher, err := config.NewWatcher(cfgFile)
			if err != nil {
				log.Warn().Err(err).Msg("config reload disabled")
			} else {
				watcher.Subscribe(eng.ApplyConfig)
				go watcher.Run(ctx, func(err error) {
					log.Warn().Err(err).Msg("config reload failed")
				})
			}
		}

		return eng.Run(ctx)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation sweep and exit",
	Long: `Compare the source-of-record against the vector index, repair
every discrepancy (missing, stale, deactivated, orphaned), and exit.
Useful after restoring a database or deploying a new embedding model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := engine.New(ctx, cfg, log)
		if err != nil {
			return err
		}

		start := time.Now()
		stats, err := eng.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Sweep complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Scanned:     %d\n", stats.Scanned)
		fmt.Printf("  Stale:       %d\n", stats.Stale)
		fmt.Printf("  Missing:     %d\n", stats.Missing)
		fmt.Printf("  Deactivated: %d\n", stats.Deactived)
		fmt.Printf("  Orphans:     %d\n", stats.Orphans)
		return nil
	},
}

var deadletterLimit int

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect permanently-failed sync jobs",
	Long: `List jobs that exhausted their retries or failed permanently.
Each record keeps the original change event payload so the failure can
be reproduced and fixed by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Reads only the local state database; no network needed.
		db, err := state.Open(cfg.StatePath)
		if err != nil {
			return err
		}
		defer db.Close()

		records, err := db.ListDeadLetters(context.Background(), deadletterLimit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No dead-lettered jobs.")
			return nil
		}
		for _, rec := range records {
			fmt.Printf("%s  %s %s/%s v%d attempts=%d class=%s\n",
				rec.CreatedAt.Format(time.RFC3339),
				rec.Event.Op, rec.Event.Type, rec.Event.EntityID,
				rec.Event.SourceVersion, rec.Attempts, rec.Class)
			fmt.Printf("    %s\n", rec.LastErr)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searchsync.yaml in . or /etc/searchsync)")
	deadletterCmd.Flags().IntVar(&deadletterLimit, "limit", 50, "maximum records to list")
	rootCmd.AddCommand(serveCmd, sweepCmd, deadletterCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

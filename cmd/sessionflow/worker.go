package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the durable host without the HTTP API",
	Long: `Drive pending and interrupted runs from the shared run database, scanning
it periodically for runs scheduled by other processes.

Start several workers against the same database with lease.redis_addr set
so each run is driven by exactly one of them.`,
	RunE: runWorker,
}

var scanFlag time.Duration

func init() {
	workerCmd.Flags().DurationVar(&scanFlag, "scan-interval", 5*time.Second, "How often to look for runs scheduled elsewhere")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting run host: %w", err)
	}
	a.log.Info("worker started", "workers", a.cfg.Host.Workers, "db", a.cfg.Storage.DBPath)

	ticker := time.NewTicker(scanFlag)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.log.Info("worker stopping; in-flight runs will resume on the next start")
			return nil
		case <-ticker.C:
			n, err := a.engine.Recover(ctx)
			if err != nil {
				a.log.Warn("scanning for runs", "error", err)
			} else if n > 0 {
				a.log.Debug("queued runs", "count", n)
			}
		}
	}
}

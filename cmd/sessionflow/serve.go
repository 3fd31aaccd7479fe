package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/sessionflow/internal/server"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workflow API server and run host",
	Long: `Start the HTTP API together with the durable run host.

Runs left pending or running by a previous process are resumed from their
journal on startup.

Examples:
  sessionflow serve
  sessionflow serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting run host: %w", err)
	}

	// Determine port
	port := a.cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	// Watchers also follow runs that worker processes drive
	if a.nats != nil {
		unsubscribe, err := a.nats.Forward(a.broker, a.log)
		if err != nil {
			return err
		}
		defer unsubscribe()
	}

	srv := server.New(a.engine, a.store, a.broker, a.cfg.Settings(), a.log)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		shutdownCtx, cancel := shutdownTimeout()
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/sessionflow/internal/config"
	"github.com/michaelbrown/sessionflow/internal/durable"
	"github.com/michaelbrown/sessionflow/internal/events"
	"github.com/michaelbrown/sessionflow/internal/lease"
	"github.com/michaelbrown/sessionflow/internal/logging"
	"github.com/michaelbrown/sessionflow/internal/sandbox"
	"github.com/michaelbrown/sessionflow/internal/session"
	"github.com/michaelbrown/sessionflow/internal/storage"
	"github.com/michaelbrown/sessionflow/internal/storage/sqlite"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

// app is everything a host process runs: storage, the session backend, event
// fan-out, leases and the durable engine.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	store  storage.Store
	broker *events.Broker
	nats   *events.NATSPublisher
	engine *durable.Engine

	closers []func() error
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevelFlag != "" {
		cfg.Logging.Level = logLevelFlag
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logging.Setup(cfg.Logging.Level)}

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	// Storage
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating storage directory: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	// Session backend
	client, err := a.sessionClient()
	if err != nil {
		return err
	}

	// Events: in-process broker for websocket watchers, NATS when configured
	a.broker = events.NewBroker()
	pubs := events.Multi{a.broker}
	if cfg.Events.NATSURL != "" {
		np, err := events.NewNATSPublisher(events.NATSConfig{URL: cfg.Events.NATSURL, Subject: cfg.Events.Subject})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, np.Close)
		a.nats = np
		pubs = append(pubs, np)
		a.log.Info("publishing run events to nats", "url", cfg.Events.NATSURL, "subject", cfg.Events.Subject)
	}

	// Leases
	var locker lease.Locker = lease.Noop{}
	if cfg.Lease.RedisAddr != "" {
		rl, err := lease.DialRedis(ctx, cfg.Lease.RedisAddr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
		a.log.Info("using redis run leases", "addr", cfg.Lease.RedisAddr, "ttl", cfg.Lease.TTL)
	}

	engine, err := durable.New(durable.Options{
		Store:     store,
		Runner:    workflow.New(client),
		Workers:   cfg.Host.Workers,
		Retry:     cfg.RetryPolicy(),
		Publisher: pubs,
		Locker:    locker,
		LeaseTTL:  cfg.Lease.TTL,
		Logger:    a.log,
	})
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

func (a *app) sessionClient() (session.Client, error) {
	cfg := a.cfg
	switch cfg.Backend {
	case config.BackendLocal:
		sb := sandbox.NewDockerSandbox(sandbox.DefaultPolicy())
		local, err := sandbox.NewLocalSessions(cfg.Local.Root, cfg.Local.Image, sb, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, local.Close)
		a.log.Info("using local docker sessions", "root", cfg.Local.Root, "image", local.Image)
		return local, nil

	default:
		tokens, err := cfg.TokenProvider()
		if err != nil {
			return nil, err
		}
		return session.NewHTTPClient(session.Options{
			BaseURL:        cfg.Session.BaseURL,
			PoolResourceID: cfg.Session.PoolResourceID,
			APIVersion:     cfg.Session.APIVersion,
			Scope:          cfg.Session.TokenScope,
			Tokens:         tokens,
			HTTPClient:     &http.Client{Timeout: cfg.Session.HTTPTimeout},
			Logger:         a.log,
		})
	}
}

// Close stops the engine and releases resources in reverse order.
func (a *app) Close() error {
	if a.engine != nil {
		a.engine.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore opens the run database without wiring a session backend.
func openStore() (storage.Store, error) {
	// Store commands work without session credentials
	cfg, err := config.LoadFileUnvalidated(configFlag)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

// apiBaseURL resolves the server the client commands talk to.
func apiBaseURL() string {
	if serverFlag != "" {
		return serverFlag
	}
	if v := os.Getenv("SESSIONFLOW_SERVER"); v != "" {
		return v
	}
	port := 8080
	if cfg, err := config.LoadFileUnvalidated(configFlag); err == nil && cfg.Server.Port > 0 {
		port = cfg.Server.Port
	}
	return fmt.Sprintf("http://localhost:%d", port)
}

func shutdownTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

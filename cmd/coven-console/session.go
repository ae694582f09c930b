// ABOUTME: Session setup shared by every subcommand: config, store, gateway connection, runtime.
// ABOUTME: A session is ready once the runtime has seen the gateway connect and loaded the fleet.

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/2389/coven-console/internal/config"
	"github.com/2389/coven-console/internal/console"
	"github.com/2389/coven-console/internal/fleet"
	"github.com/2389/coven-console/internal/gatewayclient"
	"github.com/2389/coven-console/internal/metrics"
	"github.com/2389/coven-console/internal/store"
)

const (
	connectTimeout = 15 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// loadConfig reads path. A missing file at the default location falls back
// to built-in defaults; an explicitly named file must exist.
func loadConfig(path string) (*config.Config, string, error) {
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}

	cfg = config.Default()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("validating default config: %w", err)
	}
	return cfg, "", nil
}

type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *gatewayclient.Client
	runtime *console.Runtime
	store   *store.SQLiteStore
	metrics *metrics.Metrics

	cancel  context.CancelFunc
	runDone chan error
	gwDone  chan error
}

// openSession connects to the gateway and starts the runtime. The caller
// must call close.
func openSession(ctx context.Context, configPath string) (*session, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	client, err := gatewayclient.New(gatewayclient.Options{
		URL:           cfg.Gateway.URL,
		Token:         cfg.Gateway.Token,
		ClientName:    "coven-console",
		ClientVersion: version,
		DedupeTTL:     cfg.Console.DedupeTTL,
		Logger:        logger,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	rt := console.New(client, console.Options{
		Scope:                 cfg.Gateway.Scope(),
		Local:                 cfg.Gateway.IsLocal(),
		RestartMaxWait:        cfg.Console.RestartMaxWait,
		ReconcileInterval:     cfg.Console.ReconcileInterval,
		ProbeTimeout:          cfg.Console.ProbeTimeout,
		PatchFlushInterval:    cfg.Console.PatchFlushInterval,
		ApprovalSweepInterval: cfg.Console.ApprovalSweepInterval,
		DedupeTTL:             cfg.Console.DedupeTTL,
		Store:                 st,
		Metrics:               m,
		Logger:                logger,
	})
	if err := rt.Start(ctx); err != nil {
		logger.Warn("loading pending setups failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:     cfg,
		logger:  logger,
		client:  client,
		runtime: rt,
		store:   st,
		metrics: m,
		cancel:  cancel,
		runDone: make(chan error, 1),
		gwDone:  make(chan error, 1),
	}
	go func() { s.gwDone <- client.Run(runCtx) }()
	go func() { s.runDone <- rt.Run(runCtx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, connectTimeout)
	defer waitCancel()
	if err := client.WaitConnected(waitCtx); err != nil {
		s.close()
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Gateway.URL, err)
	}
	ready := func() bool {
		return rt.Status() == fleet.Connected && rt.Fleet().Snapshot().Loaded
	}
	if err := waitUntil(waitCtx, ready); err != nil {
		s.close()
		return nil, fmt.Errorf("loading fleet: %w", err)
	}
	return s, nil
}

// waitMutation blocks until no mutation holds the block, printing notices
// as they arrive.
func (s *session) waitMutation(ctx context.Context, out *printer) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Console.RestartMaxWait+connectTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, active := s.runtime.ActiveMutation(); !active {
			s.drainNotices(out)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for the mutation to finish: %w", ctx.Err())
		case n := <-s.runtime.Notices():
			out.notice(n)
		case <-ticker.C:
		}
	}
}

func (s *session) drainNotices(out *printer) {
	for {
		select {
		case n := <-s.runtime.Notices():
			out.notice(n)
		default:
			return
		}
	}
}

func (s *session) close() {
	s.cancel()
	if err := <-s.runDone; err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("runtime stopped", "error", err)
	}
	if err := <-s.gwDone; err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("gateway client stopped", "error", err)
	}
	s.runtime.Close()
	if err := s.client.Close(); err != nil {
		s.logger.Debug("closing gateway client", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing store", "error", err)
	}
}

func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"portkeeper/internal/allocator"
	"portkeeper/internal/config"
	"portkeeper/internal/health"
	"portkeeper/internal/history"
	historyfactory "portkeeper/internal/history/factory"
	"portkeeper/internal/registry"
	"portkeeper/internal/store"
	storefactory "portkeeper/internal/store/factory"
)

// session wires the embedded stack for direct store access. The CLI and
// the daemon share the same wiring; allocation atomicity comes from the
// store, so concurrent CLI invocations and a running daemon can safely
// share one database.
type session struct {
	cfg   config.FileConfig
	st    store.Store
	alloc *allocator.Allocator
	reg   *registry.Registry
	sink  history.Sink
}

func defaultStateDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "portkeeper.db"
	}
	return filepath.Join(home, ".portkeeper", "state.db")
}

func openSession(ctx context.Context, configPath string) (*session, error) {
	var cfg config.FileConfig
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	dsn := cfg.Store.DSN
	if dsn == "" {
		dsn = defaultStateDSN()
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	alloc := allocator.New(st, cfg.AllocatorConfig())
	for _, p := range cfg.Allocator.ReservedPorts {
		if err := alloc.ReserveStatic(ctx, p); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("reserve static port %d: %w", p, err)
		}
	}

	reg, err := registry.New(ctx, st, alloc)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	s := &session{cfg: cfg, st: st, alloc: alloc, reg: reg}
	if cfg.History.DSN != "" {
		sink, err := historyfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		s.sink = sink
		alloc.SetHistorySinks(sink)
		reg.SetHistorySinks(sink)
	}
	return s, nil
}

func (s *session) checker() *health.Checker {
	return health.New(s.reg, s.cfg.HealthConfig())
}

func (s *session) Close() {
	if c, ok := s.sink.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	_ = s.st.Close()
}

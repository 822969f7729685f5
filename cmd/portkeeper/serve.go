package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"portkeeper/internal/logger"
	"portkeeper/internal/metrics"
	"portkeeper/internal/server"
)

func createServeCommand(global *GlobalFlags, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the portkeeper REST daemon",
		Long: `Run the REST daemon: the allocation and registry API, the periodic
health check loop, and a Prometheus /metrics endpoint.

Examples:
  portkeeper serve --config=/etc/portkeeper/portkeeper.toml
  portkeeper serve --listen=:4040 --base-path=/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), global, f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides config, default :4040)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (overrides config, default /api)")
	return cmd
}

func runServe(ctx context.Context, global *GlobalFlags, f *ServeFlags) error {
	s, err := openSession(ctx, global.ConfigPath)
	if err != nil {
		return err
	}
	defer s.Close()

	_, logCloser := logger.Setup(s.cfg.Log)
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("metrics registration failed", "error", err)
	}

	checker := s.checker()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go checker.Run(runCtx)

	listen := f.Listen
	if listen == "" {
		listen = s.cfg.ListenAddr()
	}
	basePath := f.BasePath
	if basePath == "" {
		basePath = s.cfg.Server.BasePath
	}
	if basePath == "" {
		basePath = "/api"
	}

	router := server.NewRouter(s.alloc, s.reg, checker, basePath)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", router.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("portkeeper daemon started", "listen", listen, "base_path", basePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

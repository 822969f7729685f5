package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"portkeeper/internal/registry"
)

const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 2 * time.Second
)

// Config controls the periodic health check loop.
type Config struct {
	// Interval between check rounds. Defaults to DefaultInterval.
	Interval time.Duration
	// Timeout bounds a single probe. Defaults to DefaultTimeout.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive probe failures that
	// marks a running service unhealthy. Defaults to
	// registry.DefaultFailureThreshold.
	FailureThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = registry.DefaultFailureThreshold
	}
	return c
}

// Checker periodically probes registered services and feeds the results
// back into the registry.
type Checker struct {
	reg        *registry.Registry
	cfg        Config
	httpClient *http.Client

	mu     sync.Mutex
	custom map[string]ProbeFunc
}

func New(reg *registry.Registry, cfg Config) *Checker {
	cfg = cfg.withDefaults()
	return &Checker{
		reg:        reg,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		custom:     make(map[string]ProbeFunc),
	}
}

// RegisterProbe installs a custom probe under name. Services with a
// custom check type reference it through their check target.
func (c *Checker) RegisterProbe(name string, fn ProbeFunc) {
	c.mu.Lock()
	c.custom[name] = fn
	c.mu.Unlock()
}

// Run drives the check loop until ctx is cancelled. One round runs
// immediately, then every Interval.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	c.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

// CheckNow probes a single service once and applies the result. It
// returns the probe error, if any.
func (c *Checker) CheckNow(ctx context.Context, rec registry.Record) error {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	err := c.probe(pctx, rec)
	c.apply(ctx, rec, err)
	return err
}

func (c *Checker) checkAll(ctx context.Context) {
	recs, err := c.reg.List(ctx, registry.Filter{})
	if err != nil {
		slog.Warn("health: list services failed", "error", err)
		return
	}
	var wg sync.WaitGroup
	for _, rec := range recs {
		if rec.Status == registry.StatusStopped {
			continue
		}
		if rec.HealthCheckType == registry.CheckNone || rec.HealthCheckType == "" {
			continue
		}
		wg.Add(1)
		go func(rec registry.Record) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
			perr := c.probe(pctx, rec)
			c.apply(ctx, rec, perr)
		}(rec)
	}
	wg.Wait()
}

func (c *Checker) apply(ctx context.Context, rec registry.Record, probeErr error) {
	if probeErr != nil {
		slog.Debug("health: probe failed", "service", rec.Identity.Key(), "type", rec.HealthCheckType, "error", probeErr)
	}
	if err := c.reg.ApplyProbeResult(ctx, rec.Identity, rec.Generation, probeErr, c.cfg.FailureThreshold); err != nil {
		slog.Warn("health: apply probe result failed", "service", rec.Identity.Key(), "error", err)
	}
}

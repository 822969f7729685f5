package portkeeper

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"portkeeper/internal/allocator"
	cfg "portkeeper/internal/config"
	"portkeeper/internal/health"
	"portkeeper/internal/history"
	historyfactory "portkeeper/internal/history/factory"
	"portkeeper/internal/identity"
	"portkeeper/internal/metrics"
	"portkeeper/internal/registry"
	iapi "portkeeper/internal/server"
	"portkeeper/internal/store"
	storefactory "portkeeper/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ID = identity.ID

type AllocateOptions = allocator.Options

type Range = allocator.Range

type Allocation = allocator.Record

type Service = registry.Record

type Status = registry.Status

type CheckType = registry.CheckType

type Filter = registry.Filter

type HealthConfig = health.Config

type ProbeFunc = health.ProbeFunc

type HistorySink = history.Sink

type Store = store.Store

const (
	StatusRegistered = registry.StatusRegistered
	StatusStarting   = registry.StatusStarting
	StatusRunning    = registry.StatusRunning
	StatusUnhealthy  = registry.StatusUnhealthy
	StatusStopped    = registry.StatusStopped
)

const (
	CheckTCP     = registry.CheckTCP
	CheckHTTP    = registry.CheckHTTP
	CheckCommand = registry.CheckCommand
	CheckCustom  = registry.CheckCustom
	CheckNone    = registry.CheckNone
)

// NewID builds an identity, defaulting the instance to "default".
func NewID(app, instance string) ID { return identity.New(app, instance) }

// ParseID parses the "<app_id>:<instance_id>" key form.
func ParseID(key string) (ID, error) { return identity.Parse(key) }

// Keeper is a thin facade over the allocator and registry for embedding.
type Keeper struct {
	st      store.Store
	alloc   *allocator.Allocator
	reg     *registry.Registry
	checker *health.Checker
}

// Config selects the backing store and tuning for an embedded Keeper.
// Zero values give an in-memory store, the default 5000-9000 range and
// default health tuning.
type Config struct {
	// StoreDSN: sqlite://path, postgres://..., memory:// (default).
	StoreDSN string
	// HistoryDSN optionally exports lifecycle events (sqlite path,
	// postgres://, clickhouse://).
	HistoryDSN string
	Allocator  allocator.Config
	Health     health.Config
}

// New builds an embedded Keeper.
func New(ctx context.Context, c Config) (*Keeper, error) {
	dsn := c.StoreDSN
	if dsn == "" {
		dsn = "memory://"
	}
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	alloc := allocator.New(st, c.Allocator)
	reg, err := registry.New(ctx, st, alloc)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if c.HistoryDSN != "" {
		sink, err := historyfactory.NewSinkFromDSN(c.HistoryDSN)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		alloc.SetHistorySinks(sink)
		reg.SetHistorySinks(sink)
	}
	return &Keeper{
		st:      st,
		alloc:   alloc,
		reg:     reg,
		checker: health.New(reg, c.Health),
	}, nil
}

// Close releases the backing store.
func (k *Keeper) Close() error { return k.st.Close() }

// Allocate reserves a port for id.
func (k *Keeper) Allocate(ctx context.Context, id ID, opts AllocateOptions) (int, error) {
	return k.alloc.Allocate(ctx, id, opts)
}

// Release gives up id's port. Idempotent.
func (k *Keeper) Release(ctx context.Context, id ID) error { return k.alloc.Release(ctx, id) }

// AssignedPort returns the port reserved for id.
func (k *Keeper) AssignedPort(ctx context.Context, id ID) (int, error) {
	return k.alloc.Assigned(ctx, id)
}

// IsAvailable reports whether port could be allocated right now.
func (k *Keeper) IsAvailable(ctx context.Context, port int) (bool, error) {
	return k.alloc.IsAvailable(ctx, port)
}

// FindAvailable returns a free port in rng without reserving it.
func (k *Keeper) FindAvailable(ctx context.Context, rng Range) (int, error) {
	return k.alloc.FindAvailable(ctx, rng)
}

// ReserveStatic excludes port from automatic allocation.
func (k *Keeper) ReserveStatic(ctx context.Context, port int) error {
	return k.alloc.ReserveStatic(ctx, port)
}

// UnreserveStatic removes a static exclusion.
func (k *Keeper) UnreserveStatic(ctx context.Context, port int) error {
	return k.alloc.UnreserveStatic(ctx, port)
}

// Allocations lists all allocation records.
func (k *Keeper) Allocations(ctx context.Context) ([]Allocation, error) {
	return k.alloc.Assignments(ctx)
}

// Register adds a service record for an identity holding an allocation.
func (k *Keeper) Register(ctx context.Context, s Service) (Service, error) {
	return k.reg.Register(ctx, s)
}

// Unregister removes a service record. The port stays allocated.
func (k *Keeper) Unregister(ctx context.Context, id ID) error { return k.reg.Unregister(ctx, id) }

// UpdateStatus applies a forward-or-lateral lifecycle transition.
func (k *Keeper) UpdateStatus(ctx context.Context, id ID, to Status) error {
	return k.reg.UpdateStatus(ctx, id, to)
}

// GetService returns one service record.
func (k *Keeper) GetService(ctx context.Context, id ID) (Service, error) { return k.reg.Get(ctx, id) }

// ListServices lists service records matching f.
func (k *Keeper) ListServices(ctx context.Context, f Filter) ([]Service, error) {
	return k.reg.List(ctx, f)
}

// ResolveDependencies returns id's transitive requirements in start
// order, ending with id.
func (k *Keeper) ResolveDependencies(ctx context.Context, id ID) ([]ID, error) {
	return k.reg.ResolveDependencies(ctx, id)
}

// RegisterProbe installs a custom health probe by name.
func (k *Keeper) RegisterProbe(name string, fn ProbeFunc) { k.checker.RegisterProbe(name, fn) }

// RunHealthChecks drives the periodic health loop until ctx is done.
func (k *Keeper) RunHealthChecks(ctx context.Context) { k.checker.Run(ctx) }

// CheckNow probes one service immediately and applies the result.
func (k *Keeper) CheckNow(ctx context.Context, s Service) error { return k.checker.CheckNow(ctx, s) }

// SetHistorySinks replaces the event sinks on both the allocator and
// the registry.
func (k *Keeper) SetHistorySinks(sinks ...HistorySink) {
	k.alloc.SetHistorySinks(sinks...)
	k.reg.SetHistorySinks(sinks...)
}

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (cfg.FileConfig, error) { return cfg.Load(path) }

// NewHistorySink builds an event sink from a DSN.
func NewHistorySink(dsn string) (HistorySink, error) { return historyfactory.NewSinkFromDSN(dsn) }

// NewHTTPServer starts an HTTP server exposing the REST API for k.
func NewHTTPServer(addr, basePath string, k *Keeper) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(k.alloc, k.reg, k.checker, basePath))
}

// APIHandler returns the REST API as an http.Handler so it can be
// mounted into an existing gin or echo application.
func (k *Keeper) APIHandler(basePath string) http.Handler {
	return iapi.NewRouter(k.alloc, k.reg, k.checker, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"portkeeper/internal/allocator"
	"portkeeper/internal/depgraph"
	"portkeeper/internal/history"
	"portkeeper/internal/identity"
	"portkeeper/internal/metrics"
	"portkeeper/internal/store"
)

var (
	// ErrNotFound is returned for an unknown identity.
	ErrNotFound = errors.New("service not found")
	// ErrDuplicateIdentity means the identity is already registered and
	// not stopped.
	ErrDuplicateIdentity = errors.New("duplicate identity")
	// ErrAllocationMismatch means no matching reserved port allocation
	// exists for the identity.
	ErrAllocationMismatch = errors.New("allocation mismatch")
	// ErrInvalidTransition means the requested status change is neither
	// forward nor lateral.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DefaultFailureThreshold is the consecutive-failure count that flips a
// running service to unhealthy.
const DefaultFailureThreshold = 3

// Registry owns service records and the dependency graph. Registration
// holds the broad mutex so cycle detection stays consistent under
// concurrent registrations; per-identity mutations additionally run inside
// a store.Update section for cross-process atomicity.
type Registry struct {
	st    store.Store
	alloc *allocator.Allocator

	mu    sync.Mutex
	graph *depgraph.Graph
	sinks []history.Sink
}

// New loads existing service records from st and rebuilds the dependency
// graph in registration order.
func New(ctx context.Context, st store.Store, alloc *allocator.Allocator) (*Registry, error) {
	r := &Registry{st: st, alloc: alloc, graph: depgraph.New()}
	recs, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	sortByRegistration(recs)
	active := 0
	for _, rec := range recs {
		// a persisted cycle would mean the invariant was violated on disk
		if err := r.graph.Add(rec.Identity.Key(), rec.Dependencies); err != nil {
			return nil, fmt.Errorf("%w: stored dependency graph: %v", store.ErrCorrupt, err)
		}
		if rec.Status != StatusStopped {
			active++
		}
	}
	metrics.SetRegisteredServices(active)
	return r, nil
}

// SetHistorySinks configures external history sinks. Passing none clears
// the list.
func (r *Registry) SetHistorySinks(sinks ...history.Sink) {
	r.mu.Lock()
	r.sinks = append([]history.Sink(nil), sinks...)
	r.mu.Unlock()
}

// emit must not be called with mu held.
func (r *Registry) emit(ctx context.Context, t history.EventType, id identity.ID, port int, detail string) {
	r.mu.Lock()
	sinks := append([]history.Sink(nil), r.sinks...)
	r.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Identity:   id.Key(),
		Port:       port,
		Detail:     detail,
	}
	for _, s := range sinks {
		_ = s.Send(ctx, e)
	}
}

// Register persists rec with status registered and enrols it for health
// polling. It fails with ErrDuplicateIdentity when the identity is
// registered and not stopped, ErrDependencyCycle when rec's edges would
// close a cycle (checked before anything is persisted, so the graph is
// left unchanged), and ErrAllocationMismatch when the identity holds no
// reserved allocation or rec.Port disagrees with it.
func (r *Registry) Register(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Identity.Validate(); err != nil {
		return Record{}, err
	}
	if !rec.HealthCheckType.Valid() {
		return Record{}, fmt.Errorf("unknown health check type %q for %s", rec.HealthCheckType, rec.Identity)
	}
	if rec.HealthCheckType == "" {
		rec.HealthCheckType = CheckNone
	}
	if rec.Host == "" {
		rec.Host = "127.0.0.1"
	}
	for i, d := range rec.Dependencies {
		dep, err := identity.Parse(d)
		if err != nil {
			return Record{}, fmt.Errorf("dependency of %s: %w", rec.Identity, err)
		}
		rec.Dependencies[i] = dep.Key()
	}

	assigned, err := r.alloc.Assigned(ctx, rec.Identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: no reserved allocation for %s", ErrAllocationMismatch, rec.Identity)
		}
		return Record{}, err
	}
	if rec.Port != 0 && rec.Port != assigned {
		return Record{}, fmt.Errorf("%w: %s declares port %d but allocation holds %d", ErrAllocationMismatch, rec.Identity, rec.Port, assigned)
	}
	rec.Port = assigned

	key := rec.Identity.Key()
	r.mu.Lock()
	err = r.st.Update(ctx, func(tx store.Txn) error {
		prev, err := getRecord(tx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil {
			if prev.Status != StatusStopped {
				return fmt.Errorf("%w: %s is %s", ErrDuplicateIdentity, rec.Identity, prev.Status)
			}
			rec.Generation = prev.Generation + 1
		}
		// CanAdd walks from the new edges toward key and never expands
		// key's own node, so a replaced record's old edges cannot block
		// its re-registration. On failure the graph keeps the old node,
		// matching the record still persisted in the store.
		if err := r.graph.CanAdd(key, rec.Dependencies); err != nil {
			return err
		}
		now := time.Now().UTC()
		rec.Status = StatusRegistered
		rec.RegisteredAt = now
		rec.UpdatedAt = now
		rec.ConsecutiveHealthFailures = 0
		return putRecord(tx, rec)
	})
	if err == nil {
		_ = r.graph.Add(key, rec.Dependencies) // CanAdd already vetted
	}
	r.mu.Unlock()
	if err != nil {
		return Record{}, err
	}

	metrics.SetServiceState(key, string(StatusRegistered), true)
	r.refreshGauge(ctx)
	r.emit(ctx, history.EventRegister, rec.Identity, rec.Port, "")
	return rec, nil
}

// UpdateStatus applies a forward-or-lateral status change.
func (r *Registry) UpdateStatus(ctx context.Context, id identity.ID, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q for %s", to, id)
	}
	var from Status
	var port int
	err := r.st.Update(ctx, func(tx store.Txn) error {
		rec, err := getRecord(tx, id.Key())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		from, port = rec.Status, rec.Port
		if !canTransition(rec.Status, to) {
			return fmt.Errorf("%w: %s cannot go %s -> %s", ErrInvalidTransition, id, rec.Status, to)
		}
		if rec.Status == to {
			return nil
		}
		rec.Status = to
		rec.UpdatedAt = time.Now().UTC()
		if to == StatusRunning {
			rec.ConsecutiveHealthFailures = 0
		}
		return putRecord(tx, rec)
	})
	if err != nil {
		return err
	}
	if from != to {
		metrics.RecordStateTransition(id.Key(), string(from), string(to))
		metrics.SetServiceState(id.Key(), string(from), false)
		metrics.SetServiceState(id.Key(), string(to), true)
		r.refreshGauge(ctx)
		r.emit(ctx, history.EventStatus, id, port, fmt.Sprintf("%s->%s", from, to))
	}
	return nil
}

// Unregister removes the record and its dependency node. Allowed from any
// state and idempotent. It does not release the port: callers release via
// the allocator separately, so a retried unregister cannot lose a port.
func (r *Registry) Unregister(ctx context.Context, id identity.ID) error {
	var removed *Record
	r.mu.Lock()
	err := r.st.Update(ctx, func(tx store.Txn) error {
		rec, err := getRecord(tx, id.Key())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		removed = &rec
		return tx.Delete(id.Key(), store.KindService)
	})
	if err == nil {
		r.graph.Remove(id.Key())
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("unregister %s: %w", id, err)
	}
	if removed != nil {
		for _, s := range AllStatuses {
			metrics.SetServiceState(id.Key(), string(s), false)
		}
		r.refreshGauge(ctx)
		r.emit(ctx, history.EventUnregister, id, removed.Port, "")
	}
	return nil
}

// Get returns the record for id.
func (r *Registry) Get(ctx context.Context, id identity.ID) (Record, error) {
	raw, err := r.st.Get(ctx, id.Key(), store.KindService)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, err
	}
	return decodeRecord(id.Key(), raw)
}

// List returns records matching f, ordered by registration time.
func (r *Registry) List(ctx context.Context, f Filter) ([]Record, error) {
	recs, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if f.matches(rec) {
			out = append(out, rec)
		}
	}
	sortByRegistration(out)
	return out, nil
}

// ResolveDependencies returns the transitive requirements of id in
// dependencies-first order, ending with id itself.
func (r *Registry) ResolveDependencies(_ context.Context, id identity.ID) ([]identity.ID, error) {
	r.mu.Lock()
	keys, err := r.graph.TopologicalOrder(id.Key())
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]identity.ID, 0, len(keys))
	for _, k := range keys {
		dep, err := identity.Parse(k)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, nil
}

// ApplyProbeResult folds one health probe outcome into the record. gen is
// the record generation captured when the probe started; a mismatch means
// the service was unregistered or re-registered while the probe was in
// flight and the result is discarded. threshold consecutive failures flip
// running to unhealthy; a single success restores running.
func (r *Registry) ApplyProbeResult(ctx context.Context, id identity.ID, gen uint64, probeErr error, threshold int) error {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	var from, to Status
	var port int
	var checkType CheckType
	err := r.st.Update(ctx, func(tx store.Txn) error {
		rec, err := getRecord(tx, id.Key())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil // unregistered mid-probe; discard
			}
			return err
		}
		if rec.Generation != gen {
			return nil // re-registered mid-probe; discard
		}
		from, to = rec.Status, rec.Status
		port, checkType = rec.Port, rec.HealthCheckType
		if probeErr == nil {
			rec.ConsecutiveHealthFailures = 0
			if rec.Status == StatusUnhealthy {
				to = StatusRunning
				rec.Status = to
			}
		} else {
			if rec.Status != StatusRunning && rec.Status != StatusUnhealthy {
				return nil // hysteresis applies to serving states only
			}
			rec.ConsecutiveHealthFailures++
			if rec.Status == StatusRunning && rec.ConsecutiveHealthFailures >= threshold {
				to = StatusUnhealthy
				rec.Status = to
			}
		}
		rec.UpdatedAt = time.Now().UTC()
		return putRecord(tx, rec)
	})
	if err != nil {
		return err
	}
	if probeErr != nil {
		metrics.IncProbeFailure(id.Key(), string(checkType))
	}
	if from != to {
		metrics.RecordStateTransition(id.Key(), string(from), string(to))
		metrics.SetServiceState(id.Key(), string(from), false)
		metrics.SetServiceState(id.Key(), string(to), true)
		r.emit(ctx, history.EventStatus, id, port, fmt.Sprintf("%s->%s", from, to))
	}
	return nil
}

func (r *Registry) refreshGauge(ctx context.Context) {
	recs, err := r.loadAll(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, rec := range recs {
		if rec.Status != StatusStopped {
			active++
		}
	}
	metrics.SetRegisteredServices(active)
}

func (r *Registry) loadAll(ctx context.Context) ([]Record, error) {
	raw, err := r.st.List(ctx, "", store.KindService)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for k, v := range raw {
		rec, err := decodeRecord(k, v)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func sortByRegistration(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].RegisteredAt.Equal(recs[j].RegisteredAt) {
			return recs[i].RegisteredAt.Before(recs[j].RegisteredAt)
		}
		return recs[i].Identity.Key() < recs[j].Identity.Key()
	})
}

func getRecord(tx store.Txn, key string) (Record, error) {
	raw, err := tx.Get(key, store.KindService)
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(key, raw)
}

func decodeRecord(key string, raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: service record %q: %v", store.ErrCorrupt, key, err)
	}
	if !rec.Status.Valid() {
		return Record{}, fmt.Errorf("%w: service record %q has status %q", store.ErrCorrupt, key, rec.Status)
	}
	return rec, nil
}

func putRecord(tx store.Txn, rec Record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Put(rec.Identity.Key(), store.KindService, v)
}

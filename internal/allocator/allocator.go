package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"portkeeper/internal/history"
	"portkeeper/internal/identity"
	"portkeeper/internal/metrics"
	"portkeeper/internal/store"
)

// State of an allocation record.
type State string

const (
	StateReserved State = "reserved"
	StateReleased State = "released"
)

// Record is the persisted allocation for one identity. Released records are
// retained (not deleted) so the same identity deterministically gets its
// previous port back across restarts when it is still free.
type Record struct {
	Identity   identity.ID `json:"identity"`
	Port       int         `json:"port"`
	State      State       `json:"state"`
	ReservedAt time.Time   `json:"reserved_at"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// Range is an inclusive port range.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// DefaultRange is used when config names no range.
var DefaultRange = Range{Min: 5000, Max: 9000}

func (r Range) Contains(p int) bool { return p >= r.Min && p <= r.Max }

func (r Range) Validate() error {
	if r.Min < 1 || r.Max > 65535 || r.Min > r.Max {
		return fmt.Errorf("invalid port range %d-%d", r.Min, r.Max)
	}
	return nil
}

func (r Range) String() string { return fmt.Sprintf("%d-%d", r.Min, r.Max) }

// Config is loaded once per process and treated as immutable.
type Config struct {
	Range    Range
	Strategy Strategy
	// ReclaimAfter is the minimum quiet period before a reserved record
	// whose port probes free may be reclaimed by another identity. It
	// protects a fresh reservation whose holder has not bound yet; the
	// probe, not the clock, decides actual liveness.
	ReclaimAfter time.Duration
	// ReclaimOnProbe skips the quiet period: any reserved record whose
	// port probes free is reclaimable immediately. A holder that
	// allocated but has not bound yet can lose its port.
	ReclaimOnProbe bool
}

const DefaultReclaimAfter = time.Hour

// Options modify a single Allocate call.
type Options struct {
	Preferred int
	// Strict turns an unavailable preferred port into ErrPortConflict
	// instead of falling through to a scan.
	Strict bool
	// Range overrides the configured range for this call.
	Range *Range
}

// Allocator owns the identity→port mapping. Every mutating operation runs
// its read-scan-write sequence inside one store.Update section, so racing
// callers (including separate processes) cannot reserve the same port.
type Allocator struct {
	st    store.Store
	cfg   Config
	probe Prober

	mu    sync.Mutex
	rr    int // round-robin cursor, last handed-out port
	sinks []history.Sink
}

func New(st store.Store, cfg Config) *Allocator {
	if cfg.Range == (Range{}) {
		cfg.Range = DefaultRange
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = DefaultReclaimAfter
	}
	return &Allocator{st: st, cfg: cfg, probe: BindProber{}}
}

// SetProber replaces the OS bind probe. Intended for tests.
func (a *Allocator) SetProber(p Prober) { a.probe = p }

// SetHistorySinks configures external history sinks. Passing none clears
// the list.
func (a *Allocator) SetHistorySinks(sinks ...history.Sink) {
	a.mu.Lock()
	a.sinks = append([]history.Sink(nil), sinks...)
	a.mu.Unlock()
}

func (a *Allocator) emit(ctx context.Context, t history.EventType, id identity.ID, port int) {
	a.mu.Lock()
	sinks := append([]history.Sink(nil), a.sinks...)
	a.mu.Unlock()
	for _, s := range sinks {
		_ = s.Send(ctx, history.Event{
			Type:       t,
			OccurredAt: time.Now().UTC(),
			Identity:   id.Key(),
			Port:       port,
		})
	}
}

// Allocate reserves a port for id and persists the record. If id already
// holds a reserved port that is still free to rebind, that port is
// returned unchanged.
func (a *Allocator) Allocate(ctx context.Context, id identity.ID, opts Options) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	rng := a.cfg.Range
	if opts.Range != nil {
		rng = *opts.Range
	}
	if err := rng.Validate(); err != nil {
		return 0, err
	}

	start := time.Now()
	var port int
	err := a.st.Update(ctx, func(tx store.Txn) error {
		snap, err := loadSnapshot(tx)
		if err != nil {
			return err
		}
		p, err := a.pick(snap, id, rng, opts)
		if err != nil {
			return err
		}
		// reclaim a stale holder before reassigning its port
		if prev, ok := snap.byPort[p]; ok && prev.Identity.Key() != id.Key() {
			prev.State = StateReleased
			if err := putRecord(tx, prev); err != nil {
				return err
			}
			metrics.IncReclaim(prev.Identity.App)
		}
		now := time.Now().UTC()
		rec := Record{Identity: id, Port: p, State: StateReserved, ReservedAt: now, LastSeenAt: now}
		if own, ok := snap.byKey[id.Key()]; ok && own.State == StateReserved && own.Port == p {
			rec.ReservedAt = own.ReservedAt
		}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		port = p
		return nil
	})
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.rr = port
	a.mu.Unlock()
	metrics.IncAllocation(id.App)
	metrics.ObserveAllocateDuration(time.Since(start).Seconds())
	a.emit(ctx, history.EventAllocate, id, port)
	return port, nil
}

// pick chooses a port from snap without writing anything.
func (a *Allocator) pick(snap snapshot, id identity.ID, rng Range, opts Options) (int, error) {
	own, hasOwn := snap.byKey[id.Key()]

	// stability: same identity keeps its reserved port while rebindable
	if hasOwn && own.State == StateReserved &&
		rng.Contains(own.Port) && !snap.static[own.Port] && a.probe.Free(own.Port) {
		return own.Port, nil
	}

	usable := func(p int) bool {
		if snap.static[p] {
			return false
		}
		if rec, ok := snap.byPort[p]; ok && rec.Identity.Key() != id.Key() && !a.stale(rec) {
			return false
		}
		return a.probe.Free(p)
	}

	if opts.Preferred > 0 {
		reason := ""
		switch {
		case !rng.Contains(opts.Preferred):
			reason = fmt.Sprintf("port %d outside range %s", opts.Preferred, rng)
		case !usable(opts.Preferred):
			reason = fmt.Sprintf("port %d not free for %s", opts.Preferred, id)
		}
		if reason == "" {
			return opts.Preferred, nil
		}
		if opts.Strict {
			return 0, fmt.Errorf("%w: %s", ErrPortConflict, reason)
		}
	}

	// stability across release: prefer the port this identity held before
	if hasOwn && own.State == StateReleased && rng.Contains(own.Port) && usable(own.Port) {
		return own.Port, nil
	}

	a.mu.Lock()
	cursor := a.rr
	a.mu.Unlock()
	for _, p := range candidates(a.cfg.Strategy, rng, cursor) {
		if usable(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port for %s in range %s", ErrRangeExhausted, id, rng)
}

// stale reports whether a reserved record may be reclaimed: the port must
// actually probe free, and unless ReclaimOnProbe is set the record must
// have been quiet long enough that we are not stealing from a holder that
// simply has not bound yet.
func (a *Allocator) stale(rec Record) bool {
	if rec.State != StateReserved {
		return true
	}
	if !a.cfg.ReclaimOnProbe && time.Since(rec.LastSeenAt) < a.cfg.ReclaimAfter {
		return false
	}
	return a.probe.Free(rec.Port)
}

// Release marks the identity's allocation released. Idempotent: releasing
// an unknown or already-released identity succeeds.
func (a *Allocator) Release(ctx context.Context, id identity.ID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	released := 0
	err := a.st.Update(ctx, func(tx store.Txn) error {
		raw, err := tx.Get(id.Key(), store.KindAllocation)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		rec, err := decodeRecord(id.Key(), raw)
		if err != nil {
			return err
		}
		if rec.State == StateReleased {
			return nil
		}
		rec.State = StateReleased
		rec.LastSeenAt = time.Now().UTC()
		released = rec.Port
		return putRecord(tx, rec)
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	if released != 0 {
		metrics.IncRelease(id.App)
		a.emit(ctx, history.EventRelease, id, released)
	}
	return nil
}

// IsAvailable reports whether port is neither reserved in the store nor
// bound by a live process.
func (a *Allocator) IsAvailable(ctx context.Context, port int) (bool, error) {
	var avail bool
	err := a.st.Update(ctx, func(tx store.Txn) error {
		snap, err := loadSnapshot(tx)
		if err != nil {
			return err
		}
		if snap.static[port] {
			return nil
		}
		if rec, ok := snap.byPort[port]; ok && !a.stale(rec) {
			return nil
		}
		avail = a.probe.Free(port)
		return nil
	})
	return avail, err
}

// FindAvailable returns the first allocatable port of rng without
// reserving it. Pure query.
func (a *Allocator) FindAvailable(ctx context.Context, rng Range) (int, error) {
	if rng == (Range{}) {
		rng = a.cfg.Range
	}
	if err := rng.Validate(); err != nil {
		return 0, err
	}
	var port int
	err := a.st.Update(ctx, func(tx store.Txn) error {
		snap, err := loadSnapshot(tx)
		if err != nil {
			return err
		}
		for p := rng.Min; p <= rng.Max; p++ {
			if snap.static[p] {
				continue
			}
			if rec, ok := snap.byPort[p]; ok && !a.stale(rec) {
				continue
			}
			if a.probe.Free(p) {
				port = p
				return nil
			}
		}
		return fmt.Errorf("%w: range %s", ErrRangeExhausted, rng)
	})
	return port, err
}

// ReserveStatic permanently excludes port from automatic scanning, for
// externally managed services.
func (a *Allocator) ReserveStatic(ctx context.Context, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	v, _ := json.Marshal(struct {
		Port       int       `json:"port"`
		ReservedAt time.Time `json:"reserved_at"`
	}{port, time.Now().UTC()})
	return a.st.Put(ctx, strconv.Itoa(port), store.KindStatic, v)
}

// UnreserveStatic removes a static exclusion. Idempotent.
func (a *Allocator) UnreserveStatic(ctx context.Context, port int) error {
	return a.st.Delete(ctx, strconv.Itoa(port), store.KindStatic)
}

// StaticPorts lists static exclusions in ascending order.
func (a *Allocator) StaticPorts(ctx context.Context) ([]int, error) {
	raw, err := a.st.List(ctx, "", store.KindStatic)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(raw))
	for k := range raw {
		p, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("%w: static reservation key %q", store.ErrCorrupt, k)
		}
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

// Assigned returns the port currently reserved for id, or ErrNotFound.
func (a *Allocator) Assigned(ctx context.Context, id identity.ID) (int, error) {
	raw, err := a.st.Get(ctx, id.Key(), store.KindAllocation)
	if err != nil {
		return 0, fmt.Errorf("assignment for %s: %w", id, err)
	}
	rec, err := decodeRecord(id.Key(), raw)
	if err != nil {
		return 0, err
	}
	if rec.State != StateReserved {
		return 0, fmt.Errorf("assignment for %s: %w", id, store.ErrNotFound)
	}
	return rec.Port, nil
}

// Get returns the allocation record for id, including released history.
func (a *Allocator) Get(ctx context.Context, id identity.ID) (Record, error) {
	raw, err := a.st.Get(ctx, id.Key(), store.KindAllocation)
	if err != nil {
		return Record{}, fmt.Errorf("allocation for %s: %w", id, err)
	}
	return decodeRecord(id.Key(), raw)
}

// Assignments lists all allocation records sorted by identity key.
func (a *Allocator) Assignments(ctx context.Context) ([]Record, error) {
	raw, err := a.st.List(ctx, "", store.KindAllocation)
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
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.Key() < out[j].Identity.Key()
	})
	return out, nil
}

// snapshot is the decoded allocation state inside one Update section.
type snapshot struct {
	byKey  map[string]Record
	byPort map[int]Record // reserved records only
	static map[int]bool
}

func loadSnapshot(tx store.Txn) (snapshot, error) {
	snap := snapshot{
		byKey:  make(map[string]Record),
		byPort: make(map[int]Record),
		static: make(map[int]bool),
	}
	allocs, err := tx.List("", store.KindAllocation)
	if err != nil {
		return snap, err
	}
	for k, v := range allocs {
		rec, err := decodeRecord(k, v)
		if err != nil {
			return snap, err
		}
		snap.byKey[k] = rec
		if rec.State == StateReserved {
			snap.byPort[rec.Port] = rec
		}
	}
	statics, err := tx.List("", store.KindStatic)
	if err != nil {
		return snap, err
	}
	for k := range statics {
		p, err := strconv.Atoi(k)
		if err != nil {
			return snap, fmt.Errorf("%w: static reservation key %q", store.ErrCorrupt, k)
		}
		snap.static[p] = true
	}
	return snap, nil
}

func decodeRecord(key string, raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: allocation record %q: %v", store.ErrCorrupt, key, err)
	}
	if rec.Port < 1 || rec.Port > 65535 {
		return Record{}, fmt.Errorf("%w: allocation record %q has port %d", store.ErrCorrupt, key, rec.Port)
	}
	return rec, nil
}

func putRecord(tx store.Txn, rec Record) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Put(rec.Identity.Key(), store.KindAllocation, v)
}

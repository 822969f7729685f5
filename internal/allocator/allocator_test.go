package allocator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"portkeeper/internal/identity"
	"portkeeper/internal/store"
)

type fakeProber struct {
	mu   sync.Mutex
	busy map[int]bool
}

func newFakeProber(busy ...int) *fakeProber {
	f := &fakeProber{busy: make(map[int]bool)}
	for _, p := range busy {
		f.busy[p] = true
	}
	return f
}

func (f *fakeProber) Free(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.busy[port]
}

func (f *fakeProber) setBusy(port int, b bool) {
	f.mu.Lock()
	f.busy[port] = b
	f.mu.Unlock()
}

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *fakeProber, store.Store) {
	t.Helper()
	st := store.NewMemory()
	if cfg.Range == (Range{}) {
		cfg.Range = Range{Min: 5000, Max: 5009}
	}
	a := New(st, cfg)
	fp := newFakeProber()
	a.SetProber(fp)
	return a, fp, st
}

func TestAllocateAscendingAndUnique(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	ctx := context.Background()

	p1, err := a.Allocate(ctx, identity.New("web", ""), Options{})
	if err != nil {
		t.Fatalf("allocate web: %v", err)
	}
	if p1 != 5000 {
		t.Fatalf("expected first port 5000, got %d", p1)
	}
	p2, err := a.Allocate(ctx, identity.New("api", ""), Options{})
	if err != nil {
		t.Fatalf("allocate api: %v", err)
	}
	if p2 == p1 {
		t.Fatalf("two identities share port %d", p1)
	}
	if p2 != 5001 {
		t.Fatalf("expected 5001 for second identity, got %d", p2)
	}
}

func TestAllocateStableForSameIdentity(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	ctx := context.Background()
	id := identity.New("web", "blue")

	p1, err := a.Allocate(ctx, id, Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p2, err := a.Allocate(ctx, id, Options{})
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("identity moved from %d to %d", p1, p2)
	}
}

func TestFreshReservationBlocksOtherIdentities(t *testing.T) {
	// a crashed holder's port probes free immediately, but the record is
	// fresh, so another identity must not take it yet
	a, _, _ := newTestAllocator(t, Config{})
	ctx := context.Background()

	p1, err := a.Allocate(ctx, identity.New("web", ""), Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p2, err := a.Allocate(ctx, identity.New("api", ""), Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p2 == p1 {
		t.Fatalf("fresh reservation %d was handed to a second identity", p1)
	}
}

func TestReclaimOnProbeSkipsQuietPeriod(t *testing.T) {
	// with ReclaimOnProbe set, a reserved record whose port probes free is
	// reclaimable immediately, no matter how fresh it is
	a, fp, _ := newTestAllocator(t, Config{ReclaimOnProbe: true})
	ctx := context.Background()

	p1, err := a.Allocate(ctx, identity.New("web", ""), Options{})
	if err != nil {
		t.Fatalf("allocate web: %v", err)
	}
	p2, err := a.Allocate(ctx, identity.New("api", ""), Options{Preferred: p1, Strict: true})
	if err != nil {
		t.Fatalf("preferred reclaim: %v", err)
	}
	if p2 != p1 {
		t.Fatalf("expected %d to be reclaimed, got %d", p1, p2)
	}

	// once the holder actually binds, the probe protects it again
	fp.setBusy(p2, true)
	if _, err := a.Allocate(ctx, identity.New("worker", ""), Options{Preferred: p2, Strict: true}); !errors.Is(err, ErrPortConflict) {
		t.Fatalf("expected ErrPortConflict for a bound port, got %v", err)
	}
}

func TestReclaimStaleReservation(t *testing.T) {
	a, _, st := newTestAllocator(t, Config{ReclaimAfter: time.Minute})
	ctx := context.Background()
	holder := identity.New("web", "")

	p, err := a.Allocate(ctx, holder, Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// age the record past the quiet window
	err = st.Update(ctx, func(tx store.Txn) error {
		rec, err := decodeRecord(holder.Key(), mustGet(t, tx, holder.Key()))
		if err != nil {
			return err
		}
		rec.LastSeenAt = time.Now().Add(-2 * time.Minute)
		return putRecord(tx, rec)
	})
	if err != nil {
		t.Fatalf("age record: %v", err)
	}

	got, err := a.Allocate(ctx, identity.New("api", ""), Options{Preferred: p})
	if err != nil {
		t.Fatalf("allocate preferred: %v", err)
	}
	if got != p {
		t.Fatalf("expected stale port %d to be reclaimed, got %d", p, got)
	}
	rec, err := a.Get(ctx, holder)
	if err != nil {
		t.Fatalf("get holder record: %v", err)
	}
	if rec.State != StateReleased {
		t.Fatalf("reclaimed holder record should be released, got %s", rec.State)
	}
}

func TestStaleRequiresFreePort(t *testing.T) {
	// an old record whose port is still bound is live, not stale
	a, fp, st := newTestAllocator(t, Config{ReclaimAfter: time.Minute})
	ctx := context.Background()
	holder := identity.New("web", "")

	p, err := a.Allocate(ctx, holder, Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	err = st.Update(ctx, func(tx store.Txn) error {
		rec, err := decodeRecord(holder.Key(), mustGet(t, tx, holder.Key()))
		if err != nil {
			return err
		}
		rec.LastSeenAt = time.Now().Add(-2 * time.Minute)
		return putRecord(tx, rec)
	})
	if err != nil {
		t.Fatalf("age record: %v", err)
	}
	fp.setBusy(p, true)

	_, err = a.Allocate(ctx, identity.New("api", ""), Options{Preferred: p, Strict: true})
	if !errors.Is(err, ErrPortConflict) {
		t.Fatalf("expected ErrPortConflict for live old reservation, got %v", err)
	}
}

func TestPreferredPort(t *testing.T) {
	a, fp, _ := newTestAllocator(t, Config{})
	ctx := context.Background()

	p, err := a.Allocate(ctx, identity.New("web", ""), Options{Preferred: 5005})
	if err != nil {
		t.Fatalf("allocate preferred: %v", err)
	}
	if p != 5005 {
		t.Fatalf("expected preferred port 5005, got %d", p)
	}

	fp.setBusy(5007, true)
	_, err = a.Allocate(ctx, identity.New("api", ""), Options{Preferred: 5007, Strict: true})
	if !errors.Is(err, ErrPortConflict) {
		t.Fatalf("expected ErrPortConflict, got %v", err)
	}
	got, err := a.Allocate(ctx, identity.New("api", ""), Options{Preferred: 5007})
	if err != nil {
		t.Fatalf("non-strict preferred should fall back to scan: %v", err)
	}
	if got == 5007 {
		t.Fatalf("busy preferred port was handed out")
	}
}

func TestPreferredOutsideRange(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	_, err := a.Allocate(context.Background(), identity.New("web", ""), Options{Preferred: 9999, Strict: true})
	if !errors.Is(err, ErrPortConflict) {
		t.Fatalf("expected ErrPortConflict for out-of-range preferred, got %v", err)
	}
}

func TestRangeExhausted(t *testing.T) {
	a, fp, _ := newTestAllocator(t, Config{Range: Range{Min: 5000, Max: 5002}})
	for p := 5000; p <= 5002; p++ {
		fp.setBusy(p, true)
	}
	_, err := a.Allocate(context.Background(), identity.New("web", ""), Options{})
	if !errors.Is(err, ErrRangeExhausted) {
		t.Fatalf("expected ErrRangeExhausted, got %v", err)
	}
}

func TestReleaseAndReuse(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	ctx := context.Background()
	id := identity.New("web", "")

	p, err := a.Allocate(ctx, id, Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Release(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := a.Release(ctx, id); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
	if err := a.Release(ctx, identity.New("never-seen", "")); err != nil {
		t.Fatalf("releasing unknown identity should succeed: %v", err)
	}

	if _, err := a.Assigned(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("released identity should have no assignment, got %v", err)
	}

	// released port is immediately reusable, and the old holder prefers it
	other, err := a.Allocate(ctx, identity.New("api", ""), Options{Preferred: p})
	if err != nil {
		t.Fatalf("allocate released port: %v", err)
	}
	if other != p {
		t.Fatalf("released port %d should be reusable, got %d", p, other)
	}
}

func TestReleasedIdentityPrefersOldPort(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	ctx := context.Background()
	id := identity.New("web", "")

	p, err := a.Allocate(ctx, id, Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	// push the ascending scan cursor forward with another identity
	if _, err := a.Allocate(ctx, identity.New("api", ""), Options{}); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := a.Release(ctx, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := a.Allocate(ctx, id, Options{})
	if err != nil {
		t.Fatalf("re-allocate: %v", err)
	}
	if got != p {
		t.Fatalf("identity should get its previous port %d back, got %d", p, got)
	}
}

func TestStaticReservations(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	ctx := context.Background()

	if err := a.ReserveStatic(ctx, 5000); err != nil {
		t.Fatalf("reserve static: %v", err)
	}
	p, err := a.Allocate(ctx, identity.New("web", ""), Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p == 5000 {
		t.Fatalf("static port 5000 was handed out")
	}
	avail, err := a.IsAvailable(ctx, 5000)
	if err != nil {
		t.Fatalf("is available: %v", err)
	}
	if avail {
		t.Fatalf("static port reported available")
	}
	ports, err := a.StaticPorts(ctx)
	if err != nil {
		t.Fatalf("static ports: %v", err)
	}
	if len(ports) != 1 || ports[0] != 5000 {
		t.Fatalf("unexpected static ports %v", ports)
	}
	if err := a.UnreserveStatic(ctx, 5000); err != nil {
		t.Fatalf("unreserve static: %v", err)
	}
	avail, err = a.IsAvailable(ctx, 5000)
	if err != nil {
		t.Fatalf("is available: %v", err)
	}
	if !avail {
		t.Fatalf("port should be available after unreserve")
	}
}

func TestFindAvailableDoesNotReserve(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	ctx := context.Background()

	p, err := a.FindAvailable(ctx, Range{})
	if err != nil {
		t.Fatalf("find available: %v", err)
	}
	if p != 5000 {
		t.Fatalf("expected 5000, got %d", p)
	}
	p2, err := a.FindAvailable(ctx, Range{})
	if err != nil {
		t.Fatalf("find available: %v", err)
	}
	if p2 != p {
		t.Fatalf("find available reserved %d", p)
	}
	recs, err := a.Assignments(ctx)
	if err != nil {
		t.Fatalf("assignments: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("find available must not write records, got %d", len(recs))
	}
}

func TestIsAvailableBusyPort(t *testing.T) {
	a, fp, _ := newTestAllocator(t, Config{})
	fp.setBusy(5003, true)
	avail, err := a.IsAvailable(context.Background(), 5003)
	if err != nil {
		t.Fatalf("is available: %v", err)
	}
	if avail {
		t.Fatalf("bound port reported available")
	}
}

func TestRoundRobinAdvances(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{Strategy: StrategyRoundRobin, Range: Range{Min: 5000, Max: 5003}})
	ctx := context.Background()

	p1, err := a.Allocate(ctx, identity.New("a", ""), Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	p2, err := a.Allocate(ctx, identity.New("b", ""), Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p2 != p1+1 {
		t.Fatalf("round robin should advance past %d, got %d", p1, p2)
	}
}

func TestRandomStrategyStaysInRange(t *testing.T) {
	rng := Range{Min: 5000, Max: 5004}
	a, _, _ := newTestAllocator(t, Config{Strategy: StrategyRandom, Range: rng})
	ctx := context.Background()
	seen := make(map[int]bool)
	for i := 0; i < 5; i++ {
		p, err := a.Allocate(ctx, identity.New("app", string(rune('a'+i))), Options{})
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if !rng.Contains(p) {
			t.Fatalf("port %d outside %s", p, rng)
		}
		if seen[p] {
			t.Fatalf("port %d handed out twice", p)
		}
		seen[p] = true
	}
}

func TestAllocateRangeOverride(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{})
	override := Range{Min: 6000, Max: 6005}
	p, err := a.Allocate(context.Background(), identity.New("web", ""), Options{Range: &override})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !override.Contains(p) {
		t.Fatalf("port %d outside override %s", p, override)
	}
}

func TestConcurrentAllocateUnique(t *testing.T) {
	a, _, _ := newTestAllocator(t, Config{Range: Range{Min: 5000, Max: 5050}})
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	ports := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ports[i], errs[i] = a.Allocate(ctx, identity.New("app", string(rune('a'+i))), Options{})
		}(i)
	}
	wg.Wait()
	seen := make(map[int]int)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("allocate %d: %v", i, errs[i])
		}
		if prev, dup := seen[ports[i]]; dup {
			t.Fatalf("port %d handed to both %d and %d", ports[i], prev, i)
		}
		seen[ports[i]] = i
	}
}

func TestCorruptRecordSurfaces(t *testing.T) {
	a, _, st := newTestAllocator(t, Config{})
	ctx := context.Background()
	if err := st.Put(ctx, "web:default", store.KindAllocation, []byte("{not json")); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := a.Allocate(ctx, identity.New("api", ""), Options{})
	if !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func mustGet(t *testing.T, tx store.Txn, key string) []byte {
	t.Helper()
	raw, err := tx.Get(key, store.KindAllocation)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return raw
}

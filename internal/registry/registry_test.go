package registry

import (
	"context"
	"errors"
	"testing"

	"portkeeper/internal/allocator"
	"portkeeper/internal/depgraph"
	"portkeeper/internal/history"
	"portkeeper/internal/identity"
	"portkeeper/internal/store"
)

type freeProber struct{}

func (freeProber) Free(int) bool { return true }

func newTestRegistry(t *testing.T) (*Registry, *allocator.Allocator, store.Store) {
	t.Helper()
	st := store.NewMemory()
	alloc := allocator.New(st, allocator.Config{Range: allocator.Range{Min: 5000, Max: 5050}})
	alloc.SetProber(freeProber{})
	reg, err := New(context.Background(), st, alloc)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, alloc, st
}

func register(t *testing.T, reg *Registry, alloc *allocator.Allocator, app string, deps ...string) Record {
	t.Helper()
	ctx := context.Background()
	id := identity.New(app, "")
	if _, err := alloc.Allocate(ctx, id, allocator.Options{}); err != nil {
		t.Fatalf("allocate %s: %v", app, err)
	}
	rec, err := reg.Register(ctx, Record{Identity: id, Name: app, Dependencies: deps})
	if err != nil {
		t.Fatalf("register %s: %v", app, err)
	}
	return rec
}

func TestRegisterRequiresAllocation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Register(context.Background(), Record{Identity: identity.New("web", "")})
	if !errors.Is(err, ErrAllocationMismatch) {
		t.Fatalf("expected ErrAllocationMismatch, got %v", err)
	}
}

func TestRegisterPortMismatch(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	id := identity.New("web", "")
	p, err := alloc.Allocate(ctx, id, allocator.Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	_, err = reg.Register(ctx, Record{Identity: id, Port: p + 1})
	if !errors.Is(err, ErrAllocationMismatch) {
		t.Fatalf("expected ErrAllocationMismatch, got %v", err)
	}
}

func TestRegisterFillsPortFromAllocation(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	id := identity.New("web", "")
	p, err := alloc.Allocate(ctx, id, allocator.Options{})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	rec, err := reg.Register(ctx, Record{Identity: id})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if rec.Port != p {
		t.Fatalf("record port %d, allocation %d", rec.Port, p)
	}
	if rec.Status != StatusRegistered {
		t.Fatalf("fresh record status %s", rec.Status)
	}
	if rec.HealthCheckType != CheckNone {
		t.Fatalf("empty check type should default to none, got %s", rec.HealthCheckType)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	register(t, reg, alloc, "web")
	_, err := reg.Register(context.Background(), Record{Identity: identity.New("web", "")})
	if !errors.Is(err, ErrDuplicateIdentity) {
		t.Fatalf("expected ErrDuplicateIdentity, got %v", err)
	}
}

func TestReregisterAfterStopBumpsGeneration(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	first := register(t, reg, alloc, "web")
	id := first.Identity

	if err := reg.UpdateStatus(ctx, id, StatusStopped); err != nil {
		t.Fatalf("stop: %v", err)
	}
	second, err := reg.Register(ctx, Record{Identity: id})
	if err != nil {
		t.Fatalf("re-register stopped service: %v", err)
	}
	if second.Generation != first.Generation+1 {
		t.Fatalf("generation %d, want %d", second.Generation, first.Generation+1)
	}
}

func TestStatusTransitions(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	id := register(t, reg, alloc, "web").Identity

	steps := []Status{StatusStarting, StatusRunning, StatusUnhealthy, StatusRunning, StatusStopped}
	for _, s := range steps {
		if err := reg.UpdateStatus(ctx, id, s); err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	// stopped is terminal until a fresh registration
	if err := reg.UpdateStatus(ctx, id, StatusRunning); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from stopped, got %v", err)
	}
}

func TestStatusLateralAndBackwards(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	id := register(t, reg, alloc, "web").Identity

	if err := reg.UpdateStatus(ctx, id, StatusRegistered); err != nil {
		t.Fatalf("same-status update should be a no-op: %v", err)
	}
	if err := reg.UpdateStatus(ctx, id, StatusRunning); err != nil {
		t.Fatalf("registered -> running: %v", err)
	}
	if err := reg.UpdateStatus(ctx, id, StatusStarting); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition going backwards, got %v", err)
	}
	if err := reg.UpdateStatus(ctx, identity.New("ghost", ""), StatusRunning); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnregisterIdempotentAndKeepsAllocation(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	rec := register(t, reg, alloc, "web")

	if err := reg.Unregister(ctx, rec.Identity); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if err := reg.Unregister(ctx, rec.Identity); err != nil {
		t.Fatalf("second unregister should succeed: %v", err)
	}
	if _, err := reg.Get(ctx, rec.Identity); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unregister, got %v", err)
	}
	// the port reservation outlives the registration
	p, err := alloc.Assigned(ctx, rec.Identity)
	if err != nil {
		t.Fatalf("assignment should survive unregister: %v", err)
	}
	if p != rec.Port {
		t.Fatalf("assignment %d, want %d", p, rec.Port)
	}
}

func TestDependencyCycleAtRegistration(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	register(t, reg, alloc, "a", "b:default")
	register(t, reg, alloc, "b", "c:default")

	cid := identity.New("c", "")
	if _, err := alloc.Allocate(ctx, cid, allocator.Options{}); err != nil {
		t.Fatalf("allocate c: %v", err)
	}
	_, err := reg.Register(ctx, Record{Identity: cid, Dependencies: []string{"a:default"}})
	if !errors.Is(err, depgraph.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
	if _, err := reg.Get(ctx, cid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected registration must not persist, got %v", err)
	}
	// without the closing edge the same identity registers fine
	if _, err := reg.Register(ctx, Record{Identity: cid}); err != nil {
		t.Fatalf("register c without cycle: %v", err)
	}
	order, err := reg.ResolveDependencies(ctx, identity.New("a", ""))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	keys := make([]string, len(order))
	for i, id := range order {
		keys[i] = id.Key()
	}
	if keys[len(keys)-1] != "a:default" || keys[0] != "c:default" {
		t.Fatalf("unexpected order %v", keys)
	}
}

func TestRejectedReplaceKeepsDependencyEdges(t *testing.T) {
	reg, alloc, st := newTestRegistry(t)
	ctx := context.Background()
	register(t, reg, alloc, "x")
	register(t, reg, alloc, "a", "x:default")
	aid := identity.New("a", "")
	xid := identity.New("x", "")

	if err := reg.UpdateStatus(ctx, aid, StatusStopped); err != nil {
		t.Fatalf("stop a: %v", err)
	}
	// replacing a stopped record with a cycle-closing edge is rejected
	if _, err := reg.Register(ctx, Record{Identity: aid, Dependencies: []string{"a:default"}}); !errors.Is(err, depgraph.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
	// a's persisted edge a->x must still count for later cycle checks
	if err := reg.UpdateStatus(ctx, xid, StatusStopped); err != nil {
		t.Fatalf("stop x: %v", err)
	}
	if _, err := reg.Register(ctx, Record{Identity: xid, Dependencies: []string{"a:default"}}); !errors.Is(err, depgraph.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle through retained edges, got %v", err)
	}
	if _, err := New(ctx, st, alloc); err != nil {
		t.Fatalf("rebuild after rejected replacements: %v", err)
	}

	// valid replacements still go through and update the graph
	if _, err := reg.Register(ctx, Record{Identity: aid}); err != nil {
		t.Fatalf("re-register a without deps: %v", err)
	}
	if _, err := reg.Register(ctx, Record{Identity: xid, Dependencies: []string{"a:default"}}); err != nil {
		t.Fatalf("re-register x depending on a: %v", err)
	}
	reopened, err := New(ctx, st, alloc)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	order, err := reopened.ResolveDependencies(ctx, xid)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(order) != 2 || order[0].App != "a" || order[1].App != "x" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestResolveDependenciesUnresolved(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	register(t, reg, alloc, "api", "ghost:default")
	_, err := reg.ResolveDependencies(context.Background(), identity.New("api", ""))
	if !errors.Is(err, depgraph.ErrUnresolvedDependency) {
		t.Fatalf("expected ErrUnresolvedDependency, got %v", err)
	}
}

func TestProbeHysteresis(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	rec := register(t, reg, alloc, "web")
	id := rec.Identity
	if err := reg.UpdateStatus(ctx, id, StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}

	fail := errors.New("connection refused")
	for i := 1; i <= 2; i++ {
		if err := reg.ApplyProbeResult(ctx, id, rec.Generation, fail, 3); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
		got, _ := reg.Get(ctx, id)
		if got.Status != StatusRunning {
			t.Fatalf("after %d failures status %s, want running", i, got.Status)
		}
	}
	if err := reg.ApplyProbeResult(ctx, id, rec.Generation, fail, 3); err != nil {
		t.Fatalf("third probe: %v", err)
	}
	got, _ := reg.Get(ctx, id)
	if got.Status != StatusUnhealthy {
		t.Fatalf("after threshold status %s, want unhealthy", got.Status)
	}

	// one success restores running and resets the counter
	if err := reg.ApplyProbeResult(ctx, id, rec.Generation, nil, 3); err != nil {
		t.Fatalf("success probe: %v", err)
	}
	got, _ = reg.Get(ctx, id)
	if got.Status != StatusRunning {
		t.Fatalf("after success status %s, want running", got.Status)
	}
	if got.ConsecutiveHealthFailures != 0 {
		t.Fatalf("failure counter %d, want 0", got.ConsecutiveHealthFailures)
	}
}

func TestProbeFailuresIgnoredBeforeRunning(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	rec := register(t, reg, alloc, "web")

	fail := errors.New("connection refused")
	for i := 0; i < 5; i++ {
		if err := reg.ApplyProbeResult(ctx, rec.Identity, rec.Generation, fail, 3); err != nil {
			t.Fatalf("probe: %v", err)
		}
	}
	got, _ := reg.Get(ctx, rec.Identity)
	if got.Status != StatusRegistered || got.ConsecutiveHealthFailures != 0 {
		t.Fatalf("pre-running failures must not count, got status=%s failures=%d", got.Status, got.ConsecutiveHealthFailures)
	}
}

func TestStaleGenerationProbeDiscarded(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	first := register(t, reg, alloc, "web")
	id := first.Identity

	if err := reg.UpdateStatus(ctx, id, StatusStopped); err != nil {
		t.Fatalf("stop: %v", err)
	}
	second, err := reg.Register(ctx, Record{Identity: id})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if err := reg.UpdateStatus(ctx, id, StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}

	// a probe from the previous lifecycle must not touch the new record
	fail := errors.New("connection refused")
	if err := reg.ApplyProbeResult(ctx, id, first.Generation, fail, 1); err != nil {
		t.Fatalf("stale probe: %v", err)
	}
	got, _ := reg.Get(ctx, id)
	if got.Status != StatusRunning || got.ConsecutiveHealthFailures != 0 {
		t.Fatalf("stale probe applied: status=%s failures=%d", got.Status, got.ConsecutiveHealthFailures)
	}
	// and one from the current lifecycle does
	if err := reg.ApplyProbeResult(ctx, id, second.Generation, fail, 1); err != nil {
		t.Fatalf("probe: %v", err)
	}
	got, _ = reg.Get(ctx, id)
	if got.Status != StatusUnhealthy {
		t.Fatalf("current-generation probe ignored, status %s", got.Status)
	}
}

func TestListFilters(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	ctx := context.Background()
	id := identity.New("web", "")
	if _, err := alloc.Allocate(ctx, id, allocator.Options{}); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := reg.Register(ctx, Record{Identity: id, Technology: "go"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	register(t, reg, alloc, "api")

	all, err := reg.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list returned %d records", len(all))
	}
	byTech, err := reg.List(ctx, Filter{Technology: "go"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byTech) != 1 || byTech[0].Identity.App != "web" {
		t.Fatalf("technology filter returned %v", byTech)
	}
	byApp, err := reg.List(ctx, Filter{App: "api"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byApp) != 1 || byApp[0].Identity.App != "api" {
		t.Fatalf("app filter returned %v", byApp)
	}
}

func TestRegistryRebuildsFromStore(t *testing.T) {
	reg, alloc, st := newTestRegistry(t)
	register(t, reg, alloc, "db")
	register(t, reg, alloc, "api", "db:default")

	reopened, err := New(context.Background(), st, alloc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	order, err := reopened.ResolveDependencies(context.Background(), identity.New("api", ""))
	if err != nil {
		t.Fatalf("resolve after reopen: %v", err)
	}
	if len(order) != 2 || order[0].App != "db" || order[1].App != "api" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestCorruptServiceRecord(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	ctx := context.Background()
	if err := st.Put(ctx, "web:default", store.KindService, []byte("{oops")); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := reg.List(ctx, Filter{})
	if !errors.Is(err, store.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

type captureSink struct{ events []history.Event }

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.events = append(c.events, e)
	return nil
}

func TestHistoryEvents(t *testing.T) {
	reg, alloc, _ := newTestRegistry(t)
	sink := &captureSink{}
	reg.SetHistorySinks(sink)
	ctx := context.Background()

	rec := register(t, reg, alloc, "web")
	if err := reg.UpdateStatus(ctx, rec.Identity, StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := reg.Unregister(ctx, rec.Identity); err != nil {
		t.Fatalf("unregister: %v", err)
	}

	if len(sink.events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(sink.events), sink.events)
	}
	wantTypes := []history.EventType{history.EventRegister, history.EventStatus, history.EventUnregister}
	for i, want := range wantTypes {
		if sink.events[i].Type != want {
			t.Fatalf("event %d type %s, want %s", i, sink.events[i].Type, want)
		}
		if sink.events[i].Identity != "web:default" {
			t.Fatalf("event %d identity %s", i, sink.events[i].Identity)
		}
	}
}

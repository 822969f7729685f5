package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"portkeeper/internal/store"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "portkeeper.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSqliteCRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Get(ctx, "web:default", store.KindAllocation); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put(ctx, "web:default", store.KindAllocation, []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := db.Get(ctx, "web:default", store.KindAllocation)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("got %q", v)
	}
	// upsert on the same (kind, key)
	if err := db.Put(ctx, "web:default", store.KindAllocation, []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, _ = db.Get(ctx, "web:default", store.KindAllocation)
	if string(v) != "v2" {
		t.Fatalf("overwrite kept %q", v)
	}
	if err := db.Delete(ctx, "web:default", store.KindAllocation); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(ctx, "web:default", store.KindAllocation); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSqliteKindsAndPrefix(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Put(ctx, "k", store.KindAllocation, []byte("alloc")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put(ctx, "k", store.KindService, []byte("svc")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, err := db.Get(ctx, "k", store.KindService)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(v) != "svc" {
		t.Fatalf("kinds leaked: got %q", v)
	}

	for _, k := range []string{"web:a", "web:b", "api:a"} {
		if err := db.Put(ctx, k, store.KindService, []byte(k)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	got, err := db.List(ctx, "web:", store.KindService)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("prefix list returned %d entries", len(got))
	}
}

func TestSqliteUpdateRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx store.Txn) error {
		if err := tx.Put("k", store.KindAllocation, []byte("v")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	if _, err := db.Get(ctx, "k", store.KindAllocation); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("write survived rollback: %v", err)
	}
}

func TestSqliteUpdateCommits(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx store.Txn) error {
		if err := tx.Put("a", store.KindStatic, []byte("1")); err != nil {
			return err
		}
		return tx.Put("b", store.KindStatic, []byte("2"))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	all, err := db.List(ctx, "", store.KindStatic)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both writes committed, got %d", len(all))
	}
}

func TestSqlitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portkeeper.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := db.Put(ctx, "web:default", store.KindAllocation, []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db2.Close() }()
	if err := db2.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	v, err := db2.Get(ctx, "web:default", store.KindAllocation)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if string(v) != "v" {
		t.Fatalf("got %q", v)
	}
}

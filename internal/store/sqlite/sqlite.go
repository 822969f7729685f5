package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"portkeeper/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file. For ephemeral state use
// store.NewMemory (DSN "memory://") rather than ":memory:": database/sql
// pools connections, and each pooled connection would see its own empty
// in-memory database.
//
// Update opens an immediate transaction so the write lock is taken up front;
// combined with busy_timeout this serializes scan-and-reserve sections across
// independent processes sharing the same database file.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if !strings.Contains(p, "?") {
		p += "?_txlock=immediate"
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records(
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY(kind, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Get(ctx context.Context, key string, kind store.Kind) ([]byte, error) {
	return getRow(ctx, s.db, key, kind)
}

func (s *DB) Put(ctx context.Context, key string, kind store.Kind, value []byte) error {
	return putRow(ctx, s.db, key, kind, value)
}

func (s *DB) Delete(ctx context.Context, key string, kind store.Kind) error {
	return deleteRow(ctx, s.db, key, kind)
}

func (s *DB) List(ctx context.Context, prefix string, kind store.Kind) (map[string][]byte, error) {
	return listRows(ctx, s.db, prefix, kind)
}

func (s *DB) Update(ctx context.Context, fn func(tx store.Txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(sqlTxn{ctx: ctx, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTxn struct {
	ctx context.Context
	q   querier
}

func (t sqlTxn) Get(key string, kind store.Kind) ([]byte, error) {
	return getRow(t.ctx, t.q, key, kind)
}
func (t sqlTxn) Put(key string, kind store.Kind, value []byte) error {
	return putRow(t.ctx, t.q, key, kind, value)
}
func (t sqlTxn) Delete(key string, kind store.Kind) error {
	return deleteRow(t.ctx, t.q, key, kind)
}
func (t sqlTxn) List(prefix string, kind store.Kind) (map[string][]byte, error) {
	return listRows(t.ctx, t.q, prefix, kind)
}

func getRow(ctx context.Context, q querier, key string, kind store.Kind) ([]byte, error) {
	var v []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM records WHERE kind=? AND key=?;`, string(kind), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func putRow(ctx context.Context, q querier, key string, kind store.Kind, value []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO records(kind, key, value, updated_at)
		VALUES(?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind, key) DO UPDATE SET
			value=excluded.value,
			updated_at=excluded.updated_at;`,
		string(kind), key, value)
	return err
}

func deleteRow(ctx context.Context, q querier, key string, kind store.Kind) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE kind=? AND key=?;`, string(kind), key)
	return err
}

func listRows(ctx context.Context, q querier, prefix string, kind store.Kind) (map[string][]byte, error) {
	like := prefix + "%"
	rows, err := q.QueryContext(ctx, `
		SELECT key, value FROM records
		WHERE kind=? AND key LIKE ?
		ORDER BY key;`, string(kind), like)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/jackc/pgx/v5/stdlib"

	"portkeeper/internal/store"
)

// lockKey is the advisory lock namespace for Update sections. Every
// portkeeper process sharing the database contends on the same key, which
// is what makes scan-and-reserve safe across hosts.
const lockKey = int64(0x706b6565706572) // "pkeeper"

// DB implements store.Store on PostgreSQL via the pgx stdlib driver.
// It is the backend for the shared-store, multiple-host deployment.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records(
			kind TEXT NOT NULL,
			key TEXT NOT NULL,
			value BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY(kind, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) Get(ctx context.Context, key string, kind store.Kind) ([]byte, error) {
	return getRow(ctx, p.db, key, kind)
}

func (p *DB) Put(ctx context.Context, key string, kind store.Kind, value []byte) error {
	return putRow(ctx, p.db, key, kind, value)
}

func (p *DB) Delete(ctx context.Context, key string, kind store.Kind) error {
	return deleteRow(ctx, p.db, key, kind)
}

func (p *DB) List(ctx context.Context, prefix string, kind store.Kind) (map[string][]byte, error) {
	return listRows(ctx, p.db, prefix, kind)
}

func (p *DB) Update(ctx context.Context, fn func(tx store.Txn) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	// advisory lock serializes Update sections across all processes; it is
	// released automatically at commit/rollback
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1);`, lockKey); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(pgTxn{ctx: ctx, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTxn struct {
	ctx context.Context
	q   querier
}

func (t pgTxn) Get(key string, kind store.Kind) ([]byte, error) {
	return getRow(t.ctx, t.q, key, kind)
}
func (t pgTxn) Put(key string, kind store.Kind, value []byte) error {
	return putRow(t.ctx, t.q, key, kind, value)
}
func (t pgTxn) Delete(key string, kind store.Kind) error {
	return deleteRow(t.ctx, t.q, key, kind)
}
func (t pgTxn) List(prefix string, kind store.Kind) (map[string][]byte, error) {
	return listRows(t.ctx, t.q, prefix, kind)
}

func getRow(ctx context.Context, q querier, key string, kind store.Kind) ([]byte, error) {
	var v []byte
	err := q.QueryRowContext(ctx,
		`SELECT value FROM records WHERE kind=$1 AND key=$2;`, string(kind), key).Scan(&v)
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
		VALUES($1, $2, $3, now())
		ON CONFLICT(kind, key) DO UPDATE SET
			value=EXCLUDED.value,
			updated_at=EXCLUDED.updated_at;`,
		string(kind), key, value)
	return err
}

func deleteRow(ctx context.Context, q querier, key string, kind store.Kind) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM records WHERE kind=$1 AND key=$2;`, string(kind), key)
	return err
}

func listRows(ctx context.Context, q querier, prefix string, kind store.Kind) (map[string][]byte, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key, value FROM records
		WHERE kind=$1 AND key LIKE $2
		ORDER BY key;`, string(kind), prefix+"%")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

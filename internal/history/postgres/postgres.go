package postgres

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"portkeeper/internal/history"
)

// Sink writes events to PostgreSQL via the pgx stdlib driver.
type Sink struct {
	db   *sql.DB
	once sync.Once
	err  error
}

func New(dsn string) (*Sink, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Sink{db: d}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) ensureSchema(ctx context.Context) error {
	s.once.Do(func() {
		_, s.err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS port_history(
				id BIGSERIAL PRIMARY KEY,
				occurred_at TIMESTAMPTZ NOT NULL,
				event TEXT NOT NULL,
				identity TEXT NOT NULL,
				port INTEGER NOT NULL,
				detail TEXT NULL
			);`)
		if s.err == nil {
			_, s.err = s.db.ExecContext(ctx,
				`CREATE INDEX IF NOT EXISTS idx_port_history_identity ON port_history(identity);`)
		}
	})
	return s.err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO port_history(occurred_at, event, identity, port, detail)
		VALUES($1, $2, $3, $4, $5);`,
		e.OccurredAt.UTC(), string(e.Type), e.Identity, e.Port, e.Detail)
	return err
}

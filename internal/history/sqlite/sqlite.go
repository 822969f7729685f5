package sqlite

import (
	"context"
	"errors"
	"strings"
	"sync"

	"database/sql"

	_ "modernc.org/sqlite"

	"portkeeper/internal/history"
)

// Sink writes events to a local SQLite database (modernc.org/sqlite,
// CGO-free). Schema is created lazily on first send.
type Sink struct {
	db   *sql.DB
	once sync.Once
	err  error
}

func New(path string) (*Sink, error) {
	p := strings.TrimSpace(strings.TrimPrefix(path, "sqlite://"))
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &Sink{db: d}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func (s *Sink) ensureSchema(ctx context.Context) error {
	s.once.Do(func() {
		_, s.err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS port_history(
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at TIMESTAMP NOT NULL,
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
		VALUES(?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), e.Identity, e.Port, e.Detail)
	return err
}

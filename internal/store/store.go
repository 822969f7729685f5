package store

import (
	"context"
	"errors"
)

// Kind partitions records sharing one backing store.
type Kind string

const (
	// KindAllocation holds port allocation records keyed by identity.
	KindAllocation Kind = "allocation"
	// KindService holds service registry records keyed by identity.
	KindService Kind = "service"
	// KindStatic holds static port reservations keyed by port number.
	KindStatic Kind = "static"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")
	// ErrCorrupt is returned when persisted state cannot be decoded.
	// Callers must treat it as fatal for the affected records rather than
	// proceeding with a partial view, which could double-assign a live port.
	ErrCorrupt = errors.New("persisted state corrupt")
)

// Txn is the store view available inside Update. All reads and writes made
// through it belong to one atomic section.
type Txn interface {
	Get(key string, kind Kind) ([]byte, error)
	Put(key string, kind Kind, value []byte) error
	Delete(key string, kind Kind) error
	List(prefix string, kind Kind) (map[string][]byte, error)
}

// Store is durable key-value storage for allocation and registry records.
// A successful Put/Delete must survive a process crash immediately after
// return. Update runs fn under mutual exclusion that holds across
// processes sharing the same backing store, not only goroutines; the
// allocator's scan-and-reserve sequence depends on that.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, key string, kind Kind) ([]byte, error)
	Put(ctx context.Context, key string, kind Kind, value []byte) error
	Delete(ctx context.Context, key string, kind Kind) error
	List(ctx context.Context, prefix string, kind Kind) (map[string][]byte, error)
	Update(ctx context.Context, fn func(tx Txn) error) error
	Close() error
}

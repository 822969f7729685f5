package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store for embedding and tests. Update's mutual
// exclusion covers goroutines only; it cannot coordinate separate OS
// processes, so production deployments should use the sqlite or postgres
// backends instead.
type Memory struct {
	mu   sync.Mutex
	data map[Kind]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[Kind]map[string][]byte)}
}

func (m *Memory) EnsureSchema(_ context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Get(_ context.Context, key string, kind Kind) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(key, kind)
}

func (m *Memory) Put(_ context.Context, key string, kind Kind, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.put(key, kind, value)
}

func (m *Memory) Delete(_ context.Context, key string, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delete(key, kind)
}

func (m *Memory) List(_ context.Context, prefix string, kind Kind) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(prefix, kind)
}

func (m *Memory) Update(_ context.Context, fn func(tx Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(memTxn{m})
}

// memTxn operates on the already-locked store.
type memTxn struct{ m *Memory }

func (t memTxn) Get(key string, kind Kind) ([]byte, error)  { return t.m.get(key, kind) }
func (t memTxn) Put(key string, kind Kind, v []byte) error  { return t.m.put(key, kind, v) }
func (t memTxn) Delete(key string, kind Kind) error         { return t.m.delete(key, kind) }
func (t memTxn) List(p string, kind Kind) (map[string][]byte, error) { return t.m.list(p, kind) }

func (m *Memory) get(key string, kind Kind) ([]byte, error) {
	kv, ok := m.data[kind]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) put(key string, kind Kind, value []byte) error {
	kv, ok := m.data[kind]
	if !ok {
		kv = make(map[string][]byte)
		m.data[kind] = kv
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	kv[key] = cp
	return nil
}

func (m *Memory) delete(key string, kind Kind) error {
	if kv, ok := m.data[kind]; ok {
		delete(kv, key)
	}
	return nil
}

func (m *Memory) list(prefix string, kind Kind) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for k, v := range m.data[kind] {
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

// Package store persists entity snapshots under "<kind>:<id>" keys.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
)

// Entity kinds.
const (
	KindSession     = "session"
	KindParticipant = "participant"
)

// Key builds the storage key for an entity.
func Key(kind, id string) string {
	return kind + ":" + id
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (kind, id string, ok bool) {
	return strings.Cut(key, ":")
}

// MutateFunc receives the current value (nil when absent) and returns the
// value to store. Returning nil removes the key.
type MutateFunc func(old []byte) ([]byte, error)

// Store is a key-value snapshot store.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Create fails with ErrExists if key is present.
	Create(ctx context.Context, key string, value []byte) error
	// Update fails with ErrNotFound if key is absent.
	Update(ctx context.Context, key string, value []byte) error
	// Remove is a no-op for absent keys.
	Remove(ctx context.Context, key string) error
	// Mutate runs fn while holding the key's lock, so concurrent mutations
	// of one key never interleave their read and write.
	Mutate(ctx context.Context, key string, fn MutateFunc) error
	// List returns the keys of one kind, sorted.
	List(ctx context.Context, kind string) ([]string, error)
	Close() error
}

// Locks is a set of per-key mutexes. The zero value is ready to use.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires key's mutex and returns the matching unlock.
func (l *Locks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*keyLock)
	}
	k, ok := l.locks[key]
	if !ok {
		k = &keyLock{}
		l.locks[key] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Memory is an in-process Store.
type Memory struct {
	locks Locks
	mu    sync.RWMutex
	data  map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Create(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return ErrExists
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Update(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return ErrNotFound
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Mutate(ctx context.Context, key string, fn MutateFunc) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	old, err := m.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, err := fn(old)
	if err != nil {
		return err
	}
	if next == nil {
		return m.Remove(ctx, key)
	}
	m.mu.Lock()
	m.data[key] = append([]byte(nil), next...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, kind string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, kind+":") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error { return nil }

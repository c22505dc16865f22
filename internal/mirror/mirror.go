// Package mirror persists the last good grid of each key outside the process so
// a restart can serve stale data before the first refresh completes.
package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/l0p7/sheetsync/internal/source"
)

// Snapshot is the persisted form of a successful fetch.
type Snapshot struct {
	Key       source.CacheKey `json:"key"`
	Rows      source.Grid     `json:"rows"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// Mirror stores snapshots. Implementations must be safe for concurrent use.
type Mirror interface {
	Load(ctx context.Context, key source.CacheKey) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
	Close(ctx context.Context) error
}

type noop struct{}

// NewNoop returns a mirror that stores nothing.
func NewNoop() Mirror { return noop{} }

func (noop) Load(context.Context, source.CacheKey) (Snapshot, bool, error) {
	return Snapshot{}, false, nil
}
func (noop) Save(context.Context, Snapshot) error { return nil }
func (noop) Close(context.Context) error          { return nil }

type memoryMirror struct {
	maxAge time.Duration

	mu        sync.RWMutex
	snapshots map[source.CacheKey]Snapshot
}

// NewMemory keeps snapshots in process memory. It survives coordinator
// reconfiguration, not restarts. Snapshots older than maxAge are dropped on
// load; zero keeps them forever.
func NewMemory(maxAge time.Duration) Mirror {
	return &memoryMirror{maxAge: maxAge, snapshots: make(map[source.CacheKey]Snapshot)}
}

func (m *memoryMirror) Load(_ context.Context, key source.CacheKey) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	if expired(snap, m.maxAge) {
		delete(m.snapshots, key)
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (m *memoryMirror) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.snapshots[snap.Key]; ok && current.FetchedAt.After(snap.FetchedAt) {
		return nil
	}
	m.snapshots[snap.Key] = cloneSnapshot(snap)
	return nil
}

func (m *memoryMirror) Close(context.Context) error { return nil }

func cloneSnapshot(in Snapshot) Snapshot {
	return Snapshot{Key: in.Key, Rows: in.Rows.Clone(), FetchedAt: in.FetchedAt}
}

func expired(snap Snapshot, maxAge time.Duration) bool {
	return maxAge > 0 && time.Since(snap.FetchedAt) > maxAge
}

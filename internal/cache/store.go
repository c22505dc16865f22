// Package cache holds the last good grid per key together with freshness and
// failure bookkeeping.
//
// Lock discipline: one RWMutex guards the entry map and every entry. Mutations
// (Put, RecordFailure, Invalidate) take the write lock for the duration of a
// single map update and never perform I/O, so readers are never held behind a
// fetch. Stored grids are immutable; readers receive shared slices and must not
// modify them.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/l0p7/sheetsync/internal/fingerprint"
	"github.com/l0p7/sheetsync/internal/source"
)

// State summarises an entry for readers.
type State string

const (
	StateNoData State = "no_data"
	StateFresh  State = "fresh"
	StateStale  State = "stale"
)

// Entry is a snapshot of one key's cached state.
type Entry struct {
	Data        source.Grid
	Header      []string
	Rows        source.Grid
	Fingerprint fingerprint.Fingerprint
	FetchedAt   time.Time
	TTL         time.Duration
	LastError   error
	LastErrorAt time.Time
	Invalidated bool
}

// Populated reports whether the entry holds a successful fetch.
func (e Entry) Populated() bool {
	return !e.FetchedAt.IsZero()
}

// Store is an explicitly constructed cache instance. The zero value is not usable.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[source.CacheKey]*Entry
}

// Option customises a Store.
type Option func(*Store)

// WithClock replaces time.Now for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns an empty store whose entries go stale ttl after their fetch.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &Store{ttl: ttl, now: time.Now, entries: make(map[source.CacheKey]*Entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration { return s.ttl }

// Get returns the entry and whether it is stale. Never-populated keys are stale.
func (s *Store) Get(key source.CacheKey) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, true
	}
	return *e, s.staleLocked(e)
}

func (s *Store) staleLocked(e *Entry) bool {
	if !e.Populated() || e.Invalidated {
		return true
	}
	return s.now().Sub(e.FetchedAt) > e.TTL
}

// PutResult describes the effect of a Put.
type PutResult struct {
	// Applied is false when a fetch that completed later was already stored.
	Applied bool
	// Changed is true when the fingerprint differs from the previous one, or
	// when the key held no data before.
	Changed  bool
	Previous fingerprint.Fingerprint
}

// Put replaces data, fingerprint and fetch time and clears the last error.
// Writes are ordered by completion time: a grid fetched before the stored one
// is discarded.
func (s *Store) Put(key source.CacheKey, grid source.Grid, fp fingerprint.Fingerprint, fetchedAt time.Time) PutResult {
	data := grid.Clone()
	header, rows := DetectHeader(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{}
		s.entries[key] = e
	}
	if e.Populated() && fetchedAt.Before(e.FetchedAt) {
		return PutResult{Previous: e.Fingerprint}
	}
	res := PutResult{
		Applied:  true,
		Changed:  !e.Populated() || e.Fingerprint != fp,
		Previous: e.Fingerprint,
	}
	*e = Entry{
		Data:        data,
		Header:      header,
		Rows:        rows,
		Fingerprint: fp,
		FetchedAt:   fetchedAt,
		TTL:         s.ttl,
	}
	return res
}

// RecordFailure sets the last error without touching cached data.
func (s *Store) RecordFailure(key source.CacheKey, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{TTL: s.ttl}
		s.entries[key] = e
	}
	e.LastError = err
	e.LastErrorAt = s.now()
}

// Invalidate makes the next read stale while keeping the data.
func (s *Store) Invalidate(key source.CacheKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.Invalidated = true
	}
}

// Keys lists every key the store knows about, sorted.
func (s *Store) Keys() []source.CacheKey {
	s.mu.RLock()
	keys := make([]source.CacheKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Spreadsheet != keys[j].Spreadsheet {
			return keys[i].Spreadsheet < keys[j].Spreadsheet
		}
		return keys[i].Tab < keys[j].Tab
	})
	return keys
}

// Stats summarises the store.
type Stats struct {
	Entries    int       `json:"entries"`
	Populated  int       `json:"populated"`
	Stale      int       `json:"stale"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Stats counts entries and reports the newest fetch time.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Entries: len(s.entries)}
	for _, e := range s.entries {
		if e.Populated() {
			st.Populated++
			if e.FetchedAt.After(st.LastUpdate) {
				st.LastUpdate = e.FetchedAt
			}
		}
		if s.staleLocked(e) {
			st.Stale++
		}
	}
	return st
}

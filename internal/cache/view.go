package cache

import (
	"time"

	"github.com/l0p7/sheetsync/internal/fingerprint"
	"github.com/l0p7/sheetsync/internal/source"
)

// View is what the presentation layer reads for one key.
type View struct {
	Key         source.CacheKey
	State       State
	Header      []string
	Rows        source.Grid
	Stale       bool
	FetchedAt   time.Time
	Fingerprint fingerprint.Fingerprint
	LastError   error
	LastErrorAt time.Time
}

// HasData reports whether the view carries a successful fetch.
func (v View) HasData() bool {
	return v.State != StateNoData
}

// Read never blocks on a refresh. A key that was never fetched successfully
// reads as StateNoData with no rows rather than an empty grid.
func (s *Store) Read(key source.CacheKey) View {
	e, stale := s.Get(key)
	v := View{
		Key:         key,
		Stale:       stale,
		LastError:   e.LastError,
		LastErrorAt: e.LastErrorAt,
	}
	if !e.Populated() {
		v.State = StateNoData
		return v
	}
	v.State = StateFresh
	if stale {
		v.State = StateStale
	}
	v.Header = e.Header
	v.Rows = e.Rows
	v.FetchedAt = e.FetchedAt
	v.Fingerprint = e.Fingerprint
	return v
}

package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/l0p7/sheetsync/internal/fingerprint"
	"github.com/l0p7/sheetsync/internal/source"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var (
	epoch = time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	key   = source.NewCacheKey("sheet-1", "October")
	g1    = source.Grid{{"Name", "Hours"}, {"ana", "12"}}
	g2    = source.Grid{{"Name", "Hours"}, {"ana", "13"}}
)

func at(sec int) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

func TestGetNeverPopulatedIsStale(t *testing.T) {
	s := NewStore(time.Minute)
	e, stale := s.Get(key)
	require.True(t, stale)
	require.False(t, e.Populated())

	v := s.Read(key)
	require.Equal(t, StateNoData, v.State)
	require.False(t, v.HasData())
	require.Nil(t, v.Rows)
}

// Fetch at t=0 succeeds, fetch at t=5 fails with a network error, reads at
// t=10 and t=305, then a new grid arrives.
func TestStaleDataSurvivesFailures(t *testing.T) {
	clock := &testClock{now: at(0)}
	s := NewStore(300*time.Second, WithClock(clock.Now))

	res := s.Put(key, g1, fingerprint.Of(g1), at(0))
	require.True(t, res.Applied)
	require.True(t, res.Changed)

	clock.Set(at(5))
	netErr := source.NewNetworkError(key, errors.New("connection reset"))
	s.RecordFailure(key, netErr)

	clock.Set(at(10))
	e, stale := s.Get(key)
	require.False(t, stale)
	require.Equal(t, g1, e.Data)
	require.Equal(t, at(0), e.FetchedAt)
	require.ErrorIs(t, e.LastError, netErr)

	clock.Set(at(305))
	e, stale = s.Get(key)
	require.True(t, stale)
	require.Equal(t, g1, e.Data)
	v := s.Read(key)
	require.Equal(t, StateStale, v.State)
	require.Equal(t, []string{"Name", "Hours"}, v.Header)
	require.Equal(t, source.Grid{{"ana", "12"}}, v.Rows)

	res = s.Put(key, g2, fingerprint.Of(g2), at(305))
	require.True(t, res.Applied)
	require.True(t, res.Changed)
	require.Equal(t, fingerprint.Of(g1), res.Previous)

	e, stale = s.Get(key)
	require.False(t, stale)
	require.Nil(t, e.LastError)
	require.Equal(t, g2, e.Data)
}

func TestFailureBeforeFirstFetchKeepsNoData(t *testing.T) {
	s := NewStore(time.Minute)
	s.RecordFailure(key, source.NewAuthError(key, nil))
	v := s.Read(key)
	require.Equal(t, StateNoData, v.State)
	require.True(t, source.IsAuth(v.LastError))
	require.Equal(t, []source.CacheKey{key}, s.Keys())
}

func TestPutSameContentNotChanged(t *testing.T) {
	s := NewStore(time.Minute)
	s.Put(key, g1, fingerprint.Of(g1), at(0))
	res := s.Put(key, g1.Clone(), fingerprint.Of(g1), at(5))
	require.True(t, res.Applied)
	require.False(t, res.Changed)
	e, _ := s.Get(key)
	require.Equal(t, at(5), e.FetchedAt)
}

func TestPutLastCompletionWins(t *testing.T) {
	s := NewStore(time.Minute)
	s.Put(key, g2, fingerprint.Of(g2), at(20))
	res := s.Put(key, g1, fingerprint.Of(g1), at(10))
	require.False(t, res.Applied)

	e, _ := s.Get(key)
	require.Equal(t, at(20), e.FetchedAt)
	require.Equal(t, g2, e.Data)
}

// After N successful puts in any order, fetchedAt is the newest completion.
func TestFetchedAtTracksNewestCompletion(t *testing.T) {
	s := NewStore(time.Minute)
	completions := []int{7, 3, 11, 5, 11, 2, 9}
	var wg sync.WaitGroup
	for _, sec := range completions {
		wg.Add(1)
		go func(sec int) {
			defer wg.Done()
			grid := source.Grid{{"t"}, {time.Duration(sec).String()}}
			s.Put(key, grid, fingerprint.Of(grid), at(sec))
		}(sec)
	}
	wg.Wait()
	e, _ := s.Get(key)
	require.Equal(t, at(11), e.FetchedAt)
}

func TestInvalidateKeepsData(t *testing.T) {
	clock := &testClock{now: at(0)}
	s := NewStore(time.Hour, WithClock(clock.Now))
	s.Put(key, g1, fingerprint.Of(g1), at(0))
	s.Invalidate(key)

	v := s.Read(key)
	require.True(t, v.Stale)
	require.Equal(t, StateStale, v.State)
	require.Equal(t, source.Grid{{"ana", "12"}}, v.Rows)

	s.Put(key, g1, fingerprint.Of(g1), at(1))
	_, stale := s.Get(key)
	require.False(t, stale)

	// Invalidating an unknown key is a no-op.
	s.Invalidate(source.NewCacheKey("sheet-1", "missing"))
	require.Len(t, s.Keys(), 1)
}

func TestPutCopiesGrid(t *testing.T) {
	s := NewStore(time.Minute)
	grid := source.Grid{{"a", "b"}, {"1", "2"}}
	s.Put(key, grid, fingerprint.Of(grid), at(0))
	grid[1][0] = "mutated"
	e, _ := s.Get(key)
	require.Equal(t, "1", e.Data[1][0])
}

func TestStats(t *testing.T) {
	clock := &testClock{now: at(100)}
	s := NewStore(time.Minute, WithClock(clock.Now))
	s.Put(key, g1, fingerprint.Of(g1), at(10))
	other := source.NewCacheKey("sheet-1", "September")
	s.Put(other, g2, fingerprint.Of(g2), at(90))
	s.RecordFailure(source.NewCacheKey("sheet-1", "August"), errors.New("boom"))

	st := s.Stats()
	require.Equal(t, 3, st.Entries)
	require.Equal(t, 2, st.Populated)
	require.Equal(t, 2, st.Stale)
	require.Equal(t, at(90), st.LastUpdate)
}

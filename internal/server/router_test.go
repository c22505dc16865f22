package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/sheetsync/internal/cache"
	"github.com/l0p7/sheetsync/internal/metrics"
	"github.com/l0p7/sheetsync/internal/ratelimit"
	"github.com/l0p7/sheetsync/internal/refresh"
	"github.com/l0p7/sheetsync/internal/source"
	"github.com/l0p7/sheetsync/internal/tabselect"
	"github.com/stretchr/testify/require"
)

const testSheet = "sheet-1"

type stubFetcher struct {
	calls atomic.Int32
	mu    sync.Mutex
	fn    func(key source.CacheKey, call int) (source.Grid, error)
}

func (f *stubFetcher) Fetch(_ context.Context, key source.CacheKey) (source.Grid, error) {
	call := int(f.calls.Add(1))
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(key, call)
}

func (f *stubFetcher) set(fn func(key source.CacheKey, call int) (source.Grid, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func tabGrid(key source.CacheKey, call int) (source.Grid, error) {
	return source.Grid{
		{"Date", "Amount"},
		{key.Tab, strings.Repeat("1", call)},
	}, nil
}

type harness struct {
	fetcher *stubFetcher
	coord   *refresh.Coordinator
	poller  *refresh.Poller
	catalog *tabselect.Catalog
	server  *httptest.Server
	expect  *httpexpect.Expect
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fetcher := &stubFetcher{fn: tabGrid}
	limiter, err := ratelimit.New(60, time.Minute)
	require.NoError(t, err)
	recorder := metrics.NewRecorder(nil)

	coord, err := refresh.New(refresh.Options{
		Store:   cache.NewStore(time.Minute),
		Fetcher: fetcher,
		Limiter: limiter,
		Metrics: recorder,
		Backoff: refresh.Backoff{
			Attempts:       2,
			Base:           time.Millisecond,
			Max:            2 * time.Millisecond,
			RateLimitPause: time.Millisecond,
			Cooldown:       time.Hour,
			Jitter:         func() float64 { return 1 },
		},
	})
	require.NoError(t, err)

	catalog, err := tabselect.NewCatalog(tabselect.CatalogOptions{
		Spreadsheet: testSheet,
		Fixed:       []string{"Expenses", "Income"},
		Preferred:   "Income",
	})
	require.NoError(t, err)

	poller, err := refresh.NewPoller(coord, catalog.Keys, 5*time.Second, nil)
	require.NoError(t, err)

	handler, err := NewHandler(Deps{
		Refresher:   coord,
		Live:        poller,
		Catalog:     catalog,
		Budget:      limiter,
		Metrics:     recorder,
		WaitTimeout: 2 * time.Second,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		poller.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
		srv.Close()
	})

	return &harness{
		fetcher: fetcher,
		coord:   coord,
		poller:  poller,
		catalog: catalog,
		server:  srv,
		expect: httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  srv.URL,
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   srv.Client(),
		}),
	}
}

func (h *harness) key(tab string) source.CacheKey {
	return source.NewCacheKey(testSheet, tab)
}

func TestNewHandlerRequiresDeps(t *testing.T) {
	_, err := NewHandler(Deps{})
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	h.expect.GET("/healthz").Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("status", "ok")
}

func TestListTabs(t *testing.T) {
	h := newHarness(t)
	obj := h.expect.GET("/tabs").Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("spreadsheet", testSheet)
	obj.HasValue("tabs", []string{"Expenses", "Income"})
	obj.HasValue("default", "Income")
}

func TestDiscoverWithFixedTabs(t *testing.T) {
	h := newHarness(t)
	h.expect.POST("/tabs/discover").Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("tabs", []string{"Expenses", "Income"})
}

func TestReadUntrackedTab(t *testing.T) {
	h := newHarness(t)
	h.expect.GET("/tabs/Payroll").Expect().
		Status(http.StatusNotFound).
		JSON().Object().Value("error").Object().HasValue("code", "NOT_FOUND")
	require.Zero(t, h.fetcher.calls.Load())
}

func TestReadTriggersFirstFetch(t *testing.T) {
	h := newHarness(t)
	obj := h.expect.GET("/tabs/Expenses").Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("tab", "Expenses")
	obj.HasValue("state", "no_data")
	obj.HasValue("rows", []any{})
	obj.NotContainsKey("fetchedAt")

	require.Eventually(t, func() bool {
		return h.coord.Store().Read(h.key("Expenses")).HasData()
	}, 2*time.Second, 5*time.Millisecond)

	obj = h.expect.GET("/tabs/Expenses").Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("state", "fresh")
	obj.HasValue("stale", false)
	obj.HasValue("header", []string{"Date", "Amount"})
	obj.HasValue("rows", [][]string{{"Expenses", "1"}})
	obj.ContainsKey("fetchedAt")
	obj.Value("fingerprint").String().NotEmpty()
	require.Equal(t, int32(1), h.fetcher.calls.Load())
}

func TestRefreshTabWaits(t *testing.T) {
	h := newHarness(t)
	obj := h.expect.POST("/tabs/Income/refresh").WithQuery("wait", "true").Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("tab", "Income")
	obj.HasValue("reason", "manual")
	obj.HasValue("attempts", 1)
	obj.HasValue("changed", true)
	obj.NotContainsKey("error")

	second := h.expect.POST("/tabs/Income/refresh").WithQuery("wait", "true").Expect().
		Status(http.StatusOK).
		JSON().Object()
	second.HasValue("changed", true)
	require.Equal(t, int32(2), h.fetcher.calls.Load())
}

func TestRefreshTabAccepted(t *testing.T) {
	h := newHarness(t)
	h.expect.POST("/tabs/Expenses/refresh").Expect().
		Status(http.StatusAccepted).
		JSON().Object().HasValue("status", "accepted")

	require.Eventually(t, func() bool {
		return h.coord.Store().Read(h.key("Expenses")).HasData()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRefreshTabPermanentFailureSuspends(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(func(key source.CacheKey, _ int) (source.Grid, error) {
		return nil, source.NewNotFoundError(key, errors.New("tab deleted"))
	})

	failed := h.expect.POST("/tabs/Expenses/refresh").WithQuery("wait", "true").Expect().
		Status(http.StatusBadGateway).
		JSON().Object()
	failed.HasValue("attempts", 1)
	failed.Value("error").Object().HasValue("code", "NOT_FOUND")

	h.expect.POST("/tabs/Expenses/refresh").Expect().
		Status(http.StatusConflict).
		JSON().Object().Value("error").Object().HasValue("code", "CONFLICT")

	read := h.expect.GET("/tabs/Expenses").Expect().Status(http.StatusOK).JSON().Object()
	read.HasValue("state", "no_data")
	read.Value("lastError").Object().HasValue("code", "NOT_FOUND")
	read.ContainsKey("lastErrorAt")
	require.Equal(t, int32(1), h.fetcher.calls.Load())
}

func TestRefreshTabKeepsLastGoodData(t *testing.T) {
	h := newHarness(t)
	h.expect.POST("/tabs/Income/refresh").WithQuery("wait", "true").Expect().Status(http.StatusOK)

	h.fetcher.set(func(key source.CacheKey, _ int) (source.Grid, error) {
		return nil, source.NewNetworkError(key, errors.New("connection reset"))
	})
	h.expect.POST("/tabs/Income/refresh").WithQuery("wait", "true").Expect().
		Status(http.StatusBadGateway).
		JSON().Object().HasValue("attempts", 2)

	read := h.expect.GET("/tabs/Income").Expect().Status(http.StatusOK).JSON().Object()
	read.HasValue("state", "fresh")
	read.HasValue("rows", [][]string{{"Income", "1"}})
	read.Value("lastError").Object().HasValue("code", "NETWORK_ERROR")

	status := h.expect.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
	keys := status.Value("keys").Array()
	keys.Length().IsEqual(2)
	income := keys.Value(1).Object()
	income.HasValue("tab", "Income")
	income.HasValue("phase", "cooldown")
	income.ContainsKey("cooldownUntil")
}

func TestRefreshTabSourceTimeoutIsFailure(t *testing.T) {
	h := newHarness(t)
	h.fetcher.set(func(key source.CacheKey, _ int) (source.Grid, error) {
		return nil, source.NewTimeoutError(key, context.DeadlineExceeded)
	})

	failed := h.expect.POST("/tabs/Expenses/refresh").WithQuery("wait", "true").Expect().
		Status(http.StatusBadGateway).
		JSON().Object()
	failed.HasValue("attempts", 2)
	failed.Value("error").Object().HasValue("code", "TIMEOUT")
	require.Equal(t, int32(2), h.fetcher.calls.Load())
}

func TestRefreshAll(t *testing.T) {
	h := newHarness(t)
	obj := h.expect.POST("/refresh").Expect().Status(http.StatusAccepted).JSON().Object()
	obj.HasValue("triggered", []string{"Expenses", "Income"})
	obj.HasValue("rejected", map[string]any{})

	require.Eventually(t, func() bool {
		store := h.coord.Store()
		return store.Read(h.key("Expenses")).HasData() && store.Read(h.key("Income")).HasData()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSetLive(t *testing.T) {
	h := newHarness(t)

	obj := h.expect.POST("/live").WithJSON(map[string]any{"enabled": false, "intervalSeconds": 10}).Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("live", false)
	obj.HasValue("intervalSeconds", 10)
	require.Equal(t, 10*time.Second, h.poller.Interval())

	h.expect.POST("/live").WithJSON(map[string]any{"intervalSeconds": 1}).Expect().
		Status(http.StatusBadRequest).
		JSON().Object().Value("error").Object().HasValue("code", "INVALID_INPUT")
	require.Equal(t, 10*time.Second, h.poller.Interval())

	h.expect.POST("/live").WithJSON(map[string]any{"interval": 5}).Expect().
		Status(http.StatusBadRequest)

	h.expect.POST("/live").WithJSON(map[string]any{"enabled": true}).Expect().
		Status(http.StatusOK).
		JSON().Object().HasValue("live", true)
	require.True(t, h.poller.Live())
}

func TestStatusReportsBudgetAndCache(t *testing.T) {
	h := newHarness(t)
	h.expect.POST("/tabs/Expenses/refresh").WithQuery("wait", "true").Expect().Status(http.StatusOK)

	obj := h.expect.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
	obj.HasValue("spreadsheet", testSheet)
	obj.HasValue("live", false)
	obj.HasValue("intervalSeconds", 5)
	obj.Value("cache").Object().HasValue("populated", 1)
	obj.Value("rateLimit").Object().HasValue("quota", 60)
	obj.Value("rateLimit").Object().HasValue("used", 1)

	keys := obj.Value("keys").Array()
	keys.Length().IsEqual(2)
	expenses := keys.Value(0).Object()
	expenses.HasValue("tab", "Expenses")
	expenses.HasValue("phase", "idle")
	expenses.HasValue("state", "fresh")
	expenses.ContainsKey("fetchedAt")
	keys.Value(1).Object().HasValue("state", "no_data")
}

func TestEventsStreamChanges(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.server.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := h.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	_, err = h.coord.Refresh(context.Background(), h.key("Income"), refresh.ReasonManual)
	require.NoError(t, err)

	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Equal(t, "change", event)

	var body changeBody
	require.NoError(t, json.Unmarshal([]byte(data), &body))
	require.Equal(t, "Income", body.Tab)
	require.Equal(t, 2, body.Rows)
	require.NotEmpty(t, body.Fingerprint)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.expect.POST("/tabs/Expenses/refresh").WithQuery("wait", "true").Expect().Status(http.StatusOK)
	h.expect.GET("/tabs/Expenses").Expect().Status(http.StatusOK)

	body := h.expect.GET("/metrics").Expect().Status(http.StatusOK).Body()
	body.Contains(`sheetsync_fetch_total{outcome="ok",tab="Expenses"} 1`)
	body.Contains(`sheetsync_cache_reads_total{state="fresh",tab="Expenses"} 1`)
}

func TestRefreshAfterCloseUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.coord.Close(ctx))

	h.expect.POST("/tabs/Expenses/refresh").Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().Value("error").Object().HasValue("code", "SERVICE_UNAVAILABLE")
}

func TestReadTabConditional(t *testing.T) {
	h := newHarness(t)
	h.expect.POST("/tabs/Expenses/refresh").WithQuery("wait", "true").Expect().Status(http.StatusOK)

	resp := h.expect.GET("/tabs/Expenses").Expect().Status(http.StatusOK)
	etag := resp.Header("ETag").NotEmpty().Raw()
	require.True(t, strings.HasPrefix(etag, `W/"`), etag)
	resp.Header("Cache-Control").HasPrefix("private, max-age=")

	h.expect.GET("/tabs/Expenses").WithHeader("If-None-Match", etag).Expect().
		Status(http.StatusNotModified).
		Body().IsEmpty()

	h.coord.Store().Invalidate(h.key("Expenses"))
	stale := h.expect.GET("/tabs/Expenses").WithHeader("If-None-Match", etag).Expect().
		Status(http.StatusOK)
	stale.Header("Cache-Control").IsEqual("no-cache")
	stale.JSON().Object().HasValue("state", "stale")

	h.expect.GET("/tabs/Income").Expect().
		Status(http.StatusOK).
		Header("ETag").IsEmpty()
}

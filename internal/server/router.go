package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/l0p7/sheetsync/internal/cache"
	"github.com/l0p7/sheetsync/internal/metrics"
	"github.com/l0p7/sheetsync/internal/ratelimit"
	"github.com/l0p7/sheetsync/internal/refresh"
	"github.com/l0p7/sheetsync/internal/source"
)

// Refresher is the slice of the refresh coordinator the HTTP surface drives.
type Refresher interface {
	Read(key source.CacheKey) cache.View
	Trigger(key source.CacheKey, reason refresh.Reason) (<-chan refresh.Result, error)
	Refresh(ctx context.Context, key source.CacheKey, reason refresh.Reason) (refresh.Result, error)
	Status() []refresh.KeyStatus
	Hub() *refresh.Hub
	Store() *cache.Store
}

// LiveControl toggles scheduled refreshing.
type LiveControl interface {
	SetLive(enabled bool)
	SetInterval(d time.Duration) error
	Live() bool
	Interval() time.Duration
}

// Catalog lists tracked tabs.
type Catalog interface {
	Spreadsheet() string
	Tabs() []string
	Tracks(tab string) bool
	Keys() []source.CacheKey
	Default() string
	Discover(ctx context.Context) error
}

// Budget reports rate limiter usage.
type Budget interface {
	Status() ratelimit.Status
}

// Deps wires the HTTP handlers.
type Deps struct {
	Refresher Refresher
	Live      LiveControl
	Catalog   Catalog
	Budget    Budget
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
	// WaitTimeout bounds POST /tabs/{tab}/refresh?wait=true. Zero means 30s.
	WaitTimeout time.Duration
}

type api struct {
	Deps
}

// NewHandler builds the routing table for runtime controls and reads.
func NewHandler(d Deps) (http.Handler, error) {
	if d.Refresher == nil || d.Live == nil || d.Catalog == nil {
		return nil, fmt.Errorf("server: refresher, live control and catalog required")
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = 30 * time.Second
	}
	a := &api{Deps: d}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /tabs", a.listTabs)
	mux.HandleFunc("GET /tabs/{tab}", a.readTab)
	mux.HandleFunc("POST /tabs/{tab}/refresh", a.refreshTab)
	mux.HandleFunc("POST /tabs/discover", a.discover)
	mux.HandleFunc("POST /refresh", a.refreshAll)
	mux.HandleFunc("POST /live", a.setLive)
	mux.HandleFunc("GET /status", a.status)
	mux.HandleFunc("GET /events", a.events)
	mux.Handle("GET /metrics", d.Metrics.Handler())
	return mux, nil
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) listTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"spreadsheet": a.Catalog.Spreadsheet(),
		"tabs":        a.Catalog.Tabs(),
		"default":     a.Catalog.Default(),
	})
}

type tabView struct {
	Tab         string                `json:"tab"`
	State       cache.State           `json:"state"`
	Stale       bool                  `json:"stale"`
	Header      []string              `json:"header"`
	Rows        source.Grid           `json:"rows"`
	FetchedAt   *time.Time            `json:"fetchedAt,omitempty"`
	Fingerprint string                `json:"fingerprint,omitempty"`
	LastError   *errors.ErrorResponse `json:"lastError,omitempty"`
	LastErrorAt *time.Time            `json:"lastErrorAt,omitempty"`
}

func newTabView(v cache.View) tabView {
	out := tabView{
		Tab:       v.Key.Tab,
		State:     v.State,
		Stale:     v.Stale,
		Header:    v.Header,
		Rows:      v.Rows,
		LastError: errors.ToJSON(v.LastError),
	}
	if out.Header == nil {
		out.Header = []string{}
	}
	if out.Rows == nil {
		out.Rows = source.Grid{}
	}
	if v.HasData() {
		fetched := v.FetchedAt
		out.FetchedAt = &fetched
		out.Fingerprint = v.Fingerprint.String()
	}
	if !v.LastErrorAt.IsZero() {
		at := v.LastErrorAt
		out.LastErrorAt = &at
	}
	return out
}

// readTab never fails because of fetch problems: the last good data (or none)
// is returned alongside the last error.
func (a *api) readTab(w http.ResponseWriter, r *http.Request) {
	key, ok := a.trackedKey(w, r)
	if !ok {
		return
	}
	view := a.Refresher.Read(key)
	switch view.State {
	case cache.StateFresh:
		a.Metrics.ObserveCacheRead(key.Tab, metrics.ReadFresh)
	case cache.StateStale:
		a.Metrics.ObserveCacheRead(key.Tab, metrics.ReadStale)
	default:
		a.Metrics.ObserveCacheRead(key.Tab, metrics.ReadEmpty)
	}
	if view.HasData() {
		etag := entityTag(view)
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", cacheControl(view, a.Refresher.Store().TTL(), time.Now()))
		if etagMatches(r.Header.Get("If-None-Match"), etag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}
	writeJSON(w, http.StatusOK, newTabView(view))
}

// entityTag is weak: the body also carries the freshness flag, so the state is
// part of the tag.
func entityTag(v cache.View) string {
	return `W/"` + v.Fingerprint.String() + "-" + string(v.State) + `"`
}

// cacheControl lets clients reuse a fresh read until the entry's TTL runs out.
func cacheControl(v cache.View, ttl time.Duration, now time.Time) string {
	if v.Stale {
		return "no-cache"
	}
	remaining := ttl - now.Sub(v.FetchedAt)
	if remaining < 0 {
		remaining = 0
	}
	return "private, max-age=" + strconv.Itoa(int(remaining/time.Second))
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(etag, "W/") {
			return true
		}
	}
	return false
}

type resultBody struct {
	Tab         string                `json:"tab"`
	Reason      refresh.Reason        `json:"reason"`
	Attempts    int                   `json:"attempts"`
	Changed     bool                  `json:"changed"`
	Fingerprint string                `json:"fingerprint,omitempty"`
	FetchedAt   *time.Time            `json:"fetchedAt,omitempty"`
	Error       *errors.ErrorResponse `json:"error,omitempty"`
}

func newResultBody(res refresh.Result) resultBody {
	out := resultBody{
		Tab:      res.Key.Tab,
		Reason:   res.Reason,
		Attempts: res.Attempts,
		Changed:  res.Changed,
		Error:    errors.ToJSON(res.Err),
	}
	if !res.FetchedAt.IsZero() {
		at := res.FetchedAt
		out.FetchedAt = &at
		out.Fingerprint = res.Fingerprint.String()
	}
	return out
}

func (a *api) refreshTab(w http.ResponseWriter, r *http.Request) {
	key, ok := a.trackedKey(w, r)
	if !ok {
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if _, err := a.Refresher.Trigger(key, refresh.ReasonManual); err != nil {
			a.writeTriggerError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "tab": key.Tab})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.WaitTimeout)
	defer cancel()
	res, err := a.Refresher.Refresh(ctx, key, refresh.ReasonManual)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, newResultBody(res))
	case ctx.Err() != nil && res.Err == nil:
		// The refresh keeps running; only this wait gave up.
		writeError(w, http.StatusAccepted, errors.Wrap(err, errors.CodeTimeout, "refresh still running"))
	case res.Attempts == 0:
		a.writeTriggerError(w, err)
	default:
		writeJSON(w, http.StatusBadGateway, newResultBody(res))
	}
}

func (a *api) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, refresh.ErrSuspended):
		writeError(w, http.StatusConflict, errors.Wrap(err, errors.CodeConflict, "tab suspended until credentials are reconfigured"))
	case errors.Is(err, refresh.ErrCoolingDown):
		writeError(w, http.StatusConflict, errors.Wrap(err, errors.CodeConflict, err.Error()))
	case errors.Is(err, refresh.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, errors.CodeUnavailable, "shutting down"))
	default:
		writeError(w, http.StatusBadRequest, errors.Wrap(err, errors.CodeInvalidInput, err.Error()))
	}
}

// refreshAll marks every tracked tab stale and triggers a manual refresh of each.
func (a *api) refreshAll(w http.ResponseWriter, _ *http.Request) {
	store := a.Refresher.Store()
	triggered := []string{}
	rejected := map[string]*errors.ErrorResponse{}
	for _, key := range a.Catalog.Keys() {
		store.Invalidate(key)
		if _, err := a.Refresher.Trigger(key, refresh.ReasonManual); err != nil {
			rejected[key.Tab] = errors.ToJSON(err)
			continue
		}
		triggered = append(triggered, key.Tab)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": triggered, "rejected": rejected})
}

func (a *api) discover(w http.ResponseWriter, r *http.Request) {
	if err := a.Catalog.Discover(r.Context()); err != nil {
		a.Logger.Warn("tab discovery failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, err)
		return
	}
	a.listTabs(w, r)
}

type liveRequest struct {
	Enabled         *bool `json:"enabled"`
	IntervalSeconds *int  `json:"intervalSeconds"`
}

func (a *api) setLive(w http.ResponseWriter, r *http.Request) {
	var req liveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, errors.CodeInvalidInput, "invalid live request body"))
		return
	}
	if req.IntervalSeconds != nil {
		if err := a.Live.SetInterval(time.Duration(*req.IntervalSeconds) * time.Second); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, errors.CodeInvalidInput, err.Error()))
			return
		}
	}
	if req.Enabled != nil {
		a.Live.SetLive(*req.Enabled)
	}
	writeJSON(w, http.StatusOK, a.liveState())
}

func (a *api) liveState() map[string]any {
	return map[string]any{
		"live":            a.Live.Live(),
		"intervalSeconds": int(a.Live.Interval() / time.Second),
	}
}

type keyStatusBody struct {
	Tab           string                `json:"tab"`
	Phase         refresh.Phase         `json:"phase"`
	State         cache.State           `json:"state"`
	Stale         bool                  `json:"stale"`
	FetchedAt     *time.Time            `json:"fetchedAt,omitempty"`
	CooldownUntil *time.Time            `json:"cooldownUntil,omitempty"`
	LastError     *errors.ErrorResponse `json:"lastError,omitempty"`
}

type statusBody struct {
	Spreadsheet     string            `json:"spreadsheet"`
	Live            bool              `json:"live"`
	IntervalSeconds int               `json:"intervalSeconds"`
	Cache           cache.Stats       `json:"cache"`
	Keys            []keyStatusBody   `json:"keys"`
	RateLimit       *ratelimit.Status `json:"rateLimit,omitempty"`
	DroppedEvents   int               `json:"droppedEvents"`
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	store := a.Refresher.Store()
	phases := map[source.CacheKey]refresh.KeyStatus{}
	for _, st := range a.Refresher.Status() {
		phases[st.Key] = st
	}
	body := statusBody{
		Spreadsheet:     a.Catalog.Spreadsheet(),
		Live:            a.Live.Live(),
		IntervalSeconds: int(a.Live.Interval() / time.Second),
		Cache:           store.Stats(),
		Keys:            []keyStatusBody{},
		DroppedEvents:   a.Refresher.Hub().Dropped(),
	}
	for _, key := range a.Catalog.Keys() {
		view := store.Read(key)
		ks := keyStatusBody{
			Tab:       key.Tab,
			Phase:     refresh.PhaseIdle,
			State:     view.State,
			Stale:     view.Stale,
			LastError: errors.ToJSON(view.LastError),
		}
		if st, ok := phases[key]; ok {
			ks.Phase = st.Phase
			if st.Phase == refresh.PhaseCooldown {
				until := st.CooldownUntil
				ks.CooldownUntil = &until
			}
		}
		if view.HasData() {
			at := view.FetchedAt
			ks.FetchedAt = &at
		}
		body.Keys = append(body.Keys, ks)
	}
	if a.Budget != nil {
		rl := a.Budget.Status()
		body.RateLimit = &rl
	}
	writeJSON(w, http.StatusOK, body)
}

// events streams change notifications as server-sent events until the client
// disconnects or the coordinator shuts down.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New(errors.CodeNotImplemented, "streaming unsupported"))
		return
	}
	ch, cancel := a.Refresher.Hub().Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(changeBody{
				Tab:         ev.Key.Tab,
				Fingerprint: ev.Fingerprint.String(),
				Previous:    ev.Previous.String(),
				FetchedAt:   ev.FetchedAt,
				Rows:        ev.Rows,
			})
			if err != nil {
				a.Logger.Error("encode change event", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type changeBody struct {
	Tab         string    `json:"tab"`
	Fingerprint string    `json:"fingerprint"`
	Previous    string    `json:"previous"`
	FetchedAt   time.Time `json:"fetchedAt"`
	Rows        int       `json:"rows"`
}

func (a *api) trackedKey(w http.ResponseWriter, r *http.Request) (source.CacheKey, bool) {
	tab := r.PathValue("tab")
	if !a.Catalog.Tracks(tab) {
		writeError(w, http.StatusNotFound, errors.Newf(errors.CodeNotFound, "tab %q is not tracked", tab))
		return source.CacheKey{}, false
	}
	return source.NewCacheKey(a.Catalog.Spreadsheet(), tab), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": errors.ToJSON(err)})
}

package tabselect

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/l0p7/sheetsync/internal/source"
)

// Lister enumerates the tabs of a spreadsheet.
type Lister interface {
	ListTabs(ctx context.Context, spreadsheet string) ([]source.TabInfo, error)
}

// Limiter admits outbound calls.
type Limiter interface {
	Wait(ctx context.Context) (time.Duration, error)
}

// CatalogOptions configures a Catalog.
type CatalogOptions struct {
	Spreadsheet string
	// Fixed pins the tracked tabs and disables discovery.
	Fixed []string
	// Selector filters discovered tabs. Nil tracks every tab.
	Selector *Selector
	// Preferred names the default tab when it is tracked.
	Preferred string
	Lister    Lister
	Limiter   Limiter
	Clock     func() time.Time
}

// Catalog holds the set of tracked tabs for one spreadsheet.
type Catalog struct {
	spreadsheet string
	fixed       bool
	selector    *Selector
	preferred   string
	now         func() time.Time

	mu      sync.RWMutex
	lister  Lister
	limiter Limiter
	tabs    []source.TabInfo
}

// NewCatalog builds a catalog. Fixed tab names are tracked in the given order
// and Discover becomes a no-op.
func NewCatalog(opts CatalogOptions) (*Catalog, error) {
	if opts.Spreadsheet == "" {
		return nil, errors.New("tabselect: spreadsheet required")
	}
	c := &Catalog{
		spreadsheet: opts.Spreadsheet,
		selector:    opts.Selector,
		preferred:   opts.Preferred,
		lister:      opts.Lister,
		limiter:     opts.Limiter,
		now:         opts.Clock,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if len(opts.Fixed) > 0 {
		c.fixed = true
		for i, title := range opts.Fixed {
			c.tabs = append(c.tabs, source.TabInfo{Title: title, Index: i})
		}
		return c, nil
	}
	if c.lister == nil {
		return nil, errors.New("tabselect: lister required when no tabs are listed")
	}
	return c, nil
}

// SetLister swaps the tab lister, for example after credentials rotate.
func (c *Catalog) SetLister(l Lister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lister = l
}

// Discover lists the spreadsheet's tabs and applies the selector. The
// previous tab set is kept when listing fails.
func (c *Catalog) Discover(ctx context.Context) error {
	if c.fixed {
		return nil
	}
	c.mu.RLock()
	lister, limiter := c.lister, c.limiter
	c.mu.RUnlock()

	if limiter != nil {
		if _, err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("tabselect: discover: %w", err)
		}
	}
	all, err := lister.ListTabs(ctx, c.spreadsheet)
	if err != nil {
		return err
	}
	selected, err := c.selector.Select(all, c.now())
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tabs = selected
	c.mu.Unlock()
	return nil
}

// Spreadsheet returns the id the catalog tracks.
func (c *Catalog) Spreadsheet() string { return c.spreadsheet }

// Tabs returns tracked tab titles in sheet order.
func (c *Catalog) Tabs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.tabs))
	for i, tab := range c.tabs {
		out[i] = tab.Title
	}
	return out
}

// Tracks reports whether tab is in the tracked set.
func (c *Catalog) Tracks(tab string) bool {
	return slices.Contains(c.Tabs(), tab)
}

// Keys returns one cache key per tracked tab.
func (c *Catalog) Keys() []source.CacheKey {
	tabs := c.Tabs()
	keys := make([]source.CacheKey, len(tabs))
	for i, tab := range tabs {
		keys[i] = source.NewCacheKey(c.spreadsheet, tab)
	}
	return keys
}

// Default picks the tab shown when none is requested: the preferred tab if
// tracked, otherwise the tab naming the current month, otherwise the first.
func (c *Catalog) Default() string {
	c.mu.RLock()
	tabs := slices.Clone(c.tabs)
	c.mu.RUnlock()
	if len(tabs) == 0 {
		return ""
	}
	for _, tab := range tabs {
		if c.preferred != "" && tab.Title == c.preferred {
			return tab.Title
		}
	}
	if tab, ok := CurrentMonth(tabs, c.now()); ok {
		return tab.Title
	}
	return tabs[0].Title
}

package source

import (
	"context"
	"strings"
)

// CacheKey identifies one tab of one spreadsheet. It is comparable and safe to
// use as a map key.
type CacheKey struct {
	Spreadsheet string `json:"spreadsheet"`
	Tab         string `json:"tab"`
}

// NewCacheKey trims the spreadsheet id. Tab titles are kept byte for byte since
// the source addresses tabs by their exact title.
func NewCacheKey(spreadsheet, tab string) CacheKey {
	return CacheKey{Spreadsheet: strings.TrimSpace(spreadsheet), Tab: tab}
}

// Valid reports whether both parts are present.
func (k CacheKey) Valid() bool {
	return k.Spreadsheet != "" && k.Tab != ""
}

func (k CacheKey) String() string {
	return k.Spreadsheet + "/" + k.Tab
}

// Grid is the raw cell matrix of a tab in row order. Rows may be ragged. A Grid
// handed to the cache is treated as immutable.
type Grid [][]string

// Width returns the length of the widest row.
func (g Grid) Width() int {
	width := 0
	for _, row := range g {
		if len(row) > width {
			width = len(row)
		}
	}
	return width
}

// Clone deep-copies the grid.
func (g Grid) Clone() Grid {
	if g == nil {
		return nil
	}
	out := make(Grid, len(g))
	for i, row := range g {
		out[i] = append([]string(nil), row...)
	}
	return out
}

// TabInfo describes one tab discovered in a spreadsheet.
type TabInfo struct {
	Title string `json:"title"`
	Index int    `json:"index"`
}

// Fetcher performs exactly one outbound call per Fetch and never retries.
type Fetcher interface {
	Fetch(ctx context.Context, key CacheKey) (Grid, error)
}

// Client is the full source surface: fetching, tab discovery and release of the
// credential handle and connections.
type Client interface {
	Fetcher
	ListTabs(ctx context.Context, spreadsheet string) ([]TabInfo, error)
	Close() error
}

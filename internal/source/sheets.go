package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsOptions configures a SheetsClient.
type SheetsOptions struct {
	// Credentials holds the service account JSON. It is required unless
	// HTTPClient is supplied.
	Credentials []byte
	// Endpoint overrides the API base URL. Must end with a slash.
	Endpoint string
	// Timeout bounds a single outbound call. Zero disables the bound.
	Timeout time.Duration
	// HTTPClient bypasses credential handling entirely.
	HTTPClient *http.Client
}

// SheetsClient reads tabs from Google Sheets using a read-only service account.
type SheetsClient struct {
	svc       *sheets.Service
	transport *http.Transport
	timeout   time.Duration
}

var _ Client = (*SheetsClient)(nil)

// NewSheetsClient acquires the credential handle and the connection pool. Close
// releases both.
func NewSheetsClient(ctx context.Context, opts SheetsOptions) (*SheetsClient, error) {
	var (
		httpClient = opts.HTTPClient
		transport  *http.Transport
	)
	if httpClient == nil {
		if len(opts.Credentials) == 0 {
			return nil, fmt.Errorf("source: credentials required")
		}
		base, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("source: unexpected default transport %T", http.DefaultTransport)
		}
		transport = base.Clone()
		// Token refreshes outlive any single request, so they ride a background
		// context bound to the owned transport.
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: transport})
		creds, err := google.CredentialsFromJSON(tokenCtx, opts.Credentials, sheets.SpreadsheetsReadonlyScope)
		if err != nil {
			transport.CloseIdleConnections()
			return nil, fmt.Errorf("source: parse credentials: %w", err)
		}
		httpClient = oauth2.NewClient(tokenCtx, creds.TokenSource)
	}

	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		if transport != nil {
			transport.CloseIdleConnections()
		}
		return nil, fmt.Errorf("source: sheets service: %w", err)
	}
	return &SheetsClient{svc: svc, transport: transport, timeout: opts.Timeout}, nil
}

// Fetch reads every cell of the tab as formatted strings.
func (c *SheetsClient) Fetch(ctx context.Context, key CacheKey) (Grid, error) {
	if !key.Valid() {
		return nil, NewNotFoundError(key, fmt.Errorf("incomplete cache key %q", key.String()))
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	resp, err := c.svc.Spreadsheets.Values.Get(key.Spreadsheet, QuoteTab(key.Tab)).
		ValueRenderOption("FORMATTED_VALUE").
		DateTimeRenderOption("FORMATTED_STRING").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(key, err)
	}
	return toGrid(key, resp.Values)
}

// ListTabs returns the tabs of a spreadsheet in display order.
func (c *SheetsClient) ListTabs(ctx context.Context, spreadsheet string) ([]TabInfo, error) {
	key := CacheKey{Spreadsheet: spreadsheet}
	ctx, cancel := c.bound(ctx)
	defer cancel()

	resp, err := c.svc.Spreadsheets.Get(spreadsheet).
		Fields("sheets(properties(title,index))").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classify(key, err)
	}
	tabs := make([]TabInfo, 0, len(resp.Sheets))
	for _, sheet := range resp.Sheets {
		if sheet == nil || sheet.Properties == nil {
			return nil, NewParseError(key, fmt.Errorf("sheet without properties"))
		}
		tabs = append(tabs, TabInfo{Title: sheet.Properties.Title, Index: int(sheet.Properties.Index)})
	}
	return tabs, nil
}

// Close drops pooled connections. Safe to call more than once.
func (c *SheetsClient) Close() error {
	if c == nil || c.transport == nil {
		return nil
	}
	c.transport.CloseIdleConnections()
	return nil
}

func (c *SheetsClient) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// QuoteTab renders a tab title as an A1 range covering the whole tab.
func QuoteTab(tab string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'"
}

func toGrid(key CacheKey, values [][]interface{}) (Grid, error) {
	grid := make(Grid, 0, len(values))
	for r, row := range values {
		cells := make([]string, len(row))
		for col, raw := range row {
			switch v := raw.(type) {
			case nil:
			case string:
				cells[col] = v
			case float64:
				cells[col] = strconv.FormatFloat(v, 'f', -1, 64)
			case bool:
				cells[col] = strconv.FormatBool(v)
			default:
				return nil, NewParseError(key, fmt.Errorf("cell %d:%d has unsupported type %T", r+1, col+1, raw))
			}
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

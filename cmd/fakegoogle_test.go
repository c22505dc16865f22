package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const fakeToken = "fake-access-token"

// fakeGoogle serves the OAuth token endpoint and the two Sheets calls the
// source client makes.
type fakeGoogle struct {
	server  *httptest.Server
	tokens  atomic.Int32
	fetches atomic.Int32

	mu    sync.Mutex
	order []string
	tabs  map[string][][]string
	fail  int
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	g := &fakeGoogle{tabs: map[string][][]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", g.token)
	mux.HandleFunc("GET /v4/spreadsheets/{id}/values/{range}", g.values)
	mux.HandleFunc("GET /v4/spreadsheets/{id}", g.spreadsheet)
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGoogle) endpoint() string { return g.server.URL + "/" }

func (g *fakeGoogle) setTab(title string, rows [][]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tabs[title]; !ok {
		g.order = append(g.order, title)
	}
	g.tabs[title] = rows
}

// failWith makes value reads answer with status until reset with zero.
func (g *fakeGoogle) failWith(status int) {
	g.mu.Lock()
	g.fail = status
	g.mu.Unlock()
}

func (g *fakeGoogle) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("assertion") == "" {
		http.Error(w, "missing assertion", http.StatusBadRequest)
		return
	}
	g.tokens.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, fakeToken)
}

func (g *fakeGoogle) authorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") == "Bearer "+fakeToken {
		return true
	}
	writeGoogleError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing token")
	return false
}

func (g *fakeGoogle) values(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(w, r) {
		return
	}
	g.fetches.Add(1)
	title := strings.ReplaceAll(strings.Trim(r.PathValue("range"), "'"), "''", "'")

	g.mu.Lock()
	rows, ok := g.tabs[title]
	fail := g.fail
	g.mu.Unlock()

	if fail != 0 {
		writeGoogleError(w, fail, http.StatusText(fail), "injected failure")
		return
	}
	if !ok {
		writeGoogleError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Unable to parse range: "+title)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"range":          r.PathValue("range"),
		"majorDimension": "ROWS",
		"values":         rows,
	})
}

func (g *fakeGoogle) spreadsheet(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(w, r) {
		return
	}
	g.mu.Lock()
	sheets := make([]map[string]any, 0, len(g.order))
	for i, title := range g.order {
		sheets = append(sheets, map[string]any{"properties": map[string]any{"title": title, "index": i}})
	}
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"sheets": sheets})
}

func writeGoogleError(w http.ResponseWriter, code int, status, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"status":%q}}`, code, message, status)
}

// credentials renders a service account key whose token endpoint is the fake.
func (g *fakeGoogle) credentials(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "sheetsync-test",
		"private_key_id": "test-key",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "sync@sheetsync-test.iam.gserviceaccount.com",
		"client_id":      "1",
		"token_uri":      g.server.URL + "/token",
	})
	require.NoError(t, err)
	return payload
}

func (g *fakeGoogle) writeCredentials(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, g.credentials(t), 0o600))
	return path
}

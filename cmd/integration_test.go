package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"
)

type integrationProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func startServerProcess(t *testing.T, configPath string, env map[string]string) *integrationProcess {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "go", "run", ".", "-config", configPath)
	cmd.Dir = "."
	cacheRoot := filepath.Join(os.TempDir(), "sheetsync-integration")
	cacheDir := filepath.Join(cacheRoot, "gocache")
	moduleCache := filepath.Join(cacheRoot, "gomodcache")
	for _, dir := range []string{cacheDir, moduleCache} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			cancel()
			t.Fatalf("failed to create cache dir: %v", err)
		}
	}
	cmd.Env = append(os.Environ(), "GOFLAGS=", "GOCACHE="+cacheDir, "GOMODCACHE="+moduleCache)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		t.Fatalf("failed to start server process: %v", err)
	}

	proc := &integrationProcess{cmd: cmd, cancel: cancel, stdout: stdout, stderr: stderr}
	proc.wg.Add(1)
	go func() {
		defer proc.wg.Done()
		_ = cmd.Wait()
	}()
	return proc
}

func (p *integrationProcess) stop(t *testing.T) {
	t.Helper()
	if p == nil {
		return
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		p.cancel()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGKILL)
		}
	}
	p.cancel()
	if t.Failed() {
		if out := strings.TrimSpace(p.stdout.String()); out != "" {
			t.Logf("server stdout:\n%s", out)
		}
		if errOut := strings.TrimSpace(p.stderr.String()); errOut != "" {
			t.Logf("server stderr:\n%s", errOut)
		}
	}
}

func waitForEndpoint(t *testing.T, client *http.Client, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
		require.NoError(t, err)
		resp, err := client.Do(req) // #nosec G107 - test helper for local server
		if err == nil {
			status := resp.StatusCode
			require.NoError(t, resp.Body.Close())
			if status < 500 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("server did not respond successfully within %v", timeout)
}

func writeIntegrationConfig(t *testing.T, dir string, port int, g *fakeGoogle) string {
	t.Helper()
	cfg := map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": "127.0.0.1",
				"port":    port,
			},
			"logging": map[string]any{
				"format": "text",
				"level":  "warn",
			},
		},
		"source": map[string]any{
			"endpoint":       g.endpoint(),
			"timeoutSeconds": 5,
		},
		"refresh": map[string]any{
			"live": false,
		},
		"rateLimit": map[string]any{
			"minIntervalMillis": 0,
		},
		"tabs": map[string]any{
			"select": `!title.startsWith("_")`,
		},
	}

	contents, err := json.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	path := filepath.Join(dir, "integration-config.json")
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	return path
}

func allocatePort(t *testing.T) int {
	t.Helper()
	var lc net.ListenConfig
	l, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, ok := l.Addr().(*net.TCPAddr)
	require.True(t, ok, "unexpected addr type %T", l.Addr())
	port := addr.Port
	require.NoError(t, l.Close())
	return port
}

func integrationURL(port int, path string) string {
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Path:   path,
	}
	return u.String()
}

func TestIntegrationServerStartup(t *testing.T) {
	if os.Getenv("SHEETSYNC_INTEGRATION") == "" {
		t.Skip("set SHEETSYNC_INTEGRATION=1 to run integration tests")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	g := newFakeGoogle(t)
	g.setTab("_notes", [][]string{{"ignored"}})
	g.setTab("October", [][]string{{"Name", "Hours"}, {"ana", "12.5"}})
	g.setTab("September", [][]string{{"Name", "Hours"}, {"bo", "3"}})

	temp := t.TempDir()
	port := allocatePort(t)
	configPath := writeIntegrationConfig(t, temp, port, g)
	credentials := g.writeCredentials(t, temp)

	process := startServerProcess(t, configPath, map[string]string{
		// Legacy alias spellings, including a pasted sheet URL.
		"Spreadsheet_ID":                   `"https://docs.google.com/spreadsheets/d/sheet-1/edit#gid=0"`,
		"GOOGLE_APPLICATION_CREDENTIALS":   credentials,
		"SHEETSYNC_SERVER__LOGGING__LEVEL": "debug",
	})
	defer process.stop(t)

	client := &http.Client{Timeout: 5 * time.Second}
	waitForEndpoint(t, client, integrationURL(port, "/healthz"), 90*time.Second)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  integrationURL(port, ""),
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   client,
	})

	t.Run("discovered tabs exclude underscored titles", func(t *testing.T) {
		obj := expect.GET("/tabs").Expect().Status(http.StatusOK).JSON().Object()
		obj.HasValue("spreadsheet", "sheet-1")
		obj.HasValue("tabs", []string{"October", "September"})
	})

	t.Run("refresh then read", func(t *testing.T) {
		expect.POST("/tabs/October/refresh").WithQuery("wait", "true").Expect().
			Status(http.StatusOK)
		read := expect.GET("/tabs/October").Expect().Status(http.StatusOK).JSON().Object()
		read.HasValue("state", "fresh")
		read.HasValue("header", []string{"Name", "Hours"})
		read.HasValue("rows", [][]string{{"ana", "12.5"}})
	})

	t.Run("status reports rate limit usage", func(t *testing.T) {
		obj := expect.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
		obj.Value("rateLimit").Object().Value("used").Number().Ge(2)
	})
}

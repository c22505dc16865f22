package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/l0p7/sheetsync/internal/cache"
	"github.com/l0p7/sheetsync/internal/config"
	"github.com/l0p7/sheetsync/internal/fingerprint"
	"github.com/l0p7/sheetsync/internal/logging"
	"github.com/l0p7/sheetsync/internal/metrics"
	"github.com/l0p7/sheetsync/internal/mirror"
	"github.com/l0p7/sheetsync/internal/ratelimit"
	"github.com/l0p7/sheetsync/internal/refresh"
	"github.com/l0p7/sheetsync/internal/server"
	"github.com/l0p7/sheetsync/internal/source"
	"github.com/l0p7/sheetsync/internal/tabselect"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(ctx context.Context) error
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv, err := server.New(cfg, logger, handler)
		if err != nil {
			return nil, err
		}
		return srv, nil
	}
	newSourceClient = func(ctx context.Context, cfg config.SourceConfig, credentials []byte) (source.Client, error) {
		client, err := source.NewSheetsClient(ctx, source.SheetsOptions{
			Credentials: credentials,
			Endpoint:    cfg.Endpoint,
			Timeout:     cfg.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	newLogger = logging.New

	// closeTimeout bounds the first wait for in-flight fetches at shutdown.
	closeTimeout = 10 * time.Second
)

const warmupTimeout = 10 * time.Second

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file (yaml, json or toml)")
		envPrefix  = flag.String("env-prefix", "SHEETSYNC", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := newLogger(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}
	for _, notice := range cfg.AliasNotices {
		logger.Warn("configuration alias conflict", slog.String("notice", notice))
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	credentials, err := os.ReadFile(cfg.Source.CredentialsFile)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	initial, err := newSourceClient(ctx, cfg.Source, credentials)
	if err != nil {
		return fmt.Errorf("build source client: %w", err)
	}
	clients := &clientHolder{current: initial}
	defer clients.close(logger)

	snapshots := buildMirror(ctx, logger.With(slog.String("agent", "mirror_factory")), cfg.Mirror)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := snapshots.Close(closeCtx); err != nil {
			logger.Error("mirror shutdown failed", slog.Any("error", err))
		}
	}()

	store := cache.NewStore(cfg.Cache.TTL())

	limiter, err := ratelimit.New(cfg.RateLimit.Quota, cfg.RateLimit.Window(),
		ratelimit.WithMinInterval(cfg.RateLimit.MinInterval()))
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	coord, err := refresh.New(refresh.Options{
		Store:   store,
		Fetcher: initial,
		Limiter: limiter,
		Mirror:  snapshots,
		Metrics: recorder,
		Logger:  logger,
		Backoff: refresh.Backoff{
			Attempts:       cfg.Retry.Attempts,
			Base:           cfg.Retry.Base(),
			Max:            cfg.Retry.Max(),
			RateLimitPause: cfg.Retry.RateLimitPause(),
			Cooldown:       cfg.Retry.Cooldown(),
		},
		Concurrency: cfg.Refresh.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}
	defer closeCoordinator(ctx, logger, coord)

	selector, err := tabselect.Compile(cfg.Tabs.Select)
	if err != nil {
		return fmt.Errorf("compile tab selector: %w", err)
	}
	catalog, err := tabselect.NewCatalog(tabselect.CatalogOptions{
		Spreadsheet: cfg.Source.SpreadsheetID,
		Fixed:       cfg.Tabs.List,
		Selector:    selector,
		Preferred:   cfg.Tabs.Default,
		Lister:      initial,
		Limiter:     limiter,
	})
	if err != nil {
		return fmt.Errorf("build tab catalog: %w", err)
	}
	if err := catalog.Discover(ctx); err != nil {
		logger.Warn("tab discovery failed, retry with POST /tabs/discover", slog.Any("error", err))
	}
	logger.Info("tracking tabs",
		slog.String("spreadsheet", catalog.Spreadsheet()),
		slog.Any("tabs", catalog.Tabs()),
		slog.String("default", catalog.Default()),
		slog.String("selector", selector.Source()),
	)

	warm(ctx, logger, snapshots, store, catalog.Keys())

	poller, err := refresh.NewPoller(coord, catalog.Keys, cfg.Refresh.Interval(), logger.With(slog.String("agent", "poller")))
	if err != nil {
		return fmt.Errorf("build poller: %w", err)
	}
	poller.SetLive(cfg.Refresh.Live)
	poller.Start(ctx)
	defer poller.Stop()

	watchLogger := logger.With(slog.String("agent", "credentials_watcher"))
	watcher, err := config.WatchCredentials(ctx, cfg.Source.CredentialsFile, func(data []byte) {
		next, err := newSourceClient(ctx, cfg.Source, data)
		if err != nil {
			watchLogger.Error("credentials changed but client rebuild failed", slog.Any("error", err))
			return
		}
		if _, err := coord.Reconfigure(next); err != nil {
			watchLogger.Warn("credentials reload skipped", slog.Any("error", err))
			closeClient(watchLogger, next)
			return
		}
		catalog.SetLister(next)
		closeClient(watchLogger, clients.swap(next))
		watchLogger.Info("source credentials reloaded")
	}, func(err error) {
		watchLogger.Error("credentials watcher error", slog.Any("error", err))
	})
	if err != nil {
		logger.Warn("credentials watcher unavailable", slog.Any("error", err))
	} else {
		defer watcher.Stop()
	}

	handler, err := server.NewHandler(server.Deps{
		Refresher: coord,
		Live:      poller,
		Catalog:   catalog,
		Budget:    limiter,
		Metrics:   recorder,
		Logger:    logger.With(slog.String("agent", "http")),
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}
	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}
	logger.Info("shutting down")
	return nil
}

// buildMirror never fails: a backend that cannot be reached degrades to no mirror.
func buildMirror(ctx context.Context, logger *slog.Logger, cfg config.MirrorConfig) mirror.Mirror {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", "none":
		return mirror.NewNoop()
	case "memory":
		logger.Info("using memory snapshot mirror", slog.Duration("max_age", cfg.MaxAge()))
		return mirror.NewMemory(cfg.MaxAge())
	}

	keyspace, err := mirror.NewKeyspace(cfg.KeyTemplate)
	if err != nil {
		logger.Error("snapshot key template invalid, mirror disabled", slog.Any("error", err))
		return mirror.NewNoop()
	}

	switch backend {
	case "redis":
		m, err := mirror.NewValkey(mirror.ValkeyConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      mirror.ValkeyTLSConfig{Enabled: cfg.Redis.TLS, CAFile: cfg.Redis.CAFile},
			TTL:      cfg.MaxAge(),
		}, keyspace)
		if err != nil {
			logger.Error("redis mirror initialization failed, mirror disabled", slog.Any("error", err))
			return mirror.NewNoop()
		}
		logger.Info("using redis snapshot mirror", slog.String("address", cfg.Redis.Address))
		return m
	case "s3":
		s3cfg := mirror.S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			MaxAge:    cfg.MaxAge(),
		}
		client, err := mirror.NewS3Client(ctx, s3cfg)
		if err != nil {
			logger.Error("s3 client initialization failed, mirror disabled", slog.Any("error", err))
			return mirror.NewNoop()
		}
		m, err := mirror.NewS3(s3cfg, client, keyspace)
		if err != nil {
			logger.Error("s3 mirror initialization failed, mirror disabled", slog.Any("error", err))
			return mirror.NewNoop()
		}
		logger.Info("using s3 snapshot mirror", slog.String("bucket", cfg.S3.Bucket))
		return m
	default:
		logger.Warn("unsupported mirror backend, mirror disabled", slog.String("backend", cfg.Backend))
		return mirror.NewNoop()
	}
}

// warm seeds the store from mirrored snapshots. Entries keep their original
// fetch time, so anything older than the TTL reads stale immediately.
func warm(ctx context.Context, logger *slog.Logger, m mirror.Mirror, store *cache.Store, keys []source.CacheKey) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		loaded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, key := range keys {
		g.Go(func() error {
			snap, ok, err := m.Load(gctx, key)
			if err != nil {
				logger.Warn("snapshot load failed", slog.String("tab", key.Tab), slog.Any("error", err))
				return nil
			}
			if !ok {
				return nil
			}
			if store.Put(key, snap.Rows, fingerprint.Of(snap.Rows), snap.FetchedAt).Applied {
				mu.Lock()
				loaded++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if loaded > 0 {
		logger.Info("cache warmed from mirror", slog.Int("entries", loaded))
	}
}

// closeCoordinator waits for in-flight fetches before the mirror and source
// client are released. Fetches are bounded by the source timeout, so the
// second wait ends once the slowest of them settles.
func closeCoordinator(ctx context.Context, logger *slog.Logger, coord *refresh.Coordinator) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	err := coord.Close(closeCtx)
	cancel()
	if err == nil {
		return
	}
	logger.Warn("waiting for in-flight fetches to settle", slog.Duration("waited", closeTimeout))
	if err := coord.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error("coordinator shutdown incomplete", slog.Any("error", err))
	}
}

// clientHolder tracks the source client currently serving fetches so the one
// in use at shutdown is the one released.
type clientHolder struct {
	mu      sync.Mutex
	current source.Client
}

func (h *clientHolder) swap(next source.Client) source.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.current
	h.current = next
	return prev
}

func (h *clientHolder) close(logger *slog.Logger) {
	closeClient(logger, h.swap(nil))
}

func closeClient(logger *slog.Logger, c source.Client) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("source client close failed", slog.Any("error", err))
	}
}

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Config holds every option the service reads at startup.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Source    SourceConfig    `koanf:"source"`
	Refresh   RefreshConfig   `koanf:"refresh"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rateLimit"`
	Retry     RetryConfig     `koanf:"retry"`
	Mirror    MirrorConfig    `koanf:"mirror"`
	Tabs      TabsConfig      `koanf:"tabs"`

	// AliasNotices records disagreements between legacy environment aliases
	// found while loading. The loader has no logger, so callers surface these
	// once logging is configured.
	AliasNotices []string `koanf:"-"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SourceConfig identifies the spreadsheet and the credential handle used to read it.
type SourceConfig struct {
	SpreadsheetID   string `koanf:"spreadsheetId"`
	CredentialsFile string `koanf:"credentialsFile"`
	// Endpoint overrides the API base URL. Empty uses the public endpoint.
	Endpoint       string `koanf:"endpoint"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// Timeout bounds a single outbound call.
func (c SourceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type RefreshConfig struct {
	IntervalSeconds int  `koanf:"intervalSeconds"`
	Live            bool `koanf:"live"`
	Concurrency     int  `koanf:"concurrency"`
}

func (c RefreshConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type CacheConfig struct {
	TTLSeconds int `koanf:"ttlSeconds"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RateLimitConfig sizes the outbound request budget: at most Quota calls per
// rolling window, spaced at least MinIntervalMillis apart.
type RateLimitConfig struct {
	Quota             int `koanf:"quota"`
	WindowSeconds     int `koanf:"windowSeconds"`
	MinIntervalMillis int `koanf:"minIntervalMillis"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c RateLimitConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMillis) * time.Millisecond
}

type RetryConfig struct {
	Attempts             int `koanf:"attempts"`
	BaseMillis           int `koanf:"baseMillis"`
	MaxMillis            int `koanf:"maxMillis"`
	RateLimitPauseMillis int `koanf:"rateLimitPauseMillis"`
	CooldownSeconds      int `koanf:"cooldownSeconds"`
}

func (c RetryConfig) Base() time.Duration {
	return time.Duration(c.BaseMillis) * time.Millisecond
}

func (c RetryConfig) Max() time.Duration {
	return time.Duration(c.MaxMillis) * time.Millisecond
}

func (c RetryConfig) RateLimitPause() time.Duration {
	return time.Duration(c.RateLimitPauseMillis) * time.Millisecond
}

func (c RetryConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// MirrorConfig selects where last-good snapshots persist across restarts.
type MirrorConfig struct {
	Backend       string            `koanf:"backend"`
	MaxAgeSeconds int               `koanf:"maxAgeSeconds"`
	KeyTemplate   string            `koanf:"keyTemplate"`
	Redis         RedisMirrorConfig `koanf:"redis"`
	S3            S3MirrorConfig    `koanf:"s3"`
}

func (c MirrorConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

type RedisMirrorConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	TLS      bool   `koanf:"tls"`
	CAFile   string `koanf:"caFile"`
}

type S3MirrorConfig struct {
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"accessKey"`
	SecretKey string `koanf:"secretKey"`
}

// TabsConfig chooses which tabs are tracked. A non-empty List is used as is;
// otherwise tabs are discovered and filtered by the Select expression.
type TabsConfig struct {
	List    []string `koanf:"list"`
	Select  string   `koanf:"select"`
	Default string   `koanf:"default"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: server.logging.level unsupported: %s", c.Server.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.Logging.Format)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: server.logging.format unsupported: %s", c.Server.Logging.Format)
	}
	if strings.TrimSpace(c.Source.SpreadsheetID) == "" {
		return errors.New("config: source.spreadsheetId required (or SPREADSHEET_ID, Spreadsheet_ID, SHEET_ID)")
	}
	if err := checkReadable(c.Source.CredentialsFile); err != nil {
		return err
	}
	if c.Source.TimeoutSeconds < 0 {
		return fmt.Errorf("config: source.timeoutSeconds invalid: %d", c.Source.TimeoutSeconds)
	}
	if c.Refresh.IntervalSeconds < MinIntervalSeconds || c.Refresh.IntervalSeconds > MaxIntervalSeconds {
		return fmt.Errorf("config: refresh.intervalSeconds must be between %d and %d, got %d",
			MinIntervalSeconds, MaxIntervalSeconds, c.Refresh.IntervalSeconds)
	}
	if c.Refresh.Concurrency < 0 {
		return fmt.Errorf("config: refresh.concurrency invalid: %d", c.Refresh.Concurrency)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache.ttlSeconds invalid: %d", c.Cache.TTLSeconds)
	}
	if c.RateLimit.Quota <= 0 {
		return fmt.Errorf("config: rateLimit.quota invalid: %d", c.RateLimit.Quota)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("config: rateLimit.windowSeconds invalid: %d", c.RateLimit.WindowSeconds)
	}
	if c.RateLimit.MinIntervalMillis < 0 {
		return fmt.Errorf("config: rateLimit.minIntervalMillis invalid: %d", c.RateLimit.MinIntervalMillis)
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("config: retry.attempts invalid: %d", c.Retry.Attempts)
	}
	if c.Retry.BaseMillis <= 0 || c.Retry.MaxMillis < c.Retry.BaseMillis {
		return fmt.Errorf("config: retry.baseMillis (%d) must be positive and not exceed retry.maxMillis (%d)",
			c.Retry.BaseMillis, c.Retry.MaxMillis)
	}
	if c.Retry.RateLimitPauseMillis < 0 || c.Retry.CooldownSeconds < 0 {
		return errors.New("config: retry pause and cooldown must not be negative")
	}
	switch strings.ToLower(strings.TrimSpace(c.Mirror.Backend)) {
	case "", "none", "memory":
	case "redis":
		if strings.TrimSpace(c.Mirror.Redis.Address) == "" {
			return errors.New("config: mirror.redis.address required for redis backend")
		}
		if c.Mirror.Redis.CAFile != "" && !c.Mirror.Redis.TLS {
			return errors.New("config: mirror.redis.caFile requires mirror.redis.tls")
		}
	case "s3":
		if strings.TrimSpace(c.Mirror.S3.Bucket) == "" {
			return errors.New("config: mirror.s3.bucket required for s3 backend")
		}
	default:
		return fmt.Errorf("config: mirror.backend unsupported: %s", c.Mirror.Backend)
	}
	if c.Mirror.MaxAgeSeconds < 0 {
		return fmt.Errorf("config: mirror.maxAgeSeconds invalid: %d", c.Mirror.MaxAgeSeconds)
	}
	return nil
}

// Interval bounds for refresh.intervalSeconds.
const (
	MinIntervalSeconds = 2
	MaxIntervalSeconds = 60
)

// checkReadable opens the credential file and reads from it so startup fails
// fast on a missing or unreadable handle.
func checkReadable(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config: source.credentialsFile required")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: source.credentialsFile: %w", err)
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("config: source.credentialsFile %s is empty", path)
		}
		return fmt.Errorf("config: source.credentialsFile: %w", err)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Source: SourceConfig{
			CredentialsFile: "credentials.json",
			TimeoutSeconds:  20,
		},
		Refresh: RefreshConfig{
			IntervalSeconds: 5,
			Live:            true,
			Concurrency:     4,
		},
		Cache: CacheConfig{
			TTLSeconds: 300,
		},
		RateLimit: RateLimitConfig{
			Quota:             60,
			WindowSeconds:     60,
			MinIntervalMillis: 1000,
		},
		Retry: RetryConfig{
			Attempts:             5,
			BaseMillis:           500,
			MaxMillis:            5000,
			RateLimitPauseMillis: 5000,
			CooldownSeconds:      30,
		},
		Mirror: MirrorConfig{
			Backend:       "none",
			MaxAgeSeconds: 86400,
		},
		Tabs: TabsConfig{
			List: []string{},
		},
	}
}

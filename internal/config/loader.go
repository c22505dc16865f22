package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration with prefixed env > legacy env
// aliases > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
	lookupEnv func(string) (string, bool)
}

// NewLoader prepares a config hydrator. Empty file paths are skipped.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
		lookupEnv: os.LookupEnv,
	}
}

// Load assembles and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	// Env keys arrive lowercased; map them back onto the camelCase schema.
	canonical := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	aliases, notices := aliasOverrides(l.lookupEnv)
	if len(aliases) > 0 {
		if err := k.Load(confmap.Provider(aliases, "."), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env aliases: %w", err)
		}
	}

	if l.envPrefix != "" {
		aliasID, _ := aliases["source.spreadsheetId"].(string)
		transform := func(name, value string) (string, any) {
			// Double underscores signal a nested path (SOURCE__SPREADSHEETID -> source.spreadsheetId).
			key := strings.TrimPrefix(name, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				key = mapped
			}
			if key == "tabs.list" {
				return key, strings.Split(value, ",")
			}
			return key, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
		if prefixed := NormalizeSpreadsheetID(k.String("source.spreadsheetId")); aliasID != "" && prefixed != aliasID {
			notices = append(notices, fmt.Sprintf("%s_SOURCE__SPREADSHEETID=%q takes precedence over legacy alias value %q",
				l.envPrefix, prefixed, aliasID))
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Source.SpreadsheetID = NormalizeSpreadsheetID(cfg.Source.SpreadsheetID)
	cfg.Tabs.List = compact(cfg.Tabs.List)
	cfg.AliasNotices = notices
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file type %s", path)
	}
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"source": map[string]any{
			"spreadsheetId":   cfg.Source.SpreadsheetID,
			"credentialsFile": cfg.Source.CredentialsFile,
			"endpoint":        cfg.Source.Endpoint,
			"timeoutSeconds":  cfg.Source.TimeoutSeconds,
		},
		"refresh": map[string]any{
			"intervalSeconds": cfg.Refresh.IntervalSeconds,
			"live":            cfg.Refresh.Live,
			"concurrency":     cfg.Refresh.Concurrency,
		},
		"cache": map[string]any{
			"ttlSeconds": cfg.Cache.TTLSeconds,
		},
		"rateLimit": map[string]any{
			"quota":             cfg.RateLimit.Quota,
			"windowSeconds":     cfg.RateLimit.WindowSeconds,
			"minIntervalMillis": cfg.RateLimit.MinIntervalMillis,
		},
		"retry": map[string]any{
			"attempts":             cfg.Retry.Attempts,
			"baseMillis":           cfg.Retry.BaseMillis,
			"maxMillis":            cfg.Retry.MaxMillis,
			"rateLimitPauseMillis": cfg.Retry.RateLimitPauseMillis,
			"cooldownSeconds":      cfg.Retry.CooldownSeconds,
		},
		"mirror": map[string]any{
			"backend":       cfg.Mirror.Backend,
			"maxAgeSeconds": cfg.Mirror.MaxAgeSeconds,
			"keyTemplate":   cfg.Mirror.KeyTemplate,
			"redis": map[string]any{
				"address":  cfg.Mirror.Redis.Address,
				"username": cfg.Mirror.Redis.Username,
				"password": cfg.Mirror.Redis.Password,
				"db":       cfg.Mirror.Redis.DB,
				"tls":      cfg.Mirror.Redis.TLS,
				"caFile":   cfg.Mirror.Redis.CAFile,
			},
			"s3": map[string]any{
				"bucket":    cfg.Mirror.S3.Bucket,
				"region":    cfg.Mirror.S3.Region,
				"endpoint":  cfg.Mirror.S3.Endpoint,
				"accessKey": cfg.Mirror.S3.AccessKey,
				"secretKey": cfg.Mirror.S3.SecretKey,
			},
		},
		"tabs": map[string]any{
			"list":    cfg.Tabs.List,
			"select":  cfg.Tabs.Select,
			"default": cfg.Tabs.Default,
		},
	}
}

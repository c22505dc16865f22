package mirror

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/l0p7/sheetsync/internal/source"
	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
	// TTL bounds how long a snapshot lives in the server. Zero keeps it until overwritten.
	TTL time.Duration
}

type valkeyMirror struct {
	client   valkey.Client
	keyspace *Keyspace
	ttl      time.Duration
}

// NewValkey connects and pings the server before returning.
func NewValkey(cfg ValkeyConfig, keyspace *Keyspace) (Mirror, error) {
	if cfg.Address == "" {
		return nil, errors.New("mirror: redis address required")
	}
	if keyspace == nil {
		return nil, errors.New("mirror: keyspace required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("mirror: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("mirror: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("mirror: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("mirror: redis ping: %w", err)
	}
	return &valkeyMirror{client: client, keyspace: keyspace, ttl: cfg.TTL}, nil
}

func (m *valkeyMirror) Load(ctx context.Context, key source.CacheKey) (Snapshot, bool, error) {
	name, err := m.keyspace.Key(key)
	if err != nil {
		return Snapshot{}, false, err
	}
	resp := m.client.Do(ctx, m.client.B().Get().Key(name).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, fmt.Errorf("mirror: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("mirror: redis get bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("mirror: redis unmarshal: %w", err)
	}
	if snap.Key != key {
		return Snapshot{}, false, fmt.Errorf("mirror: redis key %s holds snapshot for %s", name, snap.Key)
	}
	return snap, true, nil
}

func (m *valkeyMirror) Save(ctx context.Context, snap Snapshot) error {
	if snap.FetchedAt.IsZero() {
		return errors.New("mirror: snapshot fetch time required")
	}
	name, err := m.keyspace.Key(snap.Key)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("mirror: redis marshal: %w", err)
	}
	set := m.client.B().Set().Key(name).Value(string(payload))
	var cmd valkey.Completed
	if m.ttl > 0 {
		cmd = set.Px(m.ttl).Build()
	} else {
		cmd = set.Build()
	}
	if err := m.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("mirror: redis set: %w", err)
	}
	return nil
}

func (m *valkeyMirror) Close(context.Context) error {
	m.client.Close()
	return nil
}

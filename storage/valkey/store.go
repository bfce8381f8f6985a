// Package valkey implements storage.KV on Valkey (or any Redis-compatible server)
// using valkey-go.
//
// Key schema, all under a configurable prefix (default "issuer:"):
//
//	{prefix}code:{sha256}       -> sealed AuthorizationCode JSON
//	{prefix}challenge:{sha256}  -> sealed PendingChallenge JSON
//	{prefix}attempts:{sha256}   -> attempt counter
//	{prefix}flow:{sha256}       -> sealed FlowSession JSON
//	{prefix}refresh:{sha256}    -> sealed RefreshRecord JSON
//
// Take maps to GETDEL, PutIfAbsent to SET NX PX, DeleteIfPresent to DEL, and
// Increment to a Lua script that sets the expiry on first increment. Each is a
// single server-side command, which gives the atomicity storage.KV requires.
package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys.
	DefaultKeyPrefix = "issuer:"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// incrementScript increments a counter and sets its expiry only when the
// counter is created.
var incrementScript = valkeygo.NewLuaScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Config holds configuration for the Valkey backend.
type Config struct {
	// Address is the server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional AUTH password.
	Password string

	// DB is the database number.
	DB int

	// KeyPrefix is prepended to every key (default "issuer:").
	KeyPrefix string

	// TLS enables encrypted connections when set.
	TLS *tls.Config

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.KV.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.KV = (*Store)(nil)

// New connects to Valkey and verifies the connection with PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Logger)
	s.logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client valkeygo.Client, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Close closes the client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Get implements storage.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("valkey GET failed: %w", err)
	}
	return data, nil
}

// Put implements storage.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	cmd := s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey SET failed: %w", err)
	}
	return nil
}

// PutIfAbsent implements storage.KV.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be positive")
	}
	cmd := s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Nx().Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("valkey SET NX failed: %w", err)
	}
	return true, nil
}

// Take implements storage.KV.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("valkey GETDEL failed: %w", err)
	}
	return data, nil
}

// DeleteIfPresent implements storage.KV.
func (s *Store) DeleteIfPresent(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey DEL failed: %w", err)
	}
	return n > 0, nil
}

// Increment implements storage.KV.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, fmt.Errorf("ttl must be positive")
	}
	n, err := incrementScript.Exec(ctx, s.client,
		[]string{s.key(key)},
		[]string{strconv.FormatInt(ttl.Milliseconds(), 10)},
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("valkey increment failed: %w", err)
	}
	return n, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

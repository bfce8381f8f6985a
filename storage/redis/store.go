// Package redis implements storage.KV on Redis using go-redis.
//
// It uses the same key schema and the same single-command atomic operations as
// storage/valkey (GETDEL, SET NX PX, DEL and a Lua counter), and accepts any
// redis.UniversalClient so standalone, Sentinel and Cluster deployments all work.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys.
	DefaultKeyPrefix = "issuer:"

	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Config configures a standalone Redis connection.
type Config struct {
	// URL is a redis:// or rediss:// URL (required).
	URL string

	// KeyPrefix is prepended to every key (default "issuer:").
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a Redis-backed storage.KV.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ storage.KV = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = durationOr(cfg.DialTimeout, DefaultDialTimeout)
	opts.ReadTimeout = durationOr(cfg.ReadTimeout, DefaultReadTimeout)
	opts.WriteTimeout = durationOr(cfg.WriteTimeout, DefaultWriteTimeout)

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix, cfg.Logger)
	s.logger.Info("Connected to Redis storage", "address", opts.Addr, "db", opts.DB, "prefix", s.prefix)
	return s, nil
}

// NewWithClient wraps an existing client. Tests use it with miniredis.
func NewWithClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get implements storage.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	return data, nil
}

// Put implements storage.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

// PutIfAbsent implements storage.KV.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be positive")
	}
	stored, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SET NX failed: %w", err)
	}
	return stored, nil
}

// Take implements storage.KV.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis GETDEL failed: %w", err)
	}
	return data, nil
}

// DeleteIfPresent implements storage.KV.
func (s *Store) DeleteIfPresent(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis DEL failed: %w", err)
	}
	return n > 0, nil
}

// Increment implements storage.KV.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, errors.New("ttl must be positive")
	}
	n, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis increment failed: %w", err)
	}
	return n, nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

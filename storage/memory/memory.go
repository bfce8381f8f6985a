package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/storage"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a mutex-guarded map with per-key expiry.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	entriesCount    atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.KV = (*Store)(nil)

// New creates a store that sweeps expired keys every minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom sweep interval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]entry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

// SetClock replaces the time source used for expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetInstrumentation enables storage spans, operation metrics and a size gauge.
// It is safe to call while the store is in use.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.tracer = nil
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.entriesCount.Store(int64(len(s.entries)))
	logger := s.logger
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStorageSizeCallback(func() int64 { return s.entriesCount.Load() }); err != nil {
			logger.Warn("Failed to register storage size callback", "error", err)
		}
	}
}

// Stop ends the background sweep.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Get implements storage.KV.
func (s *Store) Get(ctx context.Context, key string) (value []byte, err error) {
	ctx, span, start := s.startOperation(ctx, "get")
	defer func() { s.finishOperation(ctx, span, "get", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(e.value), nil
}

// Put implements storage.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, span, start := s.startOperation(ctx, "put")
	defer func() { s.finishOperation(ctx, span, "put", err, start) }()

	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(key, value, ttl)
	return nil
}

// PutIfAbsent implements storage.KV.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (stored bool, err error) {
	ctx, span, start := s.startOperation(ctx, "put_if_absent")
	defer func() { s.finishOperation(ctx, span, "put_if_absent", err, start) }()

	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.set(key, value, ttl)
	return true, nil
}

// Take implements storage.KV.
func (s *Store) Take(ctx context.Context, key string) (value []byte, err error) {
	ctx, span, start := s.startOperation(ctx, "take")
	defer func() { s.finishOperation(ctx, span, "take", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, storage.ErrNotFound
	}
	s.remove(key)
	return e.value, nil
}

// DeleteIfPresent implements storage.KV.
func (s *Store) DeleteIfPresent(ctx context.Context, key string) (deleted bool, err error) {
	ctx, span, start := s.startOperation(ctx, "delete")
	defer func() { s.finishOperation(ctx, span, "delete", err, start) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); !ok {
		return false, nil
	}
	s.remove(key)
	return true, nil
}

// Increment implements storage.KV. Counters are stored as decimal strings.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (n int64, err error) {
	ctx, span, start := s.startOperation(ctx, "increment")
	defer func() { s.finishOperation(ctx, span, "increment", err, start) }()

	if ttl <= 0 {
		return 0, fmt.Errorf("ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		s.set(key, []byte("1"), ttl)
		return 1, nil
	}

	current, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %q is not a counter: %w", key, err)
	}
	current++
	e.value = []byte(strconv.FormatInt(current, 10))
	s.entries[key] = e
	return current, nil
}

// lookup returns a live entry and drops an expired one. Caller holds s.mu.
func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		s.remove(key)
		return entry{}, false
	}
	return e, true
}

// set stores a copy of value. Caller holds s.mu.
func (s *Store) set(key string, value []byte, ttl time.Duration) {
	if _, exists := s.entries[key]; !exists {
		s.entriesCount.Add(1)
	}
	s.entries[key] = entry{value: clone(value), expiresAt: s.now().Add(ttl)}
}

// remove deletes key. Caller holds s.mu.
func (s *Store) remove(key string) {
	if _, exists := s.entries[key]; exists {
		delete(s.entries, key)
		s.entriesCount.Add(-1)
	}
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for key, e := range s.entries {
		if e.expired(now) {
			s.remove(key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

func (s *Store) startOperation(ctx context.Context, operation string) (context.Context, trace.Span, time.Time) {
	start := time.Now()
	s.mu.Lock()
	tracer := s.tracer
	s.mu.Unlock()
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx), start
	}
	ctx, span := tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
	return ctx, span, start
}

func (s *Store) finishOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	s.mu.Lock()
	inst := s.instrumentation
	s.mu.Unlock()
	if inst == nil {
		return
	}
	defer span.End()

	result := "success"
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	inst.Metrics().RecordStorageOperation(ctx, operation, result,
		float64(time.Since(start).Microseconds())/1000)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

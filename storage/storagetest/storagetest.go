// Package storagetest provides a conformance suite that every storage.KV backend
// runs from its own tests.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oauth-issuer/pkce"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/subject"
)

// Harness describes a backend under test.
type Harness struct {
	// New returns an empty store for one subtest.
	New func(t *testing.T) storage.KV

	// Advance moves the backend's clock forward. Expiry tests are skipped when nil.
	Advance func(d time.Duration)
}

// concurrency is the number of goroutines racing in the exactly-once tests.
const concurrency = 32

// Run executes the whole suite.
func Run(t *testing.T, h Harness) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, h) })
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, h) })
	t.Run("PutIfAbsent", func(t *testing.T) { testPutIfAbsent(t, h) })
	t.Run("TakeOnce", func(t *testing.T) { testTakeOnce(t, h) })
	t.Run("DeleteIfPresent", func(t *testing.T) { testDeleteIfPresent(t, h) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, h) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, h) })
	t.Run("ConcurrentTake", func(t *testing.T) { testConcurrentTake(t, h) })
	t.Run("ConcurrentPutIfAbsent", func(t *testing.T) { testConcurrentPutIfAbsent(t, h) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, h) })
	t.Run("ConcurrentConsume", func(t *testing.T) { testConcurrentConsume(t, h) })
}

func testGetMissing(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = kv.Take(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testPutGet(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "k", []byte("v1"), time.Minute))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, kv.Put(ctx, "k", []byte{0x00, 0xff, 0x10}, time.Minute))
	got, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, 0x10}, got, "binary values must survive unchanged")
}

func testPutIfAbsent(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	stored, err := kv.PutIfAbsent(ctx, "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = kv.PutIfAbsent(ctx, "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func testTakeOnce(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "k", []byte("v"), time.Minute))

	got, err := kv.Take(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	_, err = kv.Take(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = kv.Get(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteIfPresent(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	deleted, err := kv.DeleteIfPresent(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, kv.Put(ctx, "k", []byte("v"), time.Minute))
	deleted, err = kv.DeleteIfPresent(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = kv.DeleteIfPresent(ctx, "k")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testIncrement(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := kv.Increment(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	raw, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "3", string(raw))

	deleted, err := kv.DeleteIfPresent(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, deleted)

	n, err := kv.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "counter restarts after delete")
}

func testExpiry(t *testing.T, h Harness) {
	if h.Advance == nil {
		t.Skip("backend clock cannot be advanced")
	}
	kv := h.New(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "short", []byte("v"), 2*time.Second))
	require.NoError(t, kv.Put(ctx, "long", []byte("v"), time.Hour))
	_, err := kv.Increment(ctx, "counter", 2*time.Second)
	require.NoError(t, err)

	h.Advance(3 * time.Second)

	_, err = kv.Get(ctx, "short")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = kv.Get(ctx, "long")
	assert.NoError(t, err)

	stored, err := kv.PutIfAbsent(ctx, "short", []byte("again"), time.Minute)
	require.NoError(t, err)
	assert.True(t, stored, "expired key must count as absent")

	n, err := kv.Increment(ctx, "counter", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired counter restarts")
}

func testConcurrentTake(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "k", []byte("v"), time.Minute))

	var winners atomic.Int32
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			_, err := kv.Take(ctx, "k")
			switch {
			case err == nil:
				winners.Add(1)
				return nil
			case errors.Is(err, storage.ErrNotFound):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), winners.Load())
}

func testConcurrentPutIfAbsent(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	var winners atomic.Int32
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			stored, err := kv.PutIfAbsent(ctx, "k", []byte(strconv.Itoa(i)), time.Minute)
			if stored {
				winners.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), winners.Load())
}

func testConcurrentIncrement(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			n, err := kv.Increment(ctx, "counter", time.Minute)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[n] {
				return fmt.Errorf("counter value %d returned twice", n)
			}
			seen[n] = true
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, concurrency)
	for i := int64(1); i <= concurrency; i++ {
		assert.True(t, seen[i], "missing counter value %d", i)
	}
}

func testConcurrentConsume(t *testing.T, h Harness) {
	kv := h.New(t)
	ctx := context.Background()
	codes := storage.NewCodeStore(kv, storage.DefaultCodeTTL, nil)

	verifier := pkce.NewVerifier()
	code, err := codes.Issue(ctx, &storage.AuthorizationCode{
		ClientID:            "client",
		RedirectURI:         "https://app.example/callback",
		CodeChallenge:       pkce.Challenge(verifier),
		CodeChallengeMethod: pkce.MethodS256,
		Subject:             subject.Encoded{Type: subject.TypeUser, Data: []byte{0xa0}},
	})
	require.NoError(t, err)

	var winners, invalid atomic.Int32
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			_, err := codes.Consume(ctx, code, "client", "https://app.example/callback", verifier)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, storage.ErrInvalidCode):
				invalid.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(concurrency-1), invalid.Load())
}

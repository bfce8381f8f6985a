package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStore_UpsertUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.UpsertUser(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
	again, _ := s.UpsertUser(ctx, " A@Example.com")
	if a != again {
		t.Errorf("same email returned %q and %q", a, again)
	}
	b, _ := s.UpsertUser(ctx, "b@example.com")
	if a == b {
		t.Error("different emails share an ID")
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}

	if _, err := s.UpsertUser(ctx, "  "); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("UpsertUser(blank) error = %v", err)
	}
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore()
	ids := make([]string, 16)

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = s.UpsertUser(context.Background(), "a@example.com")
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent upserts returned different IDs: %v", ids)
		}
	}
}

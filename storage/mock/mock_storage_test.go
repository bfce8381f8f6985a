package mock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKV_DelegatesToMemory(t *testing.T) {
	m := NewKV(t)
	ctx := context.Background()

	if err := m.Put(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := m.Take(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Take() = %q, %v", got, err)
	}
	if m.CallCount("Put") != 1 || m.CallCount("Take") != 1 {
		t.Errorf("call counts = Put:%d Take:%d", m.CallCount("Put"), m.CallCount("Take"))
	}

	m.ResetCallCounts()
	if m.CallCount("Put") != 0 {
		t.Error("ResetCallCounts() did not clear counters")
	}
}

func TestKV_Override(t *testing.T) {
	m := NewKV(t)
	boom := errors.New("backend down")
	m.PutIfAbsentFunc = func(context.Context, string, []byte, time.Duration) (bool, error) {
		return false, nil
	}
	m.IncrementFunc = func(context.Context, string, time.Duration) (int64, error) {
		return 0, boom
	}

	stored, err := m.PutIfAbsent(context.Background(), "k", []byte("v"), time.Minute)
	if err != nil || stored {
		t.Errorf("PutIfAbsent() = %v, %v; want false, nil", stored, err)
	}
	if _, err := m.Increment(context.Background(), "k", time.Minute); !errors.Is(err, boom) {
		t.Errorf("Increment() error = %v, want %v", err, boom)
	}
}

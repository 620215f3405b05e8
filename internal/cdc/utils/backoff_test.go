package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffManager(t *testing.T) {
	b := NewBackoffManager(100*time.Millisecond, 350*time.Millisecond)

	want := []time.Duration{200 * time.Millisecond, 350 * time.Millisecond, 350 * time.Millisecond}
	for i, w := range want {
		b.IncreaseInterval()
		if got := b.GetInterval(); got != w {
			t.Fatalf("step %d: interval = %v, want %v", i, got, w)
		}
	}

	b.ResetInterval()
	if got := b.GetInterval(); got != 100*time.Millisecond {
		t.Fatalf("after reset interval = %v, want 100ms", got)
	}
}

func TestBackoffManagerRaisesMax(t *testing.T) {
	b := NewBackoffManager(time.Second, time.Millisecond)
	b.IncreaseInterval()
	if got := b.GetInterval(); got != time.Second {
		t.Fatalf("interval = %v, want 1s", got)
	}
}

func TestBackoffWaitCancelled(t *testing.T) {
	b := NewBackoffManager(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v, want context.Canceled", err)
	}
}

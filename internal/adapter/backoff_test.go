package adapter

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 250 * time.Millisecond},
		{2, 500 * time.Millisecond},
		{3, time.Second},
		{4, 2 * time.Second},
		{5, 4 * time.Second},
		{6, 5 * time.Second},
		{50, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(1); got != 250*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 250ms", got)
	}
	if got := b.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want 5s", got)
	}
	if got := b.Attempts(); got != 1 {
		t.Errorf("Attempts() = %d, want 1", got)
	}
}

func TestBackoff_SleepHonoursContext(t *testing.T) {
	b := Backoff{Base: time.Hour, Cap: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := b.Sleep(ctx, 1); err != context.Canceled {
		t.Fatalf("Sleep() = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep ignored cancellation")
	}
}

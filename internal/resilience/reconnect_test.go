package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 5, Backoff: time.Millisecond, Multiplier: 2, MaxBackoff: 5 * time.Millisecond}

	var seen []int
	err := Reconnect(context.Background(), func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("handshake failed")
		}
		return nil
	}, cfg)

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("Expected attempts [1 2 3], got %v", seen)
	}
}

func TestReconnect_GivesUp(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 2, Backoff: time.Millisecond, Multiplier: 1}
	cause := errors.New("refused")

	err := Reconnect(context.Background(), func(ctx context.Context, attempt int) error {
		return cause
	}, cfg)

	if !errors.Is(err, cause) {
		t.Errorf("Expected wrapped cause, got %v", err)
	}
}

func TestReconnect_UnlimitedUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &ReconnectConfig{MaxAttempts: 0, Backoff: time.Millisecond, Multiplier: 1}

	attempts := 0
	err := Reconnect(ctx, func(ctx context.Context, attempt int) error {
		attempts++
		if attempts == 10 {
			cancel()
		}
		return errors.New("still down")
	}, cfg)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 10 {
		t.Errorf("Expected 10 attempts, got %d", attempts)
	}
}

func TestReconnect_WaitsCooldownFirst(t *testing.T) {
	cfg := &ReconnectConfig{MaxAttempts: 1, Backoff: 30 * time.Millisecond, Multiplier: 1}

	start := time.Now()
	var firstAt time.Duration
	_ = Reconnect(context.Background(), func(ctx context.Context, attempt int) error {
		firstAt = time.Since(start)
		return nil
	}, cfg)

	if firstAt < 30*time.Millisecond {
		t.Errorf("Expected first attempt after cooldown, got %v", firstAt)
	}
}

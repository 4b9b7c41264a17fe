package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{Attempts: 3, BaseDelay: time.Millisecond}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fast, func(context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	if err == nil || err.Error() != "always fails" {
		t.Fatalf("expected 'always fails' error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	p := fast
	p.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

	attempts := 0
	err := Do(context.Background(), p, func(context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, Policy{Attempts: 10, BaseDelay: 20 * time.Millisecond}, func(context.Context) error {
		attempts++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts >= 10 {
		t.Fatalf("expected fewer than 10 attempts due to cancellation, got %d", attempts)
	}
}

func TestValue_ReturnsResult(t *testing.T) {
	attempts := 0
	got, err := Value(context.Background(), fast, func(context.Context) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("expected ok, got %q (%v)", got, err)
	}
}

func TestPolicyDelayCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	if d := p.delay(0); d != time.Second {
		t.Errorf("expected 1s, got %s", d)
	}
	if d := p.delay(5); d != 3*time.Second {
		t.Errorf("expected cap 3s, got %s", d)
	}
}

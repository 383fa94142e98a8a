package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	g := NewGuard(Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})

	attempts := 0
	err := g.Do(context.Background(), "broker.publish",
		func(error) Class { return Class{Retry: true, Trip: true} },
		func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("broker unavailable")
			}
			return nil
		},
	)

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnFinalError(t *testing.T) {
	g := NewGuard(Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	})

	final := errors.New("subject rejected")
	attempts := 0
	err := g.Do(context.Background(), "broker.publish",
		func(error) Class { return Class{Retry: false, Trip: true} },
		func(context.Context) error {
			attempts++
			return final
		},
	)

	if !errors.Is(err, final) {
		t.Fatalf("expected the final error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error must not retry, got %d attempts", attempts)
	}
}

func TestDoOpensBreakerAfterRepeatedFailures(t *testing.T) {
	g := NewGuard(Config{
		MaxAttempts:         1,
		InitialBackoff:      time.Millisecond,
		BreakerMinRequests:  2,
		BreakerFailureRatio: 0.5,
		BreakerOpenFor:      time.Minute,
	})

	classify := func(error) Class { return Class{Retry: false, Trip: true} }
	boom := errors.New("broker unavailable")

	for i := 0; i < 2; i++ {
		err := g.Do(context.Background(), "broker.publish", classify, func(context.Context) error {
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected call error, got %v", i, err)
		}
	}

	called := false
	err := g.Do(context.Background(), "broker.publish", classify, func(context.Context) error {
		called = true
		return nil
	})

	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if !IsCircuitOpen(err) {
		t.Fatalf("IsCircuitOpen must recognize %v", err)
	}
	if called {
		t.Fatalf("open breaker must not run the guarded call")
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	g := NewGuard(Config{
		MaxAttempts:    3,
		InitialBackoff: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := g.Do(ctx, "broker.publish",
		func(error) Class { return Class{Retry: true, Trip: false} },
		func(context.Context) error {
			attempts++
			return errors.New("broker unavailable")
		},
	)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", attempts)
	}
}

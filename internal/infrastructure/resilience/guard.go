package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Class tells the guard how to treat a failed attempt: whether the call may
// be retried, and whether it counts against the circuit breaker.
type Class struct {
	Retry bool
	Trip  bool
}

// Classifier maps an error from the guarded call to its Class. A nil
// classifier treats every error as final and breaker-relevant.
type Classifier func(err error) Class

// Config tunes retry and breaker behaviour for a Guard. Zero values are
// replaced with the defaults below.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	BreakerProbes       uint32
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 400 * time.Millisecond
	}
	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = 10
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = 0.5
	}
	if c.BreakerOpenFor <= 0 {
		c.BreakerOpenFor = 30 * time.Second
	}
	if c.BreakerProbes == 0 {
		c.BreakerProbes = 2
	}
	return c
}

// Guard wraps outbound calls with bounded retries and a per-operation
// circuit breaker. Use one Guard per dependency (e.g. the queue broker);
// operations are keyed by name so unrelated calls trip independently.
type Guard struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
}

// Do runs fn under the breaker for op, retrying errors the classifier
// marks retryable. Backoff doubles from InitialBackoff up to MaxBackoff.
func (g *Guard) Do(ctx context.Context, op string, classify Classifier, fn func(context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("resilience: guarded call is nil")
	}
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	if classify == nil {
		classify = func(error) Class { return Class{Trip: true} }
	}

	_, err := g.breaker(op, classify).Execute(func() (struct{}, error) {
		return struct{}{}, g.attempt(ctx, op, classify, fn)
	})
	return err
}

func (g *Guard) attempt(ctx context.Context, op string, classify Classifier, fn func(context.Context) error) error {
	backoff := g.cfg.InitialBackoff

	var err error
	for i := 1; i <= g.cfg.MaxAttempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !classify(err).Retry || i == g.cfg.MaxAttempts {
			return err
		}

		slog.Warn("guarded call failed, retrying",
			"operation", op,
			"attempt", i,
			"backoff", backoff.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
		}
	}
	return err
}

func (g *Guard) breaker(op string, classify Classifier) *gobreaker.CircuitBreaker[struct{}] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[op]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        op,
		MaxRequests: g.cfg.BreakerProbes,
		Timeout:     g.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < g.cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= g.cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classify(err).Trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"operation", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	g.breakers[op] = cb
	return cb
}

// IsCircuitOpen reports whether err came from an open or saturated breaker
// rather than from the guarded call itself.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

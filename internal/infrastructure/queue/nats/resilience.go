package nats

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/infrastructure/resilience"
)

func classifyNATSError(err error) resilience.Class {
	if err == nil {
		return resilience.Class{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Class{Retry: false, Trip: false}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.Class{Retry: true, Trip: true}
	}
	if errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrNoResponders) {
		return resilience.Class{Retry: true, Trip: true}
	}

	return resilience.Class{Retry: false, Trip: true}
}

func wrapTemporaryIfNeeded(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyNATSError(err).Retry || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, "nats publish", err)
	}
	return err
}

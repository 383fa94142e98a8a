// Package consumer adapts queue deliveries into stage handler calls. It owns
// JSON task decoding, the per-task execution timeout, the error-to-outcome
// mapping, and worker observability.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/planlens/plancompare/internal/core/domain"
	"github.com/planlens/plancompare/internal/core/ports"
	"github.com/planlens/plancompare/internal/observability/metrics"
)

type Consumer struct {
	log     *slog.Logger
	metrics *metrics.WorkerMetrics
	service string
	timeout time.Duration
}

// decodeError marks a payload that could not be unmarshalled into its task
// type. Unlike a permanent stage failure there is no stage record to fail,
// so the delivery nacks until the broker routes it to the dead-letter topic.
type decodeError struct {
	err error
}

func (e *decodeError) Error() string { return fmt.Sprintf("decode task: %v", e.err) }

func (e *decodeError) Unwrap() error { return e.err }

// New builds a consumer. timeout bounds one task execution and must sit below
// the queue's visibility timeout so a slow handler nacks before the broker
// redelivers behind its back.
func New(log *slog.Logger, m *metrics.WorkerMetrics, service string, timeout time.Duration) *Consumer {
	return &Consumer{log: log, metrics: m, service: service, timeout: timeout}
}

func (c *Consumer) OCR(h ports.OCRHandler) ports.MessageHandler {
	return c.stage(domain.StageKindOCR, func(ctx context.Context, payload []byte) error {
		var task domain.OCRTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return &decodeError{err: err}
		}
		return h.Handle(ctx, task)
	})
}

func (c *Consumer) Diff(h ports.DiffHandler) ports.MessageHandler {
	return c.stage(domain.StageKindDiff, func(ctx context.Context, payload []byte) error {
		var task domain.DiffTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return &decodeError{err: err}
		}
		return h.Handle(ctx, task)
	})
}

func (c *Consumer) Summary(h ports.SummaryHandler) ports.MessageHandler {
	return c.stage(domain.StageKindSummary, func(ctx context.Context, payload []byte) error {
		var task domain.SummaryTask
		if err := json.Unmarshal(payload, &task); err != nil {
			return &decodeError{err: err}
		}
		return h.Handle(ctx, task)
	})
}

// DeadLetter consumes a stage's dead-letter topic. Failures nack so the
// terminal bookkeeping is retried; it is idempotent.
func (c *Consumer) DeadLetter(kind domain.StageKind, h ports.DeadLetterHandler) ports.MessageHandler {
	return func(ctx context.Context, msg ports.Message) ports.Outcome {
		c.metrics.DeadLetter(c.service, string(kind))
		if err := h.Handle(ctx, msg.Payload); err != nil {
			c.log.Error("dead-letter handling failed",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()),
			)
			return ports.Nack
		}
		c.log.Warn("stage dead-lettered", slog.String("kind", string(kind)))
		return ports.Ack
	}
}

func (c *Consumer) stage(kind domain.StageKind, run func(ctx context.Context, payload []byte) error) ports.MessageHandler {
	return func(ctx context.Context, msg ports.Message) ports.Outcome {
		start := time.Now()
		c.metrics.StartStage(string(kind))
		if !msg.PublishedAt.IsZero() {
			c.metrics.ObserveQueueLag(c.service, string(kind), start.Sub(msg.PublishedAt))
		}

		tctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := run(tctx, msg.Payload)
		cancel()

		c.metrics.FinishStage(c.service, string(kind), time.Since(start), err)
		return c.outcome(kind, msg.Attempt, err)
	}
}

// outcome maps a handler error onto the delivery verdict. Permanent domain
// failures ack: the stage is already terminally failed and redelivery cannot
// change that. Everything else nacks, bounded by the queue's delivery budget.
func (c *Consumer) outcome(kind domain.StageKind, attempt int, err error) ports.Outcome {
	if err == nil {
		return ports.Ack
	}
	attrs := []any{
		slog.String("kind", string(kind)),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	}
	var decodeErr *decodeError
	if errors.As(err, &decodeErr) {
		// No task means no stage record to fail; let the delivery budget
		// carry the payload to the dead-letter topic.
		c.log.Error("undecodable task payload, redelivering toward dead letter", attrs...)
		return ports.Nack
	}
	if domain.IsPermanent(err) {
		c.log.Error("stage failed permanently", attrs...)
		return ports.Ack
	}
	c.log.Warn("stage failed, redelivering", attrs...)
	return ports.Nack
}

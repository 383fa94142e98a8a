package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/planlens/plancompare/internal/core/ports"
	"github.com/planlens/plancompare/internal/infrastructure/resilience"
)

// DeadLetterSuffix is appended to a topic to form its dead-letter topic.
const DeadLetterSuffix = ".dlq"

// Queue is a JetStream-backed implementation of ports.MessageQueue.
// AckWait is the visibility timeout: a delivery whose handler neither acks
// nor nacks in time is redelivered. After MaxDeliver attempts the payload is
// republished to the topic's dead-letter topic and terminated, never
// silently dropped.
type Queue struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	group      string
	ackWait    time.Duration
	maxDeliver int
	guard      *resilience.Guard
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	PublishGuard         *resilience.Guard
}

func New(url, group string, ackWait time.Duration, maxDeliver int) (*Queue, error) {
	return NewWithOptions(url, group, ackWait, maxDeliver, Options{})
}

func NewWithOptions(url, group string, ackWait time.Duration, maxDeliver int, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	if ackWait <= 0 {
		ackWait = 2 * time.Minute
	}
	if maxDeliver <= 0 {
		maxDeliver = 5
	}

	conn, err := nats.Connect(
		url,
		nats.Name("plancompare"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &Queue{
		conn:       conn,
		js:         js,
		group:      group,
		ackWait:    ackWait,
		maxDeliver: maxDeliver,
		guard:      options.PublishGuard,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// ensureStream creates (or finds) the stream holding a topic and its
// dead-letter topic. A dead-letter topic maps to its base topic's stream.
func (q *Queue) ensureStream(topic string) error {
	base := strings.TrimSuffix(topic, DeadLetterSuffix)
	name := streamName(base)
	_, err := q.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{base, base + DeadLetterSuffix},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	return nil
}

func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := q.ensureStream(topic); err != nil {
		return wrapTemporaryIfNeeded(err)
	}

	call := func(_ context.Context) error {
		if _, err := q.js.Publish(topic, payload); err != nil {
			return fmt.Errorf("jetstream publish %s: %w", topic, err)
		}
		return nil
	}

	var err error
	if q.guard != nil {
		err = q.guard.Do(ctx, "nats.publish", classifyNATSError, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

func (q *Queue) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	if err := q.ensureStream(topic); err != nil {
		return wrapTemporaryIfNeeded(err)
	}

	subOpts := []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(q.ackWait),
		nats.DeliverAll(),
	}
	// Dead-letter topics are the end of the line: exhausted deliveries there
	// keep being redelivered instead of cascading into a second-level DLQ.
	if !isDeadLetterTopic(topic) {
		subOpts = append(subOpts, nats.MaxDeliver(q.maxDeliver+1))
	}

	sub, err := q.js.QueueSubscribe(topic, q.group, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		attempt := 1
		var publishedAt time.Time
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			attempt = int(meta.NumDelivered)
			publishedAt = meta.Timestamp
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		outcome := handler(handlerCtx, ports.Message{Payload: msg.Data, Attempt: attempt, PublishedAt: publishedAt})
		switch outcome {
		case ports.Ack:
			if err := msg.Ack(); err != nil {
				slog.Warn("nats_ack_failed", "topic", topic, "error", err)
			}
		case ports.Nack:
			if attempt >= q.maxDeliver && !isDeadLetterTopic(topic) {
				q.deadLetter(topic, msg)
				return
			}
			if err := msg.Nak(); err != nil {
				slog.Warn("nats_nak_failed", "topic", topic, "error", err)
			}
		}
	}, subOpts...)
	if err != nil {
		return fmt.Errorf("jetstream subscribe %s: %w", topic, err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// deadLetter republishes an exhausted delivery to the dead-letter topic, then
// terminates the original so JetStream stops redelivering it. Publish happens
// before Term: losing the original to a crash in between yields a duplicate
// DLQ entry, never a dropped message.
func (q *Queue) deadLetter(topic string, msg *nats.Msg) {
	dlqTopic := topic + DeadLetterSuffix
	if _, err := q.js.Publish(dlqTopic, msg.Data); err != nil {
		slog.Error("nats_dead_letter_publish_failed", "topic", dlqTopic, "error", err)
		// Leave the message unacked so the visibility timeout brings it back.
		return
	}
	if err := msg.Term(); err != nil {
		slog.Warn("nats_term_failed", "topic", topic, "error", err)
	}
	slog.Warn("message_dead_lettered", "topic", topic, "dlq", dlqTopic)
}

func isDeadLetterTopic(topic string) bool {
	return strings.HasSuffix(topic, DeadLetterSuffix)
}

func streamName(topic string) string {
	return "PLANCOMPARE_" + strings.ToUpper(strings.ReplaceAll(topic, ".", "_"))
}

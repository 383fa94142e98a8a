package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/planlens/plancompare/internal/core/ports"
)

// DeadLetterSuffix mirrors the NATS implementation so callers can subscribe
// to dead-letter topics by convention.
const DeadLetterSuffix = ".dlq"

// Queue is an in-process implementation of ports.MessageQueue with the same
// delivery contract as the JetStream one: at-least-once, a visibility
// timeout after which an unfinished delivery is handed to another consumer,
// and dead-letter routing once the maximum delivery count is reached. It
// backs the single-process deployment mode and the pipeline tests.
type Queue struct {
	visibility      time.Duration
	maxDeliver      int
	redeliveryDelay time.Duration

	mu     sync.Mutex
	topics map[string]*topicState
}

type message struct {
	payload     []byte
	attempts    int
	publishedAt time.Time
}

type topicState struct {
	ready []*message
	wake  chan struct{}
}

func New(visibility time.Duration, maxDeliver int) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	return &Queue{
		visibility:      visibility,
		maxDeliver:      maxDeliver,
		redeliveryDelay: 10 * time.Millisecond,
		topics:          make(map[string]*topicState),
	}
}

func (q *Queue) topic(name string) *topicState {
	if t, ok := q.topics[name]; ok {
		return t
	}
	t := &topicState{wake: make(chan struct{}, 1)}
	q.topics[name] = t
	return t
}

func (q *Queue) Publish(_ context.Context, topic string, payload []byte) error {
	data := make([]byte, len(payload))
	copy(data, payload)
	q.enqueue(topic, &message{payload: data, publishedAt: time.Now()})
	return nil
}

func (q *Queue) enqueue(topic string, msg *message) {
	q.mu.Lock()
	t := q.topic(topic)
	t.ready = append(t.ready, msg)
	q.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop(topic string) (*message, chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(topic)
	if len(t.ready) == 0 {
		return nil, t.wake
	}
	msg := t.ready[0]
	t.ready = t.ready[1:]
	return msg, t.wake
}

// Subscribe blocks until ctx is done. Several subscribers on one topic share
// its message stream the way a queue group does.
func (q *Queue) Subscribe(ctx context.Context, topic string, handler ports.MessageHandler) error {
	for {
		msg, wake := q.pop(topic)
		if msg == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		q.deliver(ctx, topic, msg, handler)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// deliver runs the handler under the visibility timeout. A handler that
// neither acks nor nacks in time is treated as crashed: the message is
// rescheduled and the late outcome discarded.
func (q *Queue) deliver(ctx context.Context, topic string, msg *message, handler ports.MessageHandler) {
	msg.attempts++

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomeCh := make(chan ports.Outcome, 1)
	go func() {
		outcomeCh <- handler(handlerCtx, ports.Message{Payload: msg.payload, Attempt: msg.attempts, PublishedAt: msg.publishedAt})
	}()

	timer := time.NewTimer(q.visibility)
	defer timer.Stop()

	select {
	case outcome := <-outcomeCh:
		if outcome == ports.Ack {
			return
		}
		q.reschedule(topic, msg)
	case <-timer.C:
		q.reschedule(topic, msg)
	case <-ctx.Done():
	}
}

func (q *Queue) reschedule(topic string, msg *message) {
	if msg.attempts >= q.maxDeliver && !strings.HasSuffix(topic, DeadLetterSuffix) {
		// Exhausted: route the payload to the dead-letter topic exactly once.
		// Dead-letter topics never cascade into a second-level DLQ; their
		// deliveries just keep coming back until a handler accepts them.
		q.enqueue(topic+DeadLetterSuffix, &message{payload: msg.payload, publishedAt: time.Now()})
		return
	}
	payload := msg.payload
	attempts := msg.attempts
	publishedAt := msg.publishedAt
	time.AfterFunc(q.redeliveryDelay, func() {
		q.enqueue(topic, &message{payload: payload, attempts: attempts, publishedAt: publishedAt})
	})
}

// Depth reports how many messages are waiting on a topic. Test helper.
func (q *Queue) Depth(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.topic(topic).ready)
}

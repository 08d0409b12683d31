// Package bus implements the asynchronous agent message bus: topic-based
// publish/subscribe with per-topic-per-publisher ordering, TTL expiry, and
// isolated subscriber failures.
//
// The fan-out design follows the broker pattern: each subscription owns a
// queue drained by its own goroutine, so one slow or failing handler never
// blocks delivery to the others. Unlike an SSE broker, messages are not
// droppable on backpressure: delivery is at-least-once for every
// subscriber present at publish time, so queues are unbounded and
// publishers never block.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/abdrafdev/agrimind/internal/model"
	"github.com/abdrafdev/agrimind/internal/telemetry"
)

// Handler consumes one message. Handlers run on the subscription's own
// goroutine: messages for a single subscription arrive one at a time, in
// publish order per topic.
type Handler func(ctx context.Context, msg model.Message) error

// HandlerFailure reports one isolated subscriber-side fault. The failed
// delivery is not retried automatically.
type HandlerFailure struct {
	Topic        string
	SubscriberID string
	Message      model.Message
	Err          error
}

func (f HandlerFailure) Error() string {
	return fmt.Sprintf("bus: handler %q on topic %q failed: %v", f.SubscriberID, f.Topic, f.Err)
}

// Subscription is the handle returned by Subscribe; pass it to
// Unsubscribe to stop delivery.
type Subscription struct {
	id      string
	topic   string
	handler Handler

	mu     sync.Mutex
	queue  []model.Message
	wake   chan struct{} // 1-buffered nudge for the drain goroutine
	closed bool
}

// enqueue appends a message preserving arrival order. Never blocks.
func (s *Subscription) enqueue(msg model.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drainOne pops the head of the queue. Second return is false when empty.
func (s *Subscription) drainOne() (model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return model.Message{}, false
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, true
}

// Bus is the in-process topic transport shared by all agent runtimes.
// Safe for concurrent use.
type Bus struct {
	logger    *slog.Logger
	onFailure func(HandlerFailure)
	now       func() time.Time

	mu     sync.RWMutex
	topics map[string][]*Subscription
	nextID int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published metric.Int64Counter
	expired   metric.Int64Counter
	failures  metric.Int64Counter
}

// New creates a bus. onFailure (optional) receives every isolated handler
// failure in addition to the log line.
func New(logger *slog.Logger, onFailure func(HandlerFailure)) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.Meter("agrimind/bus")
	published, _ := meter.Int64Counter("bus.published")
	expired, _ := meter.Int64Counter("bus.expired_dropped")
	failures, _ := meter.Int64Counter("bus.handler_failures")

	return &Bus{
		logger:    logger,
		onFailure: onFailure,
		now:       time.Now,
		topics:    make(map[string][]*Subscription),
		ctx:       ctx,
		cancel:    cancel,
		published: published,
		expired:   expired,
		failures:  failures,
	}
}

// WithClock overrides the time source for tests.
func (b *Bus) WithClock(now func() time.Time) *Bus {
	b.now = now
	return b
}

// Publish delivers msg to every subscriber of msg.Topic present right
// now. Publishing to a topic with no subscribers is a no-op, not an
// error. A message whose TTL already expired is dropped before dispatch.
func (b *Bus) Publish(ctx context.Context, msg model.Message) error {
	if msg.Expired(b.now()) {
		b.expired.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", msg.Topic)))
		b.logger.Debug("bus: dropped expired message", "topic", msg.Topic, "message_id", msg.ID)
		return nil
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus: closed")
	}
	subs := b.topics[msg.Topic]
	// Snapshot so a concurrent unsubscribe cannot shrink the slice under us.
	targets := make([]*Subscription, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", msg.Topic)))
	return nil
}

// Subscribe registers handler for topic and starts its delivery
// goroutine. subscriberID is used in failure reports and logs.
func (b *Bus) Subscribe(topic, subscriberID string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.nextID++
	s := &Subscription{
		id:      fmt.Sprintf("%s#%d", subscriberID, b.nextID),
		topic:   topic,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}
	b.topics[topic] = append(b.topics[topic], s)

	b.wg.Add(1)
	go b.deliver(s, subscriberID)
	return s
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
// Messages still queued are discarded.
func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	subs := b.topics[s.topic]
	for i, cur := range subs {
		if cur == s {
			b.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops all delivery goroutines and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// deliver drains one subscription's queue in order, isolating handler
// faults. Runs until Unsubscribe or Close.
func (b *Bus) deliver(s *Subscription, subscriberID string) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}

			msg, ok := s.drainOne()
			if !ok {
				break
			}
			// TTL may have lapsed while queued.
			if msg.Expired(b.now()) {
				b.expired.Add(b.ctx, 1, metric.WithAttributes(attribute.String("topic", s.topic)))
				continue
			}
			b.dispatch(s, subscriberID, msg)
		}
	}
}

// dispatch runs the handler for one message, converting errors and panics
// into HandlerFailure reports. Failures are logged and surfaced, never
// retried, and never block other subscribers.
func (b *Bus) dispatch(s *Subscription, subscriberID string, msg model.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			b.reportFailure(s, subscriberID, msg, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := s.handler(b.ctx, msg); err != nil {
		b.reportFailure(s, subscriberID, msg, err)
	}
}

func (b *Bus) reportFailure(s *Subscription, subscriberID string, msg model.Message, err error) {
	f := HandlerFailure{Topic: s.topic, SubscriberID: subscriberID, Message: msg, Err: err}
	b.failures.Add(b.ctx, 1, metric.WithAttributes(attribute.String("topic", s.topic)))
	b.logger.Error("bus: handler failure",
		"topic", s.topic, "subscriber", subscriberID, "message_id", msg.ID, "error", err)
	if b.onFailure != nil {
		b.onFailure(f)
	}
}

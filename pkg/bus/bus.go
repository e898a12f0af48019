// Package bus provides the in-process publish/subscribe channel that
// decouples producers and observers of orchestration lifecycle events.
//
// Delivery is synchronous and at-most-once per subscriber per publish call,
// in subscription-registration order. The bus never persists or replays
// messages: a subscriber registered after a publish never sees that message.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

// ErrSubscriberCapacity is returned when a subscription would exceed the
// configured maximum number of live subscriptions.
var ErrSubscriberCapacity = errors.New("subscriber capacity exceeded")

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("message bus is closed")

// Handler consumes a delivered message. Handlers receive a private clone and
// may not assume they run on the publisher's goroutine beyond the duration of
// the publish call.
type Handler func(*proto.Message)

// DeliveryObserver is notified of every per-subscriber delivery outcome.
// Outcome is "delivered" or "skipped". Observers must be fast; they run on
// the publisher's goroutine.
type DeliveryObserver func(msgType, outcome string)

const (
	outcomeDelivered = "delivered"
	outcomeSkipped   = "skipped"
)

// Filter selects which messages a subscription receives. Empty fields mean
// "any". A broadcast message (no recipient) matches regardless of the To
// field so that broadcasts reach all type-matching subscribers.
type Filter struct {
	Type          proto.MsgType
	From          string
	To            string
	CorrelationID string
}

// Matches reports whether a message passes the filter.
func (f Filter) Matches(msg *proto.Message) bool {
	if f.Type != "" && f.Type != msg.Type {
		return false
	}
	if f.From != "" && f.From != msg.From {
		return false
	}
	if f.To != "" && msg.To != "" && f.To != msg.To {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != msg.CorrelationID {
		return false
	}
	return true
}

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	ID     string
	Filter Filter

	handler Handler
}

// Bus is an in-process message bus with bounded subscriptions and bounded
// per-handler delivery time.
type Bus struct {
	logger         *logx.Logger
	subs           []*Subscription // registration order
	maxSubs        int
	handlerTimeout time.Duration
	observer       DeliveryObserver
	published      atomic.Int64
	delivered      atomic.Int64
	skipped        atomic.Int64
	closed         bool
	mu             sync.RWMutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxSubscriptions bounds the number of live subscriptions.
func WithMaxSubscriptions(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxSubs = n
		}
	}
}

// WithHandlerTimeout bounds how long a single handler may block delivery.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// WithDeliveryObserver installs a callback reporting each delivery outcome,
// typically a metrics recorder.
func WithDeliveryObserver(fn DeliveryObserver) Option {
	return func(b *Bus) {
		b.observer = fn
	}
}

// New creates a message bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:         logx.NewLogger("bus"),
		maxSubs:        256,
		handlerTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for messages matching the filter.
// Fails with ErrSubscriberCapacity when the subscription limit is reached.
func (b *Bus) Subscribe(filter Filter, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe: handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if len(b.subs) >= b.maxSubs {
		return nil, fmt.Errorf("subscribe: %w (max %d)", ErrSubscriberCapacity, b.maxSubs)
	}

	sub := &Subscription{
		ID:      proto.NewID(),
		Filter:  filter,
		handler: handler,
	}

	// Copy-on-write: publishers iterate the slice they snapshotted, so the
	// subscriber list is replaced, never mutated in place.
	next := make([]*Subscription, len(b.subs), len(b.subs)+1)
	copy(next, b.subs)
	b.subs = append(next, sub)

	b.logger.Debug("Subscribed %s (type=%q from=%q to=%q corr=%q)", sub.ID, filter.Type, filter.From, filter.To, filter.CorrelationID)
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown handles are a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.ID != sub.ID {
			next = append(next, s)
		}
	}
	b.subs = next
}

// Publish delivers the message synchronously to every matching subscriber in
// registration order. A slow or panicking handler is skipped after the
// per-handler timeout and reported as a warning; it never fails the publish.
func (b *Bus) Publish(msg *proto.Message) error {
	if msg == nil {
		return fmt.Errorf("publish: message is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = proto.NewID()
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	snapshot := b.subs // immutable slice, see Subscribe
	b.mu.RUnlock()

	b.published.Add(1)

	for _, sub := range snapshot {
		if !sub.Filter.Matches(msg) {
			continue
		}
		if b.deliver(sub, msg.Clone()) {
			b.delivered.Add(1)
			b.observe(msg.Type, outcomeDelivered)
		} else {
			b.skipped.Add(1)
			b.observe(msg.Type, outcomeSkipped)
		}
	}
	return nil
}

func (b *Bus) observe(msgType proto.MsgType, outcome string) {
	if b.observer != nil {
		b.observer(string(msgType), outcome)
	}
}

// deliver runs one handler with a bounded wait. Returns false if the handler
// was skipped (timeout or panic).
func (b *Bus) deliver(sub *Subscription, msg *proto.Message) bool {
	done := make(chan struct{})
	panicked := make(chan any, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
				return
			}
			close(done)
		}()
		sub.handler(msg)
	}()

	timer := time.NewTimer(b.handlerTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case r := <-panicked:
		b.logger.Warn("Subscriber %s panicked handling %s %s: %v", sub.ID, msg.Type, msg.ID, r)
		return false
	case <-timer.C:
		// The handler goroutine keeps running; delivery to the remaining
		// subscribers must not wait for it.
		b.logger.Warn("Subscriber %s exceeded %v handling %s %s, skipped", sub.ID, b.handlerTimeout, msg.Type, msg.ID)
		return false
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats reports counters for diagnostics endpoints.
func (b *Bus) Stats() map[string]any {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()

	return map[string]any{
		"subscriptions": subs,
		"published":     b.published.Load(),
		"delivered":     b.delivered.Load(),
		"skipped":       b.skipped.Load(),
	}
}

// Close drops all subscriptions and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

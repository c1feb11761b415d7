package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Proctor/internal/domain"
)

// SignalChannel relays opaque JSON between the two sides of a session key.
// Record publishes are merge patches; candidate topics are append-only.
type SignalChannel interface {
	Publish(ctx context.Context, key domain.SessionKey, topic domain.Topic, payload json.RawMessage) error
	// Purge drops every item of an append-only topic. Only used on session reset.
	Purge(ctx context.Context, key domain.SessionKey, topic domain.Topic) error
	// SubscribeLatest calls fn with the current record once per observed change.
	SubscribeLatest(ctx context.Context, key domain.SessionKey, fn func(json.RawMessage)) (Subscription, error)
	// SubscribeAppended calls fn for items appended after the subscription started.
	SubscribeAppended(ctx context.Context, key domain.SessionKey, topic domain.Topic, fn func(domain.Item)) (Subscription, error)
}

// BacklogReader is implemented by channels that persist topic history.
type BacklogReader interface {
	Backlog(ctx context.Context, key domain.SessionKey, topic domain.Topic) ([]domain.Item, error)
}

// Subscription cancels a live subscription. Unsubscribe is idempotent and no
// handler call is running or will start once it returns. It must not be
// called from inside the subscription's own handler.
type Subscription interface {
	Unsubscribe()
}

// Sub is the Subscription used by channel backends. Deliveries are serialized.
type Sub struct {
	mu     sync.Mutex
	once   sync.Once
	done   chan struct{}
	onStop func()
}

func NewSub(onStop func()) *Sub {
	return &Sub{done: make(chan struct{}), onStop: onStop}
}

// Done is closed when the subscription is cancelled.
func (s *Sub) Done() <-chan struct{} { return s.done }

// Deliver runs fn unless the subscription is cancelled.
func (s *Sub) Deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	fn()
	return true
}

func (s *Sub) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		if s.onStop != nil {
			s.onStop()
		}
	})
	// wait out an in-flight delivery
	s.mu.Lock()
	s.mu.Unlock() //nolint:staticcheck
}

// SubscriptionFunc adapts a plain function.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

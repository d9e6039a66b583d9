package events

import (
	"context"
	"errors"
	"sync"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription wraps a callback driven source as a cancellable push sequence.
// Values pushed from the producer callback are queued without bound so the
// callback never blocks, and delivered in order on C().
// Close is idempotent; it runs the unsubscribe function once and closes C()
// after the pump goroutine exits.
type Subscription[T any] struct {
	mu        sync.Mutex
	queue     []T
	signal    chan struct{}
	out       chan T
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	pumpDone  chan struct{}
}

// NewSubscription creates a subscription. onClose may be nil and is called
// synchronously from the first Close call.
func NewSubscription[T any](onClose func()) *Subscription[T] {
	s := &Subscription[T]{
		signal:   make(chan struct{}, 1),
		out:      make(chan T),
		done:     make(chan struct{}),
		onClose:  onClose,
		pumpDone: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Push queues v for delivery. Returns false if the subscription is closed.
func (s *Subscription[T]) Push(v T) bool {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return false
	default:
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription[T]) pump() {
	defer close(s.pumpDone)
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}

// C returns the delivery channel. It is closed once the subscription is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Done is closed when Close has been called
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Next blocks until the next value, the subscription closing, or ctx ending
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case v, ok := <-s.out:
		if !ok {
			return zero, ErrSubscriptionClosed
		}
		return v, nil
	case <-s.done:
		return zero, ErrSubscriptionClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close unsubscribes from the source and stops delivery. Queued values that
// were not yet received are dropped. Close waits for the pump to exit so no
// value is delivered after it returns.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.queue = nil
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
		<-s.pumpDone
	})
}

// Subscribe exposes a CallbackEvent as a Subscription. The listener is
// removed when the subscription is closed.
func Subscribe[T any](e *CallbackEvent[T]) *Subscription[T] {
	var unregister func()
	var mu sync.Mutex
	sub := NewSubscription[T](func() {
		mu.Lock()
		defer mu.Unlock()
		if unregister != nil {
			unregister()
		}
	})
	mu.Lock()
	unregister = e.Listen(func(v T) {
		sub.Push(v)
	})
	mu.Unlock()
	return sub
}

// Package events provides the ephemeral pub/sub channel that connects the
// worker pipeline to live progress subscribers.
//
// Delivery is best-effort and at-most-once: if no subscriber is attached at
// publish time the message is dropped, there is no persistence and no replay.
// Within one publisher, delivery order is preserved. The durable store is
// always authoritative; this channel only accelerates it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrSlowConsumer terminates a subscriber whose buffer overflowed. The
// subscriber must resubscribe (and reconcile against the durable store)
// rather than stall other consumers of the same channel.
var ErrSlowConsumer = errors.New("events: subscriber buffer overflow")

// ErrBusClosed is returned by operations on a closed bus.
var ErrBusClosed = errors.New("events: bus closed")

// Subscription is a non-restartable stream of payloads from one channel.
type Subscription interface {
	// Events returns the payload channel. It is closed when the
	// subscription terminates for any reason.
	Events() <-chan []byte

	// Err reports why the subscription terminated. It is nil before
	// termination and after a plain Unsubscribe.
	Err() error

	// Unsubscribe detaches the subscription and closes Events.
	// It is safe to call from any teardown path, multiple times.
	Unsubscribe()
}

// Bus is the named-channel pub/sub facility shared by all worker and bridge
// processes.
type Bus interface {
	// Publish serializes payload (JSON unless it is already []byte) and
	// delivers it to every currently attached subscriber of channel.
	// It returns the number of attached subscribers at dispatch time.
	Publish(ctx context.Context, channel string, payload any) (int, error)

	// Subscribe attaches a new subscriber to channel. Every message
	// published after attachment is delivered, subject to the
	// per-subscriber buffer bound.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close terminates all subscriptions and releases connections.
	Close() error
}

// encodePayload turns a payload into wire bytes. Byte slices and strings
// pass through untouched; everything else is JSON-encoded.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(payload)
	}
}

// subscription is the shared Subscription implementation. The owning bus
// delivers into ch and terminates the subscription on overflow or upstream
// failure; detach removes it from the owner's registry.
type subscription struct {
	ch     chan []byte
	detach func(*subscription)

	mu     sync.Mutex
	err    error
	closed bool
}

func newSubscription(buffer int, detach func(*subscription)) *subscription {
	return &subscription{
		ch:     make(chan []byte, buffer),
		detach: detach,
	}
}

func (s *subscription) Events() <-chan []byte { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() {
	s.detach(s)
	s.terminate(nil)
}

// deliver attempts a non-blocking send. It reports false when the buffer is
// full; the caller must then detach and terminate the subscription.
func (s *subscription) deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- payload:
		return true
	default:
		return false
	}
}

// terminate closes the payload channel exactly once, recording cause.
func (s *subscription) terminate(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = cause
	close(s.ch)
}

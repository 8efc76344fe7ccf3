package events

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus. It is safe for concurrent use and carries
// the same delivery semantics as the Redis implementation, which makes it
// suitable for tests and single-instance deployments.
type MemoryBus struct {
	mu       sync.Mutex
	channels map[string][]*subscription
	buffer   int
	closed   bool
}

// NewMemoryBus creates an in-process bus with the given per-subscriber
// buffer bound. Bounds below 1 fall back to 64.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer < 1 {
		buffer = 64
	}
	return &MemoryBus{
		channels: make(map[string][]*subscription),
		buffer:   buffer,
	}
}

// Publish delivers payload to every subscriber currently attached to
// channel. Slow subscribers are terminated with ErrSlowConsumer instead of
// blocking the rest.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload any) (int, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBusClosed
	}

	subs := b.channels[channel]
	attached := len(subs)

	var kept []*subscription
	for _, s := range subs {
		if s.deliver(data) {
			kept = append(kept, s)
		} else {
			s.terminate(ErrSlowConsumer)
		}
	}
	if len(kept) != len(subs) {
		if len(kept) == 0 {
			delete(b.channels, channel)
		} else {
			b.channels[channel] = kept
		}
	}

	return attached, nil
}

// Subscribe attaches a new subscriber to channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newSubscription(b.buffer, func(s *subscription) {
		b.remove(channel, s)
	})
	b.channels[channel] = append(b.channels[channel], sub)
	return sub, nil
}

func (b *MemoryBus) remove(channel string, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.channels[channel]
	for i, s := range subs {
		if s == target {
			b.channels[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.channels[channel]) == 0 {
		delete(b.channels, channel)
	}
}

// Close terminates every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.channels {
		for _, s := range subs {
			s.terminate(nil)
		}
	}
	b.channels = make(map[string][]*subscription)
	return nil
}

// SubscriberCount returns the number of subscribers attached to channel.
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pageflowhq/pageflow/internal/logger"
)

// ErrUpstreamClosed terminates subscribers whose upstream Redis subscription
// died. Consumers should re-read the durable store and resubscribe.
var ErrUpstreamClosed = errors.New("events: upstream subscription closed")

// RedisBus is the production Bus backed by Redis pub/sub.
//
// Redis requires a connection in subscriber mode to be used for nothing
// else, so the bus holds two clients: one for publishing and one dedicated
// to subscriptions. Within the process, one upstream subscription per
// channel is multiplexed to any number of local subscribers, each with its
// own bounded buffer.
type RedisBus struct {
	pub    *redis.Client
	sub    *redis.Client
	buffer int
	log    *slog.Logger

	mu      sync.Mutex
	fanouts map[string]*fanout
	closed  bool
}

// fanout multiplexes one upstream redis.PubSub to N local subscriptions.
type fanout struct {
	pubsub  *redis.PubSub
	subs    []*subscription
	stopped bool
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithBuffer sets the per-subscriber buffer bound. The minimum honored
// value is 64.
func WithBuffer(n int) RedisBusOption {
	return func(b *RedisBus) {
		if n >= 64 {
			b.buffer = n
		}
	}
}

// NewRedisBus creates a Redis-backed bus. Both clients must point at the
// same Redis instance; the subscriber client is owned exclusively by the
// bus from this point on.
func NewRedisBus(pub, sub *redis.Client, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		pub:     pub,
		sub:     sub,
		buffer:  64,
		log:     logger.Component("event-bus"),
		fanouts: make(map[string]*fanout),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends payload to channel. The returned count is the number of
// subscriber connections Redis delivered to at dispatch time (one per
// attached process, regardless of local fan-out width).
func (b *RedisBus) Publish(ctx context.Context, channel string, payload any) (int, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return 0, err
	}

	n, err := b.pub.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Subscribe attaches a local subscriber to channel, creating the upstream
// Redis subscription if this is the first local consumer.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	f, ok := b.fanouts[channel]
	if !ok {
		ps := b.sub.Subscribe(ctx, channel)
		// Wait for the subscription confirmation so that messages
		// published after Subscribe returns are guaranteed delivery.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		f = &fanout{pubsub: ps}
		b.fanouts[channel] = f
		go b.run(channel, f)
	}

	sub := newSubscription(b.buffer, func(s *subscription) {
		b.removeLocal(channel, s)
	})
	f.subs = append(f.subs, sub)
	return sub, nil
}

// run pumps upstream messages into the local subscribers until the upstream
// subscription closes.
func (b *RedisBus) run(channel string, f *fanout) {
	ch := f.pubsub.Channel(redis.WithChannelSize(b.buffer))
	for msg := range ch {
		b.broadcast(channel, f, []byte(msg.Payload))
	}

	// Upstream gone. If the fanout was not deliberately stopped, the
	// remaining subscribers terminate with an upstream error so the
	// bridge can surface it.
	b.mu.Lock()
	defer b.mu.Unlock()
	cause := ErrUpstreamClosed
	if f.stopped || b.closed {
		cause = nil
	}
	for _, s := range f.subs {
		s.terminate(cause)
	}
	f.subs = nil
	if b.fanouts[channel] == f {
		delete(b.fanouts, channel)
	}
}

func (b *RedisBus) broadcast(channel string, f *fanout, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var kept []*subscription
	for _, s := range f.subs {
		if s.deliver(payload) {
			kept = append(kept, s)
		} else {
			b.log.Warn("subscriber too slow, dropping it", "channel", channel)
			s.terminate(ErrSlowConsumer)
		}
	}
	f.subs = kept
	if len(f.subs) == 0 && !f.stopped {
		f.stopped = true
		_ = f.pubsub.Close()
		delete(b.fanouts, channel)
	}
}

func (b *RedisBus) removeLocal(channel string, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.fanouts[channel]
	if !ok {
		return
	}
	for i, s := range f.subs {
		if s == target {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	if len(f.subs) == 0 {
		f.stopped = true
		_ = f.pubsub.Close()
		delete(b.fanouts, channel)
	}
}

// Close terminates every subscription and closes both Redis clients.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	fanouts := b.fanouts
	b.fanouts = make(map[string]*fanout)
	b.mu.Unlock()

	for _, f := range fanouts {
		_ = f.pubsub.Close()
		for _, s := range f.subs {
			s.terminate(nil)
		}
	}

	err := b.pub.Close()
	if subErr := b.sub.Close(); err == nil {
		err = subErr
	}
	return err
}

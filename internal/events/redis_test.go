package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisBus creates a bus against miniredis with separate publisher and
// subscriber clients, mirroring the production wiring.
func setupRedisBus(t *testing.T, opts ...RedisBusOption) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)

	pub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	bus := NewRedisBus(pub, sub, opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func recv(t *testing.T, sub Subscription) []byte {
	t.Helper()
	select {
	case payload, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly: %v", sub.Err())
		return payload
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestRedisBus_PublishWithoutSubscribers(t *testing.T) {
	bus := setupRedisBus(t)

	n, err := bus.Publish(context.Background(), "doc:j1:progress", "dropped")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisBus_RoundTrip(t *testing.T) {
	bus := setupRedisBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "doc:j1:progress")
	require.NoError(t, err)

	n, err := bus.Publish(ctx, "doc:j1:progress", map[string]int{"progress": 42})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "one subscriber connection attached")

	assert.JSONEq(t, `{"progress": 42}`, string(recv(t, sub)))
}

func TestRedisBus_LocalFanOutSharesOneUpstream(t *testing.T) {
	bus := setupRedisBus(t)
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)
	s2, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)

	// Redis sees a single subscriber connection for the channel.
	n, err := bus.Publish(ctx, "ch", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, "hello", string(recv(t, s1)))
	assert.Equal(t, "hello", string(recv(t, s2)))
}

func TestRedisBus_OrderPreserved(t *testing.T) {
	bus := setupRedisBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)

	want := []string{"a", "b", "c", "d"}
	for _, m := range want {
		_, err := bus.Publish(ctx, "ch", m)
		require.NoError(t, err)
	}
	for _, m := range want {
		assert.Equal(t, m, string(recv(t, sub)))
	}
}

func TestRedisBus_UnsubscribeDetachesUpstream(t *testing.T) {
	bus := setupRedisBus(t)
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)
	sub.Unsubscribe()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, sub.Err())

	// With the last local subscriber gone the upstream subscription is
	// released and publishes see no receivers.
	require.Eventually(t, func() bool {
		n, err := bus.Publish(ctx, "ch", "x")
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedisBus_IndependentChannels(t *testing.T) {
	bus := setupRedisBus(t)
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, "doc:a:progress")
	require.NoError(t, err)
	s2, err := bus.Subscribe(ctx, "doc:b:progress")
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "doc:a:progress", "for-a")
	require.NoError(t, err)

	assert.Equal(t, "for-a", string(recv(t, s1)))
	select {
	case payload := <-s2.Events():
		t.Fatalf("channel b received foreign payload %q", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBus_CloseTerminatesSubscribers(t *testing.T) {
	bus := setupRedisBus(t)

	sub, err := bus.Subscribe(context.Background(), "ch")
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	// Drain anything in flight; the channel must end up closed.
	for range sub.Events() {
	}
	_, err = bus.Publish(context.Background(), "ch", "x")
	assert.Error(t, err)
}

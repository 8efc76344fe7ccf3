package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()

	n, err := bus.Publish(context.Background(), "doc:j1:progress", map[string]int{"progress": 8})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "messages without subscribers are dropped")
}

func TestMemoryBus_FanOutDeliversToEverySubscriber(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()
	ctx := context.Background()

	s1, err := bus.Subscribe(ctx, "doc:j1:progress")
	require.NoError(t, err)
	s2, err := bus.Subscribe(ctx, "doc:j1:progress")
	require.NoError(t, err)

	n, err := bus.Publish(ctx, "doc:j1:progress", map[string]string{"status": "running"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, s := range []Subscription{s1, s2} {
		payload := <-s.Events()
		var got map[string]string
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, "running", got["status"])
	}
}

func TestMemoryBus_OrderPreservedPerPublisher(t *testing.T) {
	bus := NewMemoryBus(64)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "doc:j1:progress")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := bus.Publish(ctx, "doc:j1:progress", fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(<-sub.Events()))
	}
}

func TestMemoryBus_SlowSubscriberTerminatedNotBlocking(t *testing.T) {
	bus := NewMemoryBus(2)
	defer bus.Close()
	ctx := context.Background()

	slow, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)

	// Overflow the slow subscriber's buffer without draining it.
	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, "ch", "x")
		require.NoError(t, err)
	}

	// Publishing continues unhindered for later subscribers.
	fast, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "ch", "y")
	require.NoError(t, err)
	assert.Equal(t, "y", string(<-fast.Events()))

	// Drain the slow subscriber: its channel must be closed with the
	// overflow error after the buffered messages.
	count := 0
	for range slow.Events() {
		count++
	}
	assert.Equal(t, 2, count, "bounded buffer holds only what fit")
	assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
}

func TestMemoryBus_UnsubscribeIdempotent(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, bus.SubscriberCount("ch"))
}

func TestMemoryBus_SubscribeAfterPublishMissesEarlier(t *testing.T) {
	bus := NewMemoryBus(8)
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Publish(ctx, "ch", "early")
	require.NoError(t, err)

	sub, err := bus.Subscribe(ctx, "ch")
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "ch", "late")
	require.NoError(t, err)

	assert.Equal(t, "late", string(<-sub.Events()))
}

func TestMemoryBus_ClosedBusRejectsOperations(t *testing.T) {
	bus := NewMemoryBus(8)
	sub, err := bus.Subscribe(context.Background(), "ch")
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	_, open := <-sub.Events()
	assert.False(t, open)

	_, err = bus.Publish(context.Background(), "ch", "x")
	assert.ErrorIs(t, err, ErrBusClosed)
	_, err = bus.Subscribe(context.Background(), "ch")
	assert.ErrorIs(t, err, ErrBusClosed)
}

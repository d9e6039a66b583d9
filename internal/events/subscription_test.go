package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_DeliversInOrder(t *testing.T) {
	sub := NewSubscription[int](nil)
	defer sub.Close()

	// producer never blocks even with no reader
	for i := 0; i < 100; i++ {
		require.True(t, sub.Push(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		v, err := sub.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	var unsubscribed atomic.Int32
	sub := NewSubscription[string](func() {
		unsubscribed.Add(1)
	})

	sub.Push("queued")
	sub.Close()
	sub.Close()

	assert.Equal(t, int32(1), unsubscribed.Load())
	assert.False(t, sub.Push("late"))

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	_, ok := <-sub.C()
	assert.False(t, ok)

	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestSubscription_NextHonoursContext(t *testing.T) {
	sub := NewSubscription[int](nil)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribe_CallbackEvent(t *testing.T) {
	event := NewCallbackEvent[string](true)
	event.Notify("Unknown")

	sub := Subscribe(event)
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify("PoweredOn")

	assert.Equal(t, "Unknown", receive(t, sub.C()))
	assert.Equal(t, "PoweredOn", receive(t, sub.C()))

	sub.Close()
	assert.Equal(t, 0, event.ListenerCount())
}

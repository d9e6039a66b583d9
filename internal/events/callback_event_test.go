package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallbackEvent_ListenNotifyUnregister(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var got []int
	unregister := event.Listen(func(v int) {
		got = append(got, v)
	})
	assert.Equal(t, 1, event.ListenerCount())

	event.Notify(1)
	event.Notify(2)
	unregister()
	event.Notify(3)

	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, 0, event.ListenerCount())

	// unregistering twice is harmless
	unregister()
	assert.Equal(t, 0, event.ListenerCount())
}

func TestCallbackEvent_ReplaysLastToNewListener(t *testing.T) {
	event := NewCallbackEvent[string](true)

	var first []string
	defer event.Listen(func(v string) { first = append(first, v) })()
	assert.Empty(t, first)

	event.Notify("Unknown")
	event.Notify("PoweredOn")

	var second []string
	defer event.Listen(func(v string) { second = append(second, v) })()

	assert.Equal(t, []string{"Unknown", "PoweredOn"}, first)
	assert.Equal(t, []string{"PoweredOn"}, second)

	last, ok := event.Last()
	assert.True(t, ok)
	assert.Equal(t, "PoweredOn", last)
}

func TestCallbackEvent_NilCallbackPanics(t *testing.T) {
	event := NewCallbackEvent[int](false)
	assert.Panics(t, func() {
		event.Listen(nil)
	})
}

func TestCallbackEvent_UnregisterDuringNotify(t *testing.T) {
	event := NewCallbackEvent[int](false)

	calls := 0
	var unregister func()
	unregister = event.Listen(func(int) {
		calls++
		unregister()
	})

	event.Notify(1)
	event.Notify(2)
	assert.Equal(t, 1, calls)
}

func TestCallbackEvent_ConcurrentNotify(t *testing.T) {
	event := NewCallbackEvent[int](false)

	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		defer event.Listen(func(v int) {
			mu.Lock()
			total += v
			mu.Unlock()
		})()
	}

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			event.Notify(v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4*55, total)
}

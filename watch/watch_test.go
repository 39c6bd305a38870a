package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchDeliversInOrder(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()

	ch := q.Watch()
	defer q.StopWatch(ch)

	for i := 0; i < 10; i++ {
		q.Publish(Event{Payload: i})
	}
	for i := 0; i < 10; i++ {
		ev := <-ch
		assert.Equal(t, i, ev.Payload)
	}
}

func TestCallbackWatchFilters(t *testing.T) {
	q := NewQueue(0)
	defer q.Close()

	ch := q.CallbackWatch(func(ev Event) bool {
		i, ok := ev.Payload.(int)
		return ok && i%2 == 0
	})
	defer q.StopWatch(ch)

	for i := 0; i < 6; i++ {
		q.Publish(Event{Payload: i})
	}
	for _, want := range []int{0, 2, 4} {
		ev := <-ch
		assert.Equal(t, want, ev.Payload)
	}
}

func TestStopWatchClosesChannel(t *testing.T) {
	q := NewQueue(0)
	ch := q.Watch()
	q.StopWatch(ch)

	_, ok := <-ch
	require.False(t, ok)
}

// Package watch provides the publish/subscribe queue that carries store
// commit events to the control-plane reaction loops.
package watch

import (
	"container/list"
	"sync"
)

// Event is a struct wrapping objects sent through the queue.
type Event struct {
	// Payload is the actual object being passed through the queue.
	Payload interface{}
}

type matchFunc func(Event) bool

// Queue is the structure used to publish events and watch for them.
type Queue struct {
	mu          sync.Mutex
	buffer      int
	subscribers map[chan Event]*subscriber
	cond        *sync.Cond
}

type subscriber struct {
	// The queue's mutex must be locked when accessing the pending list.
	pending list.List
	match   matchFunc
	closed  chan struct{}
}

// NewQueue creates a new publish/subscribe queue which supports watchers.
// The channels that it will create for subscriptions will have the buffer
// size specified by buffer.
func NewQueue(buffer int) *Queue {
	q := &Queue{
		buffer:      buffer,
		subscribers: make(map[chan Event]*subscriber),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Watch returns a channel which will receive all items published to the
// queue from this point, until StopWatch is called.
func (q *Queue) Watch() chan Event {
	return q.CallbackWatch(nil)
}

// CallbackWatch returns a channel which will receive all events published
// to the queue from this point that pass the check in the provided callback
// function. StopWatch will stop the flow of events and close the channel.
func (q *Queue) CallbackWatch(match func(Event) bool) chan Event {
	ch := make(chan Event, q.buffer)
	sub := &subscriber{
		match:  match,
		closed: make(chan struct{}),
	}
	sub.pending.Init()

	q.mu.Lock()
	q.subscribers[ch] = sub
	q.mu.Unlock()

	go q.drain(ch, sub)

	return ch
}

// StopWatch stops a watcher from receiving further events, and closes its
// channel.
func (q *Queue) StopWatch(ch chan Event) {
	q.mu.Lock()
	if sub, ok := q.subscribers[ch]; ok {
		delete(q.subscribers, ch)
		close(sub.closed)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Publish adds an item to the queue. Events submitted in a certain order
// are delivered to each subscriber in that order; no events are dropped.
func (q *Queue) Publish(item Event) {
	q.mu.Lock()
	if len(q.subscribers) == 0 {
		q.mu.Unlock()
		return
	}

	for _, sub := range q.subscribers {
		sub.pending.PushBack(item)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Close closes the channels of all subscribers registered with the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	for ch, sub := range q.subscribers {
		delete(q.subscribers, ch)
		close(sub.closed)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// drain runs in a goroutine as long as the subscriber is watching for
// events. It waits for new events to be queued and sends those over the
// subscriber's channel.
func (q *Queue) drain(ch chan Event, sub *subscriber) {
	q.mu.Lock()
	for {
		for sub.pending.Len() > 0 {
			next := sub.pending.Remove(sub.pending.Front()).(Event)

			q.mu.Unlock()

			// The match check happens here instead of at publish
			// time so it runs without the lock held.
			if sub.match == nil || sub.match(next) {
				select {
				case ch <- next:
				case <-sub.closed:
					return
				}
			}

			q.mu.Lock()
		}

		// While the mutex was unlocked above, the channel could have
		// been closed.
		select {
		case <-sub.closed:
			q.mu.Unlock()
			close(ch)
			return
		default:
		}

		q.cond.Wait()
	}
}

// Package queue is the unbounded FIFO between discovery and the pipeline
// workers. Pushing never blocks so admission paths are never held up by a
// busy pipeline.
package queue

import (
	"context"
	"errors"
	"sync"

	"clip_relay/internal/domain"
	"clip_relay/internal/metrics"
)

var ErrClosed = errors.New("queue closed")

type Queue struct {
	mu      sync.Mutex
	data    []domain.DiscoveryEvent
	notify  chan struct{}
	closed  bool
	metrics *metrics.Metrics
}

func New(m *metrics.Metrics) *Queue {
	return &Queue{
		notify:  make(chan struct{}, 1),
		metrics: m,
	}
}

func (q *Queue) Push(ev domain.DiscoveryEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.data = append(q.data, ev)
	n := len(q.data)
	q.wakeLocked()
	q.mu.Unlock()

	q.metrics.QueueLength(n)
	return nil
}

// Pop blocks until an event is available, ctx is done or the queue is closed.
func (q *Queue) Pop(ctx context.Context) (domain.DiscoveryEvent, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return domain.DiscoveryEvent{}, ErrClosed
		}
		if len(q.data) > 0 {
			ev := q.data[0]
			q.data[0] = domain.DiscoveryEvent{}
			q.data = q.data[1:]
			n := len(q.data)
			if n > 0 {
				// pass the wakeup on to the next waiter
				q.wakeLocked()
			}
			q.mu.Unlock()

			q.metrics.QueueLength(n)
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return domain.DiscoveryEvent{}, ctx.Err()
		}
	}
}

// Close stops intake and wakes every waiting Pop. Events still queued are
// kept for Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
}

// Drain removes and returns every queued event.
func (q *Queue) Drain() []domain.DiscoveryEvent {
	q.mu.Lock()
	out := q.data
	q.data = nil
	q.mu.Unlock()

	q.metrics.QueueLength(0)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

func (q *Queue) wakeLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryItem struct {
	payload  Payload
	attempts int
}

// MemoryQueue is a process-local Queue. Nothing survives a restart.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []memoryItem
	inflight map[string]struct{}
	timers   map[*time.Timer]struct{}
	failed   map[string]FailedEntry
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]struct{}),
		timers:   make(map[*time.Timer]struct{}),
		failed:   make(map[string]FailedEntry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

var _ Queue = (*MemoryQueue)(nil)

func (q *MemoryQueue) Enqueue(_ context.Context, p Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.push(memoryItem{payload: p})

	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()

		if q.closed {
			q.mu.Unlock()

			return nil, ErrClosed
		}

		if len(q.ready) > 0 {
			item := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[item.payload.ID] = struct{}{}

			// Pass the wake-up on so other waiters see what is left.
			if len(q.ready) > 0 {
				q.signal()
			}

			q.mu.Unlock()

			return &Delivery{Payload: item.payload, Attempt: item.attempts + 1}, nil
		}

		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		case <-q.wake:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.inflight, d.Payload.ID)
	q.mu.Unlock()

	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, d *Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, d.Payload.ID)

	if q.closed {
		return ErrClosed
	}

	item := memoryItem{payload: d.Payload, attempts: d.Attempt}

	if delay <= 0 {
		q.push(item)

		return nil
	}

	var timer *time.Timer

	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		delete(q.timers, timer)

		if !q.closed {
			q.push(item)
		}
	})

	q.timers[timer] = struct{}{}

	return nil
}

func (q *MemoryQueue) Bury(_ context.Context, d *Delivery, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, d.Payload.ID)

	q.failed[d.Payload.ID] = FailedEntry{
		Payload:  d.Payload,
		Attempts: d.Attempt,
		Error:    cause,
		FailedAt: time.Now().UTC(),
	}

	return nil
}

func (q *MemoryQueue) Failed(_ context.Context) ([]FailedEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]FailedEntry, 0, len(q.failed))
	for _, e := range q.failed {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].FailedAt.Before(entries[j].FailedAt) })

	return entries, nil
}

// Len returns the number of payloads ready for delivery.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ready)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true

	for timer := range q.timers {
		timer.Stop()
	}

	close(q.done)

	return nil
}

// push must be called with mu held.
func (q *MemoryQueue) push(item memoryItem) {
	q.ready = append(q.ready, item)
	q.signal()
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

package queue

import (
	"context"
	"time"

	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
)

// InstrumentedQueue wraps a Queue with telemetry.
type InstrumentedQueue struct {
	queue     Queue
	telemetry *telemetry.Telemetry
}

func NewInstrumentedQueue(q Queue, tel *telemetry.Telemetry) *InstrumentedQueue {
	return &InstrumentedQueue{queue: q, telemetry: tel}
}

var _ Queue = (*InstrumentedQueue)(nil)

func (q *InstrumentedQueue) Enqueue(ctx context.Context, p Payload) error {
	return q.telemetry.InstrumentQueueOperation(ctx, "enqueue", func(ctx context.Context) error {
		return q.queue.Enqueue(ctx, p)
	})
}

// Dequeue is not traced: it spends most of its life blocked waiting for work.
func (q *InstrumentedQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	d, err := q.queue.Dequeue(ctx)
	if err == nil {
		q.telemetry.RecordQueueOperation("dequeue", "success")
	}

	return d, err
}

func (q *InstrumentedQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.telemetry.InstrumentQueueOperation(ctx, "ack", func(ctx context.Context) error {
		return q.queue.Ack(ctx, d)
	})
}

func (q *InstrumentedQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	return q.telemetry.InstrumentQueueOperation(ctx, "retry", func(ctx context.Context) error {
		return q.queue.Retry(ctx, d, delay)
	})
}

func (q *InstrumentedQueue) Bury(ctx context.Context, d *Delivery, cause string) error {
	return q.telemetry.InstrumentQueueOperation(ctx, "bury", func(ctx context.Context) error {
		return q.queue.Bury(ctx, d, cause)
	})
}

func (q *InstrumentedQueue) Failed(ctx context.Context) ([]FailedEntry, error) {
	return q.queue.Failed(ctx)
}

func (q *InstrumentedQueue) Close() error {
	return q.queue.Close()
}

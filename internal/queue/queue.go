// Package queue is the durable work list feeding the acquisition workers.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Payload is the unit of work: which job to run and for which sharecode.
type Payload struct {
	ID        string `json:"id"`
	Sharecode string `json:"sharecode"`
}

// Delivery is a dequeued payload. Attempt is 1 on the first delivery.
type Delivery struct {
	Payload Payload
	Attempt int
}

// FailedEntry is a payload that exhausted its attempts, kept for inspection.
type FailedEntry struct {
	Payload  Payload   `json:"payload"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// Queue delivers payloads at least once. A dequeued delivery must be settled with
// exactly one of Ack, Retry or Bury.
type Queue interface {
	Enqueue(ctx context.Context, p Payload) error
	// Dequeue blocks until a payload is ready, ctx is done or the queue is closed.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry makes the payload available again after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// Bury moves the payload to the failed set.
	Bury(ctx context.Context, d *Delivery, cause string) error
	Failed(ctx context.Context) ([]FailedEntry, error)
	Close() error
}

// Policy decides whether a failed delivery runs again. Backoff doubles after
// every failed attempt.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 2 * time.Second}
}

// Next returns the delay before the attempt following a failed one, or false
// when the attempt budget is spent.
func (p Policy) Next(failedAttempt int) (time.Duration, bool) {
	if failedAttempt >= p.MaxAttempts {
		return 0, false
	}

	if failedAttempt < 1 {
		failedAttempt = 1
	}

	return p.Backoff << (failedAttempt - 1), true
}

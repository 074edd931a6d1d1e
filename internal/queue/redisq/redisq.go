// Package redisq implements queue.Queue on Redis lists, sorted sets and hashes.
//
// Every process serving a queue is a consumer with its own active list and a
// heartbeat key. Entries are only taken back from consumers whose heartbeat
// expired, so live instances never see their jobs handed to someone else.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/queue"
)

const (
	KeyWait      = "wait"      // LIST. Ready job ids, pushed left, popped right.
	KeyActive    = "active"    // LIST per consumer. Job ids handed to its workers and not yet settled.
	KeyHeartbeat = "heartbeat" // STRING per consumer, expiring after the lease TTL.
	KeyConsumers = "consumers" // SET. Consumers that may own an active list.
	KeyDelayed   = "delayed"   // ZSET. Job ids waiting for a retry, scored by due time in ms.
	KeyJobs      = "jobs"      // HASH. job id: JSON entry with payload and attempts so far.
	KeyFailed    = "failed"    // HASH. job id: JSON queue.FailedEntry.

	KeySeparator = ":"

	DefaultLeaseTTL = 30 * time.Second

	defaultPollInterval = time.Second
	promoteBatch        = 100
	closeTimeout        = 5 * time.Second
)

// promoteScript moves due entries from the delayed set to the wait list atomically.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

type entry struct {
	Payload  queue.Payload `json:"payload"`
	Attempts int           `json:"attempts"`
}

type Queue struct {
	cl           *redis.Client
	name         string
	consumer     string
	leaseTTL     time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// New returns a queue stored under keys prefixed with name, consumed as
// consumer. consumer must be unique among the live processes sharing name.
// The client stays owned by the caller.
func New(cl *redis.Client, name, consumer string) *Queue {
	return &Queue{
		cl:           cl,
		name:         name,
		consumer:     consumer,
		leaseTTL:     DefaultLeaseTTL,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) Enqueue(ctx context.Context, p queue.Payload) error {
	raw, err := json.Marshal(entry{Payload: p})
	if err != nil {
		return fmt.Errorf("cannot encode payload: %w", err)
	}

	_, err = q.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(KeyJobs), p.ID, raw)
		pipe.LPush(ctx, q.key(KeyWait), p.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot enqueue job %s: %w", p.ID, err)
	}

	return nil
}

func (q *Queue) Dequeue(ctx context.Context) (*queue.Delivery, error) {
	for {
		if err := q.promote(ctx); err != nil {
			return nil, err
		}

		id, err := q.cl.BLMove(ctx, q.key(KeyWait), q.activeKey(q.consumer), "RIGHT", "LEFT", q.pollInterval).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if errors.Is(err, redis.Nil) {
				continue
			}

			if errors.Is(err, redis.ErrClosed) {
				return nil, queue.ErrClosed
			}

			return nil, fmt.Errorf("cannot dequeue: %w", err)
		}

		raw, err := q.cl.HGet(ctx, q.key(KeyJobs), id).Result()
		if errors.Is(err, redis.Nil) {
			logctx.LoggerFromContext(ctx).Warn("dropping queue entry without payload", "job_id", id)
			q.cl.LRem(ctx, q.activeKey(q.consumer), 1, id)

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("cannot load job %s: %w", id, err)
		}

		var e entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("cannot decode job %s: %w", id, err)
		}

		return &queue.Delivery{Payload: e.Payload, Attempt: e.Attempts + 1}, nil
	}
}

func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	_, err := q.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(q.consumer), 1, d.Payload.ID)
		pipe.HDel(ctx, q.key(KeyJobs), d.Payload.ID)

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot ack job %s: %w", d.Payload.ID, err)
	}

	return nil
}

func (q *Queue) Retry(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	raw, err := json.Marshal(entry{Payload: d.Payload, Attempts: d.Attempt})
	if err != nil {
		return fmt.Errorf("cannot encode payload: %w", err)
	}

	due := q.now().Add(delay).UnixMilli()

	_, err = q.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(KeyJobs), d.Payload.ID, raw)
		pipe.LRem(ctx, q.activeKey(q.consumer), 1, d.Payload.ID)
		pipe.ZAdd(ctx, q.key(KeyDelayed), redis.Z{Score: float64(due), Member: d.Payload.ID})

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot schedule retry of job %s: %w", d.Payload.ID, err)
	}

	return nil
}

func (q *Queue) Bury(ctx context.Context, d *queue.Delivery, cause string) error {
	raw, err := json.Marshal(queue.FailedEntry{
		Payload:  d.Payload,
		Attempts: d.Attempt,
		Error:    cause,
		FailedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("cannot encode failed entry: %w", err)
	}

	_, err = q.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.activeKey(q.consumer), 1, d.Payload.ID)
		pipe.HDel(ctx, q.key(KeyJobs), d.Payload.ID)
		pipe.HSet(ctx, q.key(KeyFailed), d.Payload.ID, raw)

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot bury job %s: %w", d.Payload.ID, err)
	}

	return nil
}

func (q *Queue) Failed(ctx context.Context) ([]queue.FailedEntry, error) {
	all, err := q.cl.HGetAll(ctx, q.key(KeyFailed)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get failed jobs: %w", err)
	}

	entries := make([]queue.FailedEntry, 0, len(all))

	for id, raw := range all {
		var e queue.FailedEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			logctx.LoggerFromContext(ctx).Error("cannot decode failed entry", "job_id", id, "err", err)

			continue
		}

		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].FailedAt.Before(entries[j].FailedAt) })

	return entries, nil
}

// Register announces this consumer and starts its lease. It must run before the
// first Dequeue; KeepAlive renews the lease afterwards.
func (q *Queue) Register(ctx context.Context) error {
	_, err := q.cl.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.key(KeyConsumers), q.consumer)
		pipe.Set(ctx, q.heartbeatKey(q.consumer), q.now().UTC().Format(time.RFC3339), q.leaseTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("cannot register consumer %s: %w", q.consumer, err)
	}

	return nil
}

// KeepAlive renews the lease of this consumer and recovers the entries of
// expired consumers until ctx is done.
func (q *Queue) KeepAlive(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx).With("consumer", q.consumer)

	ticker := time.NewTicker(q.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Register(ctx); err != nil {
				logger.Error("failed to renew queue lease", "err", err)

				continue
			}

			moved, err := q.Recover(ctx)
			if err != nil {
				logger.Error("failed to recover queue entries", "err", err)

				continue
			}

			if moved > 0 {
				logger.Info("requeued jobs of an expired consumer", "count", moved)
			}
		}
	}
}

// Recover puts the entries of consumers whose lease expired back on the wait
// list and forgets those consumers. Entries of live consumers are left alone.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	consumers, err := q.cl.SMembers(ctx, q.key(KeyConsumers)).Result()
	if err != nil {
		return 0, fmt.Errorf("cannot list consumers: %w", err)
	}

	var moved int

	for _, c := range consumers {
		if c == q.consumer {
			continue
		}

		alive, err := q.cl.Exists(ctx, q.heartbeatKey(c)).Result()
		if err != nil {
			return moved, fmt.Errorf("cannot check consumer %s: %w", c, err)
		}

		if alive > 0 {
			continue
		}

		n, err := q.drain(ctx, c)
		moved += n

		if err != nil {
			return moved, err
		}

		if err := q.cl.SRem(ctx, q.key(KeyConsumers), c).Err(); err != nil {
			return moved, fmt.Errorf("cannot forget consumer %s: %w", c, err)
		}
	}

	return moved, nil
}

// drain moves every entry of consumer's active list to the wait list. LMOVE is
// atomic per entry, so concurrent recoveries never move an entry twice.
func (q *Queue) drain(ctx context.Context, consumer string) (int, error) {
	var moved int

	for {
		_, err := q.cl.LMove(ctx, q.activeKey(consumer), q.key(KeyWait), "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}

		if err != nil {
			return moved, fmt.Errorf("cannot recover jobs of consumer %s: %w", consumer, err)
		}

		moved++
	}
}

// Close ends the lease of this consumer so other instances can recover whatever
// it left unsettled. The Redis client belongs to the caller.
func (q *Queue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := q.cl.Del(ctx, q.heartbeatKey(q.consumer)).Err(); err != nil {
		return fmt.Errorf("cannot end lease of consumer %s: %w", q.consumer, err)
	}

	return nil
}

func (q *Queue) promote(ctx context.Context) error {
	now := q.now().UnixMilli()

	err := promoteScript.Run(ctx, q.cl, []string{q.key(KeyDelayed), q.key(KeyWait)}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return fmt.Errorf("cannot promote delayed jobs: %w", err)
	}

	return nil
}

func (q *Queue) key(k string) string {
	return strings.Join([]string{q.name, k}, KeySeparator)
}

func (q *Queue) activeKey(consumer string) string {
	return strings.Join([]string{q.name, KeyActive, consumer}, KeySeparator)
}

func (q *Queue) heartbeatKey(consumer string) string {
	return strings.Join([]string{q.name, KeyHeartbeat, consumer}, KeySeparator)
}

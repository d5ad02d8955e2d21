package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// popDueScript atomically claims up to ARGV[2] members scored at or below ARGV[1].
var popDueScript = redis.NewScript(`
	local ids = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
	if #ids > 0 then
		redis.call("zrem", KEYS[1], unpack(ids))
	end
	return ids
`)

// DispatchQueue is a delay queue of event ids kept in a sorted set scored by
// due time in unix milliseconds. Each event id is a single member, so
// scheduling it again moves the job instead of adding a second one.
type DispatchQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

type QueueOption func(*DispatchQueue)

// WithQueueClock overrides the time source used to compute due scores.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *DispatchQueue) { q.now = now }
}

func NewDispatchQueue(client *redis.Client, key string, opts ...QueueOption) *DispatchQueue {
	q := &DispatchQueue{client: client, key: key, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Schedule makes the job for id due after delay. Negative delays mean now.
func (q *DispatchQueue) Schedule(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(due), Member: id.String()}).Err(); err != nil {
		return fmt.Errorf("schedule event %s: %w", id, err)
	}
	return nil
}

// PopDue removes and returns up to limit jobs that are due.
func (q *DispatchQueue) PopDue(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 1
	}
	cutoff := strconv.FormatInt(q.now().UnixMilli(), 10)
	members, err := popDueScript.Run(ctx, q.client, []string{q.key}, cutoff, limit).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pop due jobs: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			// not ours; already removed from the set
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DueAt reports when id is scheduled, or false when it is not queued.
func (q *DispatchQueue) DueAt(ctx context.Context, id uuid.UUID) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.key, id.String()).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("lookup job %s: %w", id, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (q *DispatchQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

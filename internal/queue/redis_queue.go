package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/delivery-pipeline/internal/model"
)

const (
	defaultKeyPrefix         = "delivery"
	defaultVisibilityTimeout = 60 * time.Second
)

type RedisConfig struct {
	KeyPrefix         string
	VisibilityTimeout time.Duration
	// MaxDeliveries moves a task to the dead list once it has been
	// delivered this many times without an ack. Zero means no limit.
	MaxDeliveries int
}

// RedisQueue is a reliable list queue:
//
//	<prefix>:pending     LPUSH by producers, consumed from the right
//	<prefix>:processing  entries reserved by a consumer
//	<prefix>:leases      zset of processing entries scored by lease deadline
//	<prefix>:dead        poison messages
type RedisQueue struct {
	rdb *redis.Client
	cfg RedisConfig
	now func() time.Time

	pendingKey    string
	processingKey string
	leasesKey     string
	deadKey       string
}

func NewRedisQueue(rdb *redis.Client, cfg RedisConfig) *RedisQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = defaultVisibilityTimeout
	}
	return &RedisQueue{
		rdb:           rdb,
		cfg:           cfg,
		now:           func() time.Time { return time.Now().UTC() },
		pendingKey:    cfg.KeyPrefix + ":pending",
		processingKey: cfg.KeyPrefix + ":processing",
		leasesKey:     cfg.KeyPrefix + ":leases",
		deadKey:       cfg.KeyPrefix + ":dead",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task model.DeliveryTask) error {
	payload, err := task.Encode()
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	b, err := json.Marshal(envelope{
		ID:         uuid.NewString(),
		EnqueuedAt: q.now(),
		Task:       payload,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := q.rdb.LPush(ctx, q.pendingKey, b).Err(); err != nil {
		return fmt.Errorf("enqueue record %d: %w", task.RecordID, err)
	}
	return nil
}

// Reserve blocks up to block for a task and leases it for the visibility
// timeout. It returns ErrEmpty when nothing arrived.
func (q *RedisQueue) Reserve(ctx context.Context, block time.Duration) (*Delivery, error) {
	raw, err := q.rdb.BLMove(ctx, q.pendingKey, q.processingKey, "RIGHT", "LEFT", block).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}

	deadline := q.now().Add(q.cfg.VisibilityTimeout)
	if err := q.rdb.ZAdd(ctx, q.leasesKey, redis.Z{Score: leaseScore(deadline), Member: raw}).Err(); err != nil {
		// The entry stays in processing without a lease; RequeueExpired adopts it.
		return nil, fmt.Errorf("lease: %w", err)
	}

	return decodeDelivery(raw), nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return ErrNilDelivery
	}

	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, d.raw)
	pipe.ZRem(ctx, q.leasesKey, d.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	return nil
}

// settleScript moves a reserved entry out of processing and pushes its
// replacement only when the LREM actually removed it. Two settlers racing
// on one entry therefore produce at most one push.
var settleScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if removed > 0 then
	redis.call('LPUSH', KEYS[3], ARGV[2])
end
return removed
`)

// Nack makes the task visible again, or dead-letters it once MaxDeliveries
// is reached.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery) error {
	_, err := q.nack(ctx, d)
	return err
}

func (q *RedisQueue) nack(ctx context.Context, d *Delivery) (bool, error) {
	if d == nil {
		return false, ErrNilDelivery
	}
	if q.cfg.MaxDeliveries > 0 && d.Attempt >= q.cfg.MaxDeliveries {
		return q.deadLetter(ctx, d, fmt.Sprintf("max deliveries (%d) reached", q.cfg.MaxDeliveries))
	}

	next, err := d.redelivered()
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", d.ID, err)
	}

	moved, err := q.settle(ctx, d.raw, q.pendingKey, next)
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", d.ID, err)
	}
	return moved, nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	_, err := q.deadLetter(ctx, d, reason)
	return err
}

func (q *RedisQueue) deadLetter(ctx context.Context, d *Delivery, reason string) (bool, error) {
	if d == nil {
		return false, ErrNilDelivery
	}

	b, err := json.Marshal(deadLetter{Envelope: d.raw, Reason: reason, DeadAt: q.now()})
	if err != nil {
		return false, fmt.Errorf("dead-letter %s: %w", d.ID, err)
	}

	moved, err := q.settle(ctx, d.raw, q.deadKey, b)
	if err != nil {
		return false, fmt.Errorf("dead-letter %s: %w", d.ID, err)
	}
	return moved, nil
}

// settle reports whether raw was still in processing. When it was not, the
// entry was already acked or requeued and nothing is pushed.
func (q *RedisQueue) settle(ctx context.Context, raw, dest string, value any) (bool, error) {
	removed, err := settleScript.Run(ctx, q.rdb, []string{q.processingKey, q.leasesKey, dest}, raw, value).Int()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// RequeueExpired redelivers entries whose lease ran out before an ack. This
// is the queue's own visibility mechanism for consumers that crashed or hung.
// Entries found in processing without a lease are given one so that they
// expire on a later call.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	if err := q.adoptOrphans(ctx, now); err != nil {
		return 0, err
	}

	expired, err := q.rdb.ZRangeByScore(ctx, q.leasesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(int64(leaseScore(now)), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	requeued := 0
	for _, raw := range expired {
		moved, err := q.nack(ctx, decodeDelivery(raw))
		if err != nil {
			return requeued, err
		}
		if moved {
			requeued++
		}
	}
	return requeued, nil
}

func (q *RedisQueue) adoptOrphans(ctx context.Context, now time.Time) error {
	inFlight, err := q.rdb.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list processing: %w", err)
	}
	for _, raw := range inFlight {
		err := q.rdb.ZScore(ctx, q.leasesKey, raw).Err()
		if err == nil {
			continue
		}
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read lease: %w", err)
		}
		deadline := now.Add(q.cfg.VisibilityTimeout)
		if err := q.rdb.ZAddNX(ctx, q.leasesKey, redis.Z{Score: leaseScore(deadline), Member: raw}).Err(); err != nil {
			return fmt.Errorf("adopt orphan: %w", err)
		}
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey)
	inFlight := pipe.LLen(ctx, q.processingKey)
	dead := pipe.LLen(ctx, q.deadKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:  pending.Val(),
		InFlight: inFlight.Val(),
		Dead:     dead.Val(),
	}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func leaseScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

package candidates

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/linker/pkg/metrics"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// ErrQueueClosed is returned by Take once a queue has been closed and drained.
var ErrQueueClosed = errors.New("candidate queue closed")

// Queue hands leased candidates from discovery to the linking workers. Take blocks until a
// candidate is available or ctx is done.
type Queue interface {
	Put(ctx context.Context, keys ...models.EntityDataKey) error
	Take(ctx context.Context) (models.EntityDataKey, error)
	Len(ctx context.Context) (int, error)
}

// ChannelQueue is an in-process Queue backed by a buffered channel. Put blocks when the buffer
// is full, which throttles discovery to the speed of the workers.
type ChannelQueue struct {
	ch chan models.EntityDataKey
}

// NewChannelQueue creates a new ChannelQueue
func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChannelQueue{ch: make(chan models.EntityDataKey, capacity)}
}

// Put enqueues keys in order.
func (q *ChannelQueue) Put(ctx context.Context, keys ...models.EntityDataKey) error {
	for _, k := range keys {
		select {
		case q.ch <- k:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	metrics.QueueDepth.Set(float64(len(q.ch)))
	return nil
}

// Take dequeues the oldest key.
func (q *ChannelQueue) Take(ctx context.Context) (models.EntityDataKey, error) {
	select {
	case k, ok := <-q.ch:
		if !ok {
			return models.EntityDataKey{}, ErrQueueClosed
		}
		metrics.QueueDepth.Set(float64(len(q.ch)))
		return k, nil
	case <-ctx.Done():
		return models.EntityDataKey{}, ctx.Err()
	}
}

// Len returns the number of buffered keys.
func (q *ChannelQueue) Len(_ context.Context) (int, error) {
	return len(q.ch), nil
}

// Close stops the queue. Buffered keys can still be taken.
func (q *ChannelQueue) Close() {
	close(q.ch)
}

// RedisQueue shares one candidate list between linker instances. Keys are pushed on the left
// and popped from the right so the list is FIFO.
type RedisQueue struct {
	rdb         redis.UniversalClient
	key         string
	pollTimeout time.Duration
	logger      ectologger.Logger
}

// NewRedisQueue creates a new RedisQueue
func NewRedisQueue(rdb redis.UniversalClient, key string, logger ectologger.Logger) *RedisQueue {
	if key == "" {
		key = "linker:candidates"
	}
	return &RedisQueue{
		rdb:         rdb,
		key:         key,
		pollTimeout: 5 * time.Second,
		logger:      logger,
	}
}

// Put enqueues keys.
func (q *RedisQueue) Put(ctx context.Context, keys ...models.EntityDataKey) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "candidates.RedisQueue.Put")
	defer span.End()

	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = k.String()
	}
	depth, err := q.rdb.LPush(ctx, q.key, values...).Result()
	if err != nil {
		q.logger.WithContext(ctx).WithError(err).WithField("count", len(keys)).Error("Failed to enqueue candidates")
		return err
	}
	metrics.QueueDepth.Set(float64(depth))
	return nil
}

// Take blocks on BRPOP in pollTimeout slices so that ctx cancellation is noticed.
func (q *RedisQueue) Take(ctx context.Context) (models.EntityDataKey, error) {
	for {
		if err := ctx.Err(); err != nil {
			return models.EntityDataKey{}, err
		}
		result, err := q.rdb.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return models.EntityDataKey{}, ctx.Err()
			}
			return models.EntityDataKey{}, err
		}
		// result is [list, value]
		key, err := models.ParseEntityDataKey(result[1])
		if err != nil {
			q.logger.WithContext(ctx).WithError(err).WithField("value", result[1]).Warn("Dropping malformed candidate")
			continue
		}
		return key, nil
	}
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	return int(n), err
}

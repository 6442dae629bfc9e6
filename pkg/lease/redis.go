package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/linker/pkg/tracing"
)

// acquireScript stores the expiration (unix ms) as the value. The physical TTL is twice the lease
// so an expired lease stays observable as "refreshed" rather than silently vanishing.
// Returns 1 when created, 2 when an expired lease was refreshed and 0 when the lease is live.
var acquireScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])
	local current = redis.call("get", KEYS[1])
	if not current then
		redis.call("set", KEYS[1], now + ttl, "px", ttl * 2)
		return 1
	end
	if now >= tonumber(current) then
		redis.call("set", KEYS[1], now + ttl, "px", ttl * 2)
		return 2
	end
	return 0
`)

// RedisManager shares leases between linker instances through Redis.
type RedisManager struct {
	rdb       redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       Clock
	logger    ectologger.Logger
}

// NewRedisManager creates a new RedisManager
func NewRedisManager(rdb redis.UniversalClient, keyPrefix string, ttl time.Duration, logger ectologger.Logger) *RedisManager {
	if keyPrefix == "" {
		keyPrefix = "linker:lease:"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisManager{
		rdb:       rdb,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
}

// Acquire admits key when no lease exists or the existing one has expired.
func (m *RedisManager) Acquire(ctx context.Context, key string) (Admission, error) {
	ctx, span := tracing.StartSpan(ctx, "lease.RedisManager.Acquire")
	defer span.End()

	result, err := acquireScript.Run(ctx, m.rdb, []string{m.keyPrefix + key},
		m.now().UnixMilli(), m.ttl.Milliseconds()).Int64()
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("lease_key", key).Error("Failed to acquire lease")
		return Held, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}

	var admission Admission
	switch result {
	case 1:
		admission = Acquired
	case 2:
		admission = Refreshed
		m.logger.WithContext(ctx).WithField("lease_key", key).Info("Refreshed expired lease")
	default:
		admission = Held
	}
	recordAdmission(admission)
	return admission, nil
}

// Release deletes the lease for key.
func (m *RedisManager) Release(ctx context.Context, key string) error {
	ctx, span := tracing.StartSpan(ctx, "lease.RedisManager.Release")
	defer span.End()

	if err := m.rdb.Del(ctx, m.keyPrefix+key).Err(); err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("lease_key", key).Error("Failed to release lease")
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

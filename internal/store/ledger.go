package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/internal/metrics"
)

// stuckSlotTTLSeconds reclaims counters left behind by a process that died
// mid-relay. Well-behaved requests always release explicitly; the TTL is a
// guard, not a deadline.
const stuckSlotTTLSeconds = 600

// acquireScript atomically increments the per-source counter and rolls back
// when the new value exceeds the limit. Try-then-rollback avoids the TOCTOU
// window of a read-then-increment check. A limit of zero denies without
// touching the counter.
var acquireScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
if limit <= 0 then
    local v = redis.call('GET', KEYS[1])
    if not v then v = 0 end
    return {0, tonumber(v)}
end
local current = redis.call('INCR', KEYS[1])
if current == 1 then
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
end
if current > limit then
    redis.call('DECR', KEYS[1])
    return {0, current - 1}
end
return {1, current}
`)

// releaseScript decrements the counter and clamps negative values to zero.
var releaseScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
    redis.call('SET', KEYS[1], 0)
    v = 0
end
return v
`)

// TryAcquire attempts to claim one in-flight slot for the source.
func (s *Store) TryAcquire(ctx context.Context, sourceID string, limit int) (AcquireResult, error) {
	key := concurrencyPrefix + sourceID
	res, err := acquireScript.Run(ctx, s.rdb, []string{key}, limit, stuckSlotTTLSeconds).Result()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("acquire slot for %s: %w", sourceID, err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return AcquireResult{}, fmt.Errorf("acquire slot for %s: unexpected script result %T", sourceID, res)
	}

	allowed := toInt64(vals[0]) == 1
	current := toInt64(vals[1])
	if allowed {
		metrics.InFlight.WithLabelValues(sourceID).Set(float64(current))
	}
	return AcquireResult{Allowed: allowed, Current: current}, nil
}

// Release returns one in-flight slot. Failures are logged, never propagated:
// the stuck-slot TTL will eventually reclaim a missed decrement.
func (s *Store) Release(ctx context.Context, sourceID string) {
	key := concurrencyPrefix + sourceID
	res, err := releaseScript.Run(ctx, s.rdb, []string{key}).Result()
	if err != nil {
		s.logger.Warn("concurrency release failed", "source", sourceID, "error", err)
		return
	}
	metrics.InFlight.WithLabelValues(sourceID).Set(float64(toInt64(res)))
}

// InFlight reads the current counter without mutating it.
func (s *Store) InFlight(ctx context.Context, sourceID string) (int64, error) {
	v, err := s.rdb.Get(ctx, concurrencyPrefix+sourceID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read slot count for %s: %w", sourceID, err)
	}
	return v, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

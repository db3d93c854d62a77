package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterScript bumps the window counter and stamps the expiry on first
// touch, in one round trip. Atomicity matters because every gateway
// replica shares the same counters.
var counterScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return hits
`)

const allowTimeout = 2 * time.Second

// FixedWindowLimiter throttles grant and callback traffic per client key.
// Counters live in Redis so the quota holds across gateway replicas. A
// Redis outage counts as over quota; an unreachable counter must not turn
// the limiter off.
type FixedWindowLimiter struct {
	limit    int
	window   time.Duration
	keyspace string
	client   *redis.Client
}

// NewRedisFixedWindowLimiter dials Redis and returns a limiter allowing
// limit requests per key per window.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("ratelimit: limit and window must be positive")
	}
	if addr = strings.TrimSpace(addr); addr == "" {
		return nil, errors.New("ratelimit: redis addr is required")
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		prefix = "pulsegate:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:    limit,
		window:   window,
		keyspace: prefix,
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}, nil
}

// Allow reports whether the key still has quota in the current window.
func (l *FixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}

	windowMillis := l.window.Milliseconds()
	slot := time.Now().UnixMilli() / windowMillis
	counter := fmt.Sprintf("%s:%d:%s", l.keyspace, slot, key)

	ctx, cancel := context.WithTimeout(context.Background(), allowTimeout)
	defer cancel()
	hits, err := counterScript.Run(ctx, l.client, []string{counter}, windowMillis).Int64()
	if err != nil {
		return false
	}
	return hits <= int64(l.limit)
}

// Package ratelimit throttles sends per user.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

const luaRateLimit = `
local current = redis.call("incr", KEYS[1])
if current == 1 then
  redis.call("expire", KEYS[1], ARGV[1])
end
return current
`

// Redis is a fixed-window counter shared by every process using the same
// Redis.
type Redis struct {
	rdb    redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

func NewRedis(rdb redis.Cmdable, prefix string, limit int, window time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

func (r *Redis) Allow(ctx context.Context, userID string) (bool, error) {
	key := r.prefix + "rate:" + userID
	secs := int(r.window.Seconds())
	if secs < 1 {
		secs = 1
	}
	count, err := r.rdb.Eval(ctx, luaRateLimit, []string{key}, secs).Int()
	if err != nil {
		return false, err
	}
	return count <= r.limit, nil
}

// Local is a per-process token bucket per user.
type Local struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func NewLocal(perSecond float64, burst int) *Local {
	return &Local{limit: rate.Limit(perSecond), burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *Local) Allow(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow(), nil
}

// Chain allows a call only when every limiter allows it.
type Chain []Limiter

func (c Chain) Allow(ctx context.Context, userID string) (bool, error) {
	for _, l := range c {
		ok, err := l.Allow(ctx, userID)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

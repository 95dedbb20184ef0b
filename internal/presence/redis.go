package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps a fast online set and last-seen stamps in Redis for
// readers that should not hit the document store.
type RedisMirror struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisMirror(rdb redis.Cmdable, prefix string) *RedisMirror {
	return &RedisMirror{rdb: rdb, prefix: prefix}
}

func (r *RedisMirror) onlineKey() string { return r.prefix + "online_users" }

func (r *RedisMirror) lastSeenKey(userID string) string { return r.prefix + "last_seen:" + userID }

func (r *RedisMirror) MarkOnline(ctx context.Context, userID string) error {
	if err := r.rdb.SAdd(ctx, r.onlineKey(), userID).Err(); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	return nil
}

func (r *RedisMirror) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.onlineKey(), userID)
		p.Set(ctx, r.lastSeenKey(userID), at.UnixMilli(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	return nil
}

func (r *RedisMirror) Online(ctx context.Context) ([]string, error) {
	return r.rdb.SMembers(ctx, r.onlineKey()).Result()
}

func (r *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	return r.rdb.SIsMember(ctx, r.onlineKey(), userID).Result()
}

func (r *RedisMirror) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	val, err := r.rdb.Get(ctx, r.lastSeenKey(userID)).Result()
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

package pow

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ActivityPrefix is the key prefix for per-identity activity counters.
	ActivityPrefix = "pow_activity:"

	// ActivityWindow is the sliding window over which recent activity is
	// counted when scaling adaptive difficulty.
	ActivityWindow = time.Minute
)

// ActivityTracker counts recent actions per identity using the INCR + EXPIRE
// windowed counter pattern. The count feeds adaptive challenge difficulty.
type ActivityTracker struct {
	rdb    *redis.Client
	window time.Duration
}

// NewActivityTracker creates a tracker with the default window.
func NewActivityTracker(rdb *redis.Client) *ActivityTracker {
	return &ActivityTracker{rdb: rdb, window: ActivityWindow}
}

// Record bumps the identity's activity counter. The first increment in a
// window sets the expiry that bounds it.
func (t *ActivityTracker) Record(ctx context.Context, ghostID string) error {
	key := ActivityPrefix + ghostID

	count, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pow: activity incr: %w", err)
	}
	if count == 1 {
		if err := t.rdb.Expire(ctx, key, t.window).Err(); err != nil {
			// Without an expiry the counter would pin the identity at high
			// difficulty forever. Best effort: drop it.
			t.rdb.Del(ctx, key)
			return fmt.Errorf("pow: activity expire: %w", err)
		}
	}
	return nil
}

// Recent returns the identity's action count in the current window. A missing
// counter reads as zero.
func (t *ActivityTracker) Recent(ctx context.Context, ghostID string) (int, error) {
	count, err := t.rdb.Get(ctx, ActivityPrefix+ghostID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("pow: activity read: %w", err)
	}
	return count, nil
}

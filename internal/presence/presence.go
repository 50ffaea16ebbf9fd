// Package presence implements the per-identity session refcounter backed by Redis.
package presence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const onlineSetKey = "chat:online_users"

func counterKey(identity string) string {
	return "chat:online_count:" + identity
}

// Counter tracks, per identity, how many live sessions exist across the fleet, and reports whether an Increment or
// Decrement call crossed the 0↔1 boundary (invariants P1, P2). A nil *redis.Client degrades Counter to single-node
// mode, where every call reports a transition edge unconditionally: with no broker to arbitrate a
// fleet-wide count, every local bind and unbind is itself treated as the edge.
type Counter struct {
	rdb *redis.Client
}

// NewCounter creates a presence Counter. Pass a nil rdb to run in single-node mode.
func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb}
}

// Increment records a new session for identity and reports whether this was the transition from offline to online.
func (c *Counter) Increment(ctx context.Context, identity string) (transitionedOnline bool, err error) {
	if c.rdb == nil {
		return true, nil
	}

	key := counterKey(identity)
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("increment presence counter for %s: %w", identity, err)
	}

	if incr.Val() != 1 {
		return false, nil
	}

	if err := c.rdb.SAdd(ctx, onlineSetKey, identity).Err(); err != nil {
		return false, fmt.Errorf("add %s to online set: %w", identity, err)
	}
	return true, nil
}

// Decrement removes a session for identity and reports whether this was the transition from online to offline. If
// the post-decrement value is at or below zero, the counter key and online-set membership are both removed in one
// transaction issued right after the decrement; between the two round trips an observer can briefly see counter=0
// with the identity still in the online set.
func (c *Counter) Decrement(ctx context.Context, identity string) (transitionedOffline bool, err error) {
	if c.rdb == nil {
		return true, nil
	}

	key := counterKey(identity)
	pipe := c.rdb.TxPipeline()
	decr := pipe.Decr(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("decrement presence counter for %s: %w", identity, err)
	}

	if decr.Val() > 0 {
		return false, nil
	}

	cleanup := c.rdb.TxPipeline()
	cleanup.Del(ctx, key)
	cleanup.SRem(ctx, onlineSetKey, identity)
	if _, err := cleanup.Exec(ctx); err != nil {
		return false, fmt.Errorf("clear presence for %s: %w", identity, err)
	}
	return true, nil
}

// OnlineIdentities returns the current fleet-wide online set. In single-node mode it returns nil; callers should
// fall back to the local registry's identities in that case.
func (c *Counter) OnlineIdentities(ctx context.Context) ([]string, error) {
	if c.rdb == nil {
		return nil, nil
	}
	members, err := c.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list online users: %w", err)
	}
	return members, nil
}

// Configured reports whether this Counter is backed by Redis (multi-node mode).
func (c *Counter) Configured() bool {
	return c.rdb != nil
}


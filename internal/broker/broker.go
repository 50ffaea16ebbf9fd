// Package broker wraps the Redis/Valkey connection used for cross-node pub/sub fan-out.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Channel names the hub publishes and subscribes on.
const (
	ChannelMessages = "chat:messages"
	ChannelPresence = "chat:presence"
)

// ErrUnavailable is returned by Connect when every connection attempt has failed.
var ErrUnavailable = errors.New("broker unavailable")

// Broker publishes to and subscribes on the gateway's two pub/sub channels. A nil *redis.Client (as produced by a
// failed, non-required Connect) leaves every Broker method safe to call: Publish returns ErrUnavailable, Run blocks
// until ctx is done, Close returns nil. The hub can therefore hold a *Broker unconditionally and simply check
// Configured() where behavior differs.
type Broker struct {
	rdb *redis.Client
	log zerolog.Logger
}

// Connect parses rawURL (accepting both redis:// and valkey:// schemes, since Valkey is a Redis-protocol-compatible
// fork), then attempts to connect and ping up to attempts times with a fixed delay between tries. If every attempt
// fails and required is true, Connect returns ErrUnavailable; otherwise it returns a Broker with a nil client,
// meaning the hub runs in single-node mode.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration, attempts int, delay time.Duration, required bool, log zerolog.Logger) (*Broker, error) {
	if rawURL == "" {
		if required {
			return nil, fmt.Errorf("%w: no broker URL configured but broker is required", ErrUnavailable)
		}
		log.Info().Msg("No broker URL configured, running in single-node mode")
		return &Broker{log: log}, nil
	}

	opts, err := parseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client := redis.NewClient(opts)
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			lastErr = pingErr
			_ = client.Close()
			log.Warn().Err(pingErr).Int("attempt", attempt).Int("max_attempts", attempts).Msg("Broker connection attempt failed")
			if attempt < attempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(delay):
				}
			}
			continue
		}
		log.Info().Msg("Broker connected")
		return &Broker{rdb: client, log: log}, nil
	}

	if required {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
	}
	log.Warn().Err(lastErr).Msg("Broker unreachable after retries, falling back to single-node mode")
	return &Broker{log: log}, nil
}

// parseURL rewrites a valkey:// scheme to redis:// (case-insensitive) before delegating to redis.ParseURL, which
// only understands the latter.
func parseURL(rawURL string) (*redis.Options, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}
	return redis.ParseURL(parsed.String())
}

// Configured reports whether this Broker is backed by a live Redis connection.
func (b *Broker) Configured() bool {
	return b.rdb != nil
}

// Client exposes the underlying Redis client for components (presence.Counter) that need direct key access. Returns
// nil when the broker is unconfigured.
func (b *Broker) Client() *redis.Client {
	return b.rdb
}

// Publish serialises no data itself; it publishes a pre-encoded payload to channel. Publishing with no broker
// configured is a no-op error so callers can fall back to local delivery.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.rdb == nil {
		return fmt.Errorf("%w: no broker configured", ErrUnavailable)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Run subscribes to both gateway channels and invokes handle for every message received until ctx is cancelled or
// the subscription's channel closes. It returns ctx.Err() when ctx is cancelled, nil when the subscription's channel
// closes, and a wrapped error if subscribing fails, so callers can decide whether to retry. With no broker configured
// Run does nothing but block until ctx is done, then returns ctx.Err().
func (b *Broker) Run(ctx context.Context, handle func(channel string, payload []byte)) error {
	if b.rdb == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	sub := b.rdb.Subscribe(ctx, ChannelMessages, ChannelPresence)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	b.log.Info().Msg("Broker subscriber listening")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close releases the underlying Redis connection, if any.
func (b *Broker) Close() error {
	if b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// Package rediscache keeps dispatcher replies in Redis so every replica of a
// service answers a redelivered request from the same cache.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/next-trace/blossom/servicebus"
)

const (
	defaultPrefix = "blossom:reply:"
	defaultTTL    = 5 * time.Minute

	// DefaultLease is how long a claim survives a worker that dies before
	// storing its reply.
	DefaultLease = 30 * time.Second

	pendingMarker = "\x00pending"
	pollInterval  = 50 * time.Millisecond
)

// releaseScript deletes a claim only while it is still the pending marker, so
// a stored reply is never dropped.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config describes the Redis connection used by NewWithRedis.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	Lease    time.Duration
	Logger   *zap.Logger
}

// Cache is a servicebus.ReplyCache backed by Redis keys with a TTL.
type Cache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	lease  time.Duration
	poll   time.Duration
}

var _ servicebus.ReplyCache = (*Cache)(nil)

// New wraps an existing client. Empty prefix and zero ttl take the defaults.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}

	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Cache{client: client, prefix: prefix, ttl: ttl, lease: DefaultLease, poll: pollInterval}
}

// WithLease returns c with a different claim lease. Non-positive values keep
// the current one.
func (c *Cache) WithLease(lease time.Duration) *Cache {
	if lease > 0 {
		c.lease = lease
	}

	return c
}

// NewWithRedis dials Redis, checks it answers, and returns a Cache with a
// cleanup that closes the client.
func NewWithRedis(ctx context.Context, cfg Config) (*Cache, func(), error) {
	if cfg.Addr == "" {
		return nil, nil, errors.New("redis addr required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("reply cache connected", zap.String("addr", cfg.Addr))
	}

	cleanup := func() { _ = client.Close() }

	return New(client, cfg.Prefix, cfg.TTL).WithLease(cfg.Lease), cleanup, nil
}

func (c *Cache) key(id string) string { return c.prefix + id }

func (c *Cache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	b, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("reply cache get %s: %w", id, err)
	}

	if string(b) == pendingMarker {
		return nil, false, nil
	}

	return b, true, nil
}

// Claim sets a pending marker with the lease TTL. A replica that finds the
// marker polls until the owner stores its reply, releases the claim, or the
// lease runs out.
func (c *Cache) Claim(ctx context.Context, id string) ([]byte, bool, error) {
	key := c.key(id)

	for {
		ok, err := c.client.SetNX(ctx, key, pendingMarker, c.lease).Result()
		if err != nil {
			return nil, false, fmt.Errorf("reply cache claim %s: %w", id, err)
		}

		if ok {
			return nil, true, nil
		}

		b, err := c.client.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return nil, false, fmt.Errorf("reply cache claim %s: %w", id, err)
		case string(b) != pendingMarker:
			return b, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

func (c *Cache) Put(ctx context.Context, id string, reply []byte) error {
	if err := c.client.Set(ctx, c.key(id), reply, c.ttl).Err(); err != nil {
		return fmt.Errorf("reply cache put %s: %w", id, err)
	}

	return nil
}

func (c *Cache) Release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(id)}, pendingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reply cache release %s: %w", id, err)
	}

	return nil
}

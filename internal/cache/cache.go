// Package cache stores rendered tenant prompts between voice sessions.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a string cache with per-entry expiry.
type Cache interface {
	// Get returns the cached value; ok is false on a miss.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Kind names a cache driver.
type Kind string

const (
	KindNone   Kind = "none"
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
)

// Option configures New.
type Option func(*options)

type options struct {
	ttl      time.Duration
	redisURL string
	client   *redis.Client
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithRedisURL sets the redis connection URL.
func WithRedisURL(url string) Option {
	return func(o *options) { o.redisURL = url }
}

// WithRedisClient uses an existing redis client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.client = client }
}

// New creates the cache named by kind. KindNone (or "") returns nil, nil.
func New(kind Kind, opts ...Option) (Cache, error) {
	o := &options{ttl: defaultTTL}
	for _, opt := range opts {
		opt(o)
	}

	switch kind {
	case KindNone, "":
		return nil, nil
	case KindMemory:
		return NewMemoryCache(o.ttl), nil
	case KindRedis:
		client := o.client
		if client == nil {
			redisOpts, err := redis.ParseURL(o.redisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis url: %w", err)
			}
			client = redis.NewClient(redisOpts)
		}
		return NewRedisCache(client, o.ttl), nil
	default:
		return nil, fmt.Errorf("unsupported cache kind: %s", kind)
	}
}

package cache

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/exploopio/attackmap/pkg/errors"
	"github.com/exploopio/attackmap/pkg/mapping"
)

// RedisOptions configures the Redis cache.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// Prefix namespaces every key (default "attackmap:mapping:").
	Prefix string

	TTL time.Duration
	TLS *tls.Config

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Redis shares cached results between attackmap processes.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(opts RedisOptions) (*Redis, error) {
	const op = "cache.NewRedis"
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "attackmap:mapping:"
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "parse redis url", err)
	}
	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.E(errors.KindNetwork, op, "connect to redis", err)
	}

	return &Redis{client: client, prefix: opts.Prefix, ttl: opts.TTL}, nil
}

// Close closes the Redis connection.
func (c *Redis) Close() error {
	return c.client.Close()
}

// Ping checks the connection.
func (c *Redis) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.E(errors.KindNetwork, "cache.Ping", err)
	}
	return nil
}

func (c *Redis) key(productID string, source mapping.Source) string {
	return c.prefix + Key(productID, source)
}

func (c *Redis) Get(ctx context.Context, productID string, source mapping.Source) (*mapping.NormalizedMapping, bool, error) {
	data, err := c.client.Get(ctx, c.key(productID, source)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.E(errors.KindNetwork, "cache.Redis.Get", err)
	}
	m, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (c *Redis) Put(ctx context.Context, productID string, source mapping.Source, m *mapping.NormalizedMapping) error {
	data, err := encode(m)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(productID, source), data, c.ttl).Err(); err != nil {
		return errors.E(errors.KindNetwork, "cache.Redis.Put", err)
	}
	return nil
}

func (c *Redis) Invalidate(ctx context.Context, productID string, source mapping.Source) error {
	const op = "cache.Redis.Invalidate"
	if source != "" {
		if err := c.client.Del(ctx, c.key(productID, source)).Err(); err != nil {
			return errors.E(errors.KindNetwork, op, err)
		}
		return nil
	}

	match := escapeGlob(c.prefix+productPrefix(productID)) + "*"
	iter := c.client.Scan(ctx, 0, match, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.E(errors.KindNetwork, op, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.E(errors.KindNetwork, op, err)
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}

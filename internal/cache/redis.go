package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the optional distributed tier.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
	TTL       time.Duration
}

// DefaultRedisTTL is the distributed-tier expiry when none is configured.
const DefaultRedisTTL = 14 * 24 * time.Hour

// Redis is the distributed tier. Entries are stored JSON-encoded under a
// namespaced key with a per-key TTL; Redis handles expiry itself.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewRedis connects to the distributed tier and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "relay:cache"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{client: client, namespace: ns, ttl: ttl}, nil
}

// NewRedisWithClient wraps an existing client; used by tests with miniredis.
func NewRedisWithClient(client redis.UniversalClient, namespace string, ttl time.Duration) *Redis {
	if namespace == "" {
		namespace = "relay:cache"
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &Redis{client: client, namespace: namespace, ttl: ttl}
}

func (r *Redis) fullKey(key string) string {
	return r.namespace + ":" + key
}

// Get returns the entry for key, or nil on miss.
func (r *Redis) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := r.client.Get(ctx, r.fullKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt value is unrecoverable; drop it and report a miss.
		_ = r.client.Del(ctx, r.fullKey(key)).Err()
		return nil, nil
	}
	if e.Expired(time.Now()) {
		_ = r.client.Del(ctx, r.fullKey(key)).Err()
		return nil, nil
	}
	e.AccessCount++
	e.LastAccessed = time.Now()
	return &e, nil
}

// Put stores the entry with the tier TTL, capped at the entry's own expiry.
func (r *Redis) Put(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("redis encode: %w", err)
	}
	ttl := r.ttl
	if !e.ExpiresAt.IsZero() {
		if until := time.Until(e.ExpiresAt); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.fullKey(e.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.fullKey(key)).Err()
}

// Clear drops all entries in the namespace via a cursor scan.
func (r *Redis) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.namespace+":*", 200).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

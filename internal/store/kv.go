package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the minimal key/value contract the pipeline needs: durable
// small-trade buckets (SPEC_FULL.md §4.5). The WebSocket ingestor's 429
// deferral is held in memory and is not stored here. Backed by Redis in
// production; a process-local implementation is provided for tests.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	SAdd(ctx context.Context, set, member string) error
	SRem(ctx context.Context, set, member string) error
	SMembers(ctx context.Context, set string) ([]string, error)
}

// KVConfig mirrors the venue's Redis deployment shape.
type KVConfig struct {
	URL        string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// RedisKV implements KV against a real Redis deployment.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV dials Redis using the venue's standard pool/retry/TLS settings.
func NewRedisKV(cfg KVConfig) *RedisKV {
	opts := &redis.Options{
		Addr:       cfg.URL,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &RedisKV{client: redis.NewClient(opts)}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv del %s: %w", key, err)
	}
	return nil
}

func (r *RedisKV) SAdd(ctx context.Context, set, member string) error {
	if err := r.client.SAdd(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("kv sadd %s: %w", set, err)
	}
	return nil
}

func (r *RedisKV) SRem(ctx context.Context, set, member string) error {
	if err := r.client.SRem(ctx, set, member).Err(); err != nil {
		return fmt.Errorf("kv srem %s: %w", set, err)
	}
	return nil
}

func (r *RedisKV) SMembers(ctx context.Context, set string) ([]string, error) {
	members, err := r.client.SMembers(ctx, set).Result()
	if err != nil {
		return nil, fmt.Errorf("kv smembers %s: %w", set, err)
	}
	return members, nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

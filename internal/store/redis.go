package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"offline-submission-queue/internal/config"
)

// RedisStore keeps the value under one Redis string key.
type RedisStore struct {
	client  *redis.Client
	key     string
	metaKey string
}

// NewRedisStore builds a store client from config.
func NewRedisStore(cfg config.Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	key := cfg.StoreKey
	if key == "" {
		key = "submission_queue"
	}
	return NewRedisStoreWithClient(client, key)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	return &RedisStore{
		client:  client,
		key:     key,
		metaKey: key + ":meta",
	}
}

// Client exposes the underlying connection so other components (rate limiting)
// can share it.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func (r *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return data, nil
}

// Save writes the value and its bookkeeping hash in one MULTI/EXEC.
func (r *RedisStore) Save(ctx context.Context, data []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key, data, 0)
	pipe.HSet(ctx, r.metaKey, "updated_at", time.Now().UTC().Format(time.RFC3339Nano), "bytes", len(data))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key)
	pipe.Del(ctx, r.metaKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "pos:checkout:idem:"

// RedisStore shares idempotency records between service replicas.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and pings it.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, *Record, error) {
	if !ValidKey(key) {
		return false, nil, ErrInvalidKey
	}
	pending, err := json.Marshal(Record{Pending: true})
	if err != nil {
		return false, nil, err
	}

	// A key can expire between SetNX and Get; one more round settles it.
	for i := 0; i < 2; i++ {
		ok, err := r.client.SetNX(ctx, keyPrefix+key, pending, ttl).Result()
		if err != nil {
			return false, nil, fmt.Errorf("failed to reserve key: %w", err)
		}
		if ok {
			return true, nil, nil
		}

		data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, nil, fmt.Errorf("failed to read key: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return false, nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return false, &rec, nil
	}
	return false, &Record{Pending: true}, nil
}

func (r *RedisStore) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}
	rec.Pending = false
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return r.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

func (r *RedisStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, keyPrefix+key).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"sylsas/backend/internal/domain"
)

const keyPrefix = "sylsas:insight:"

// RedisInsightCache keeps advisor answers as JSON under
// sylsas:insight:<summary fingerprint>:<query hash>, expiring after the ttl.
type RedisInsightCache struct {
	client *redis.Client
}

func NewRedisInsightCache(addr string, password string, db int) *RedisInsightCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return NewRedisInsightCacheWithClient(client)
}

func NewRedisInsightCacheWithClient(client *redis.Client) *RedisInsightCache {
	return &RedisInsightCache{client: client}
}

func (c *RedisInsightCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisInsightCache) Close() error {
	return c.client.Close()
}

func (c *RedisInsightCache) Get(ctx context.Context, key string) (*domain.InsightAnswer, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var answer domain.InsightAnswer
	if err := json.Unmarshal([]byte(val), &answer); err != nil {
		return nil, false, err
	}
	return &answer, true, nil
}

func (c *RedisInsightCache) Set(ctx context.Context, key string, value *domain.InsightAnswer, ttl time.Duration) error {
	if !cacheable(value) {
		return nil
	}
	stored := *value
	stored.Cached = false
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, payload, ttl).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

func sentKey(entryID int64) string {
	return fmt.Sprintf("queue:sent:%d", entryID)
}

func (c *RedisCache) StoreSent(ctx context.Context, entryID int64, providerMessageID string, sentAt time.Time) error {
	val := sentValue{
		ProviderMessageID: providerMessageID,
		SentAt:            sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, sentKey(entryID), b, c.ttl).Err()
}

func (c *RedisCache) LookupSent(ctx context.Context, entryID int64) (string, bool, error) {
	b, err := c.rdb.Get(ctx, sentKey(entryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var val sentValue
	if err := json.Unmarshal(b, &val); err != nil {
		return "", false, fmt.Errorf("decode sent value for entry %d: %w", entryID, err)
	}
	if val.ProviderMessageID == "" {
		return "", false, nil
	}
	return val.ProviderMessageID, true, nil
}

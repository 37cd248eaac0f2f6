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

var _ MessageCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type sentValue struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func providerKey(providerMessageID string) string {
	return fmt.Sprintf("provider:%s", providerMessageID)
}

func (c *RedisCache) StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error {
	if providerMessageID == "" {
		return errors.New("provider message id must not be empty")
	}
	val := sentValue{
		MessageID: messageID,
		SentAt:    sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, providerKey(providerMessageID), b, c.ttl).Err()
}

func (c *RedisCache) LookupProvider(ctx context.Context, providerMessageID string) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, providerKey(providerMessageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var v sentValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, fmt.Errorf("decode cached provider %s: %w", providerMessageID, err)
	}
	return v.MessageID, v.MessageID != "", nil
}

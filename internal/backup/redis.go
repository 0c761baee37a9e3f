package backup

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "bookchat:backup:"

// RedisCache relies on key expiry for the TTL and a sorted set of write
// times for the size bound.
type RedisCache struct {
	client *redis.Client
	prefix string
	policy Policy
}

func NewRedisCache(dsn string, policy Policy) (*RedisCache, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return &RedisCache{
		client: redis.NewClient(opts),
		prefix: redisKeyPrefix,
		policy: policy.normalized(),
	}, nil
}

func (c *RedisCache) indexKey() string {
	return c.prefix + "index"
}

func (c *RedisCache) entryKey(messageID string) string {
	return c.prefix + "entry:" + messageID
}

func (c *RedisCache) Get(ctx context.Context, messageID string) (Entry, bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Entry{}, false, ErrInvalidInput
	}
	payload, err := c.client.Get(ctx, c.entryKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (c *RedisCache) Put(ctx context.Context, entry Entry) error {
	entry.MessageID = strings.TrimSpace(entry.MessageID)
	if entry.MessageID == "" || strings.TrimSpace(entry.URL) == "" {
		return ErrInvalidInput
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.policy.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	now := c.policy.Now()
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.entryKey(entry.MessageID), payload, c.policy.TTL)
	pipe.ZAdd(ctx, c.indexKey(), &redis.Z{Score: float64(entry.StoredAt.UnixNano()), Member: entry.MessageID})
	pipe.ZRemRangeByScore(ctx, c.indexKey(), "-inf", "("+formatScore(now.Add(-c.policy.TTL).UnixNano()))
	card := pipe.ZCard(ctx, c.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	overflow := card.Val() - int64(c.policy.MaxEntries)
	if overflow <= 0 {
		return nil
	}
	evicted, err := c.client.ZPopMin(ctx, c.indexKey(), overflow).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(evicted))
	for _, z := range evicted {
		if id, ok := z.Member.(string); ok {
			keys = append(keys, c.entryKey(id))
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisCache) Delete(ctx context.Context, messageID string) error {
	messageID = strings.TrimSpace(messageID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.entryKey(messageID))
	pipe.ZRem(ctx, c.indexKey(), messageID)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Len(ctx context.Context) (int, error) {
	cutoff := c.policy.Now().Add(-c.policy.TTL).UnixNano()
	n, err := c.client.ZCount(ctx, c.indexKey(), formatScore(cutoff), "+inf").Result()
	return int(n), err
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func formatScore(v int64) string {
	return strconv.FormatInt(v, 10)
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"docchat/internal/model"
)

const DefaultConversationTTL = 300 * time.Second

// HistorySource is the durable conversation log behind the cache.
type HistorySource interface {
	ListTurns(ctx context.Context, uploadID string) ([]model.Turn, error)
}

// ConversationCache is a read-through redis list of turns per upload. It is
// never authoritative: any redis failure falls back to the durable store.
type ConversationCache struct {
	client *redisv9.Client
	source HistorySource
	ttl    time.Duration
	logger *slog.Logger
}

func NewConversationCache(client *redisv9.Client, source HistorySource, ttl time.Duration, logger *slog.Logger) *ConversationCache {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationCache{
		client: client,
		source: source,
		ttl:    ttl,
		logger: logger,
	}
}

// History returns the ordered turns of an upload.
func (c *ConversationCache) History(ctx context.Context, uploadID string) ([]model.Turn, error) {
	key := c.key(uploadID)

	cached, err := c.read(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("read conversation cache failed", "upload_id", uploadID, "error", err)
	case cached != nil:
		return cached, nil
	}

	turns, err := c.source.ListTurns(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if len(turns) > 0 {
		if err := c.hydrate(ctx, key, turns); err != nil {
			c.logger.Warn("hydrate conversation cache failed", "upload_id", uploadID, "error", err)
		}
	}
	return turns, nil
}

// Append adds turns to a cached conversation and renews its TTL. A
// conversation that is not cached stays uncached; the next read hydrates it
// from the durable store in full.
func (c *ConversationCache) Append(ctx context.Context, uploadID string, turns ...model.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values, err := encode(turns)
	if err != nil {
		return err
	}

	key := c.key(uploadID)
	pipe := c.client.TxPipeline()
	pipe.RPushX(ctx, key, values...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append conversation failed: %w", err)
	}
	return nil
}

func (c *ConversationCache) Invalidate(ctx context.Context, uploadID string) error {
	if err := c.client.Del(ctx, c.key(uploadID)).Err(); err != nil {
		return fmt.Errorf("redis delete conversation failed: %w", err)
	}
	return nil
}

// read returns nil turns on a cache miss.
func (c *ConversationCache) read(ctx context.Context, key string) ([]model.Turn, error) {
	raw, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return nil, fmt.Errorf("redis lrange conversation failed: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	turns := make([]model.Turn, 0, len(raw))
	for _, item := range raw {
		var t model.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			_ = c.client.Del(ctx, key).Err()
			return nil, fmt.Errorf("unmarshal cached turn failed: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (c *ConversationCache) hydrate(ctx context.Context, key string, turns []model.Turn) error {
	values, err := encode(turns)
	if err != nil {
		return err
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis hydrate conversation failed: %w", err)
	}
	return nil
}

func encode(turns []model.Turn) ([]any, error) {
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		payload, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("marshal turn failed: %w", err)
		}
		values = append(values, payload)
	}
	return values, nil
}

func (c *ConversationCache) key(uploadID string) string {
	return "conversation:" + uploadID
}

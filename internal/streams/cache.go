package streams

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
)

// ErrCacheMiss is returned when there is no usable cached snapshot. Any Redis
// failure is reported as a miss: the cache is never a source of truth and its
// unavailability falls through to the registry.
var ErrCacheMiss = errors.New("cache miss")

const (
	cacheKeyPrefix = "stream:"
	// keyIndexPrefix maps a stream key to its session ID. Stream keys are
	// immutable, so index entries never go stale; they are only removed on
	// delete.
	keyIndexPrefix = "streamkey:"
)

// Cache is a read-through snapshot cache for stream sessions in Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache creates a session cache with the given snapshot TTL.
func NewCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached snapshot for a session, or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+id.String()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache get failed", zap.Error(err), zap.String("stream_id", id.String()))
		}
		return nil, ErrCacheMiss
	}
	var s models.StreamSession
	if err := json.Unmarshal(raw, &s); err != nil {
		c.logger.Warn("cache entry corrupt", zap.Error(err), zap.String("stream_id", id.String()))
		return nil, ErrCacheMiss
	}
	return &s, nil
}

// Set stores a session snapshot and its stream-key index entry.
func (c *Cache) Set(ctx context.Context, s *models.StreamSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+s.ID.String(), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", zap.Error(err), zap.String("stream_id", s.ID.String()))
		return nil // non-fatal
	}
	if s.StreamKey != "" {
		_ = c.client.Set(ctx, keyIndexPrefix+s.StreamKey, s.ID.String(), c.ttl).Err()
	}
	return nil
}

// LookupKey resolves a stream key to a session ID via the index, or
// ErrCacheMiss.
func (c *Cache) LookupKey(ctx context.Context, streamKey string) (uuid.UUID, error) {
	raw, err := c.client.Get(ctx, keyIndexPrefix+streamKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache key lookup failed", zap.Error(err))
		}
		return uuid.Nil, ErrCacheMiss
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ErrCacheMiss
	}
	return id, nil
}

// Invalidate removes the snapshot for a session immediately. Callers must
// invoke this before acknowledging any registry write.
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID) error {
	if err := c.client.Del(ctx, cacheKeyPrefix+id.String()).Err(); err != nil {
		c.logger.Error("cache invalidate failed", zap.Error(err), zap.String("stream_id", id.String()))
		return err
	}
	return nil
}

// DropKeyIndex removes the stream-key index entry (on session delete).
func (c *Cache) DropKeyIndex(ctx context.Context, streamKey string) {
	if streamKey == "" {
		return
	}
	if err := c.client.Del(ctx, keyIndexPrefix+streamKey).Err(); err != nil {
		c.logger.Warn("cache key index delete failed", zap.Error(err))
	}
}

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/classify"
	"github.com/modelmux/modelmux/internal/metrics"
)

const keyPrefix = "modelmux:cache:"

// Entry is one cached response.
type Entry struct {
	Response  string    `json:"response"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// taskTTLs reflects answer volatility: conversational output goes
// stale quickly, reference-style output keeps its value.
var taskTTLs = map[string]time.Duration{
	classify.TaskGeneral:      1 * time.Hour,
	classify.TaskCoding:       24 * time.Hour,
	classify.TaskAnalytical:   24 * time.Hour,
	classify.TaskDevops:       12 * time.Hour,
	classify.TaskArchitecture: 48 * time.Hour,
	classify.TaskResearch:     168 * time.Hour,
}

const defaultTTL = 1 * time.Hour

// TTLFor returns the cache lifetime for a task type.
func TTLFor(taskType string) time.Duration {
	if ttl, ok := taskTTLs[taskType]; ok {
		return ttl
	}
	return defaultTTL
}

// ResponseCache stores prior responses in Redis keyed by prompt hash
// and task type. Expiry is delegated to Redis, so stale entries are
// purged without a sweeper.
type ResponseCache struct {
	client *redis.Client
	logger *zap.Logger
}

// New wires the cache to an existing Redis client.
func New(client *redis.Client, logger *zap.Logger) *ResponseCache {
	return &ResponseCache{client: client, logger: logger}
}

// Key derives the cache key from prompt text and task type.
func Key(prompt, taskType string) string {
	sum := sha256.Sum256([]byte(prompt))
	return keyPrefix + hex.EncodeToString(sum[:]) + ":" + taskType
}

// Get returns the cached entry for a prompt, if fresh.
func (c *ResponseCache) Get(ctx context.Context, prompt, taskType string) (*Entry, bool) {
	data, err := c.client.Get(ctx, Key(prompt, taskType)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("Cache read failed", zap.Error(err))
		}
		metrics.CacheMisses.Inc()
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn("Cache entry corrupt, dropping", zap.Error(err))
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return &e, true
}

// Put stores an entry with the task type's TTL. Writing the same key
// twice simply extends freshness.
func (c *ResponseCache) Put(ctx context.Context, prompt, taskType string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, Key(prompt, taskType), data, TTLFor(taskType)).Err(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

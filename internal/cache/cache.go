// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cache is an optional Redis-backed result cache for the
// analytics queries. Absent or unreachable Redis degrades to a miss on
// every lookup; the sensor never depends on it.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"grimm.is/netinsight/internal/logging"
)

// Cache wraps a Redis client. A nil *Cache is valid and always misses.
type Cache struct {
	client *redis.Client
	logger *logging.Logger
}

// New connects to Redis at addr. Empty addr or a failed ping returns
// nil; callers treat that as "no cache".
func New(addr string, db int, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.WithComponent("cache")
	}
	if addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unavailable, analytics cache disabled", "addr", addr)
		client.Close()
		return nil
	}

	logger.Info("Analytics cache connected", "addr", addr, "db", db)
	return &Cache{client: client, logger: logger}
}

// Get unmarshals a cached value into dest. Returns false on miss or
// any Redis error.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.client.Del(ctx, key)
		return false
	}
	return true
}

// Set stores a value with TTL. Errors are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("Cache set failed", "key", key)
	}
}

// Invalidate removes keys matching the pattern.
func (c *Cache) Invalidate(ctx context.Context, pattern string) {
	if c == nil {
		return
	}
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
}

// Close releases the client.
func (c *Cache) Close() {
	if c != nil {
		c.client.Close()
	}
}

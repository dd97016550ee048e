// Package cache is a read-through cache for the display polling views.
// A nil *Cache or one without a client loads straight from the source.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"qms/hospital-queue/internal/metrics"
	"qms/hospital-queue/internal/store"
)

const keyPrefix = "hq:"

type Cache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.With("component", "cache")}
}

// Connect parses a redis:// URL and verifies connectivity.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func CurrentKey(counterID int64, date string) string {
	return fmt.Sprintf("%scurrent:%d:%s", keyPrefix, counterID, date)
}

func WaitingKey(counterID int64, date string) string {
	return fmt.Sprintf("%swaiting:%d:%s", keyPrefix, counterID, date)
}

func StatisticsKey(roomID, counterID int64, from, to string) string {
	return fmt.Sprintf("%sstats:%d:%d:%s:%s", keyPrefix, roomID, counterID, from, to)
}

// Fetch returns the cached JSON value at key or calls load and stores its
// result. Redis failures fall back to load; they never fail the read.
func Fetch[T any](ctx context.Context, c *Cache, view, key string, load func(context.Context) (T, error)) (T, error) {
	if c == nil || c.client == nil {
		return load(ctx)
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var value T
		if jsonErr := json.Unmarshal(raw, &value); jsonErr == nil {
			metrics.CacheLookups.WithLabelValues(view, "hit").Inc()
			return value, nil
		}
		metrics.CacheLookups.WithLabelValues(view, "error").Inc()
	case errors.Is(err, redis.Nil):
		metrics.CacheLookups.WithLabelValues(view, "miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues(view, "error").Inc()
		c.logger.Warn("cache read failed", "key", key, "error", err)
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	if encoded, err := json.Marshal(value); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.Warn("cache write failed", "key", key, "error", err)
		}
	}
	return value, nil
}

// Publish drops the views an outbox event made stale. It lets the cache sit
// behind the announcement relay as one more sink.
func (c *Cache) Publish(ctx context.Context, event store.OutboxEvent) error {
	if c == nil || c.client == nil {
		return nil
	}
	ticket, _, err := store.DecodeEventTicket(event)
	if err != nil {
		return err
	}
	return c.client.Del(ctx,
		CurrentKey(event.CounterID, ticket.QueueDate),
		WaitingKey(event.CounterID, ticket.QueueDate),
	).Err()
}

func (c *Cache) Name() string { return "cache" }

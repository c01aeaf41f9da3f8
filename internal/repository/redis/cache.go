// Package redis provides Redis pub/sub for fanning job and alert events out
// to every control plane replica.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/domain"
)

// Channels used for real-time updates.
const (
	ChannelJobs   = "events:job"
	ChannelAlerts = "events:alert"
)

// Cache wraps a Redis client for pub/sub operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewCache creates a new Redis connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return NewFromClient(client, logger), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client, logger *zap.Logger) *Cache {
	return &Cache{
		client: client,
		logger: logger.With(zap.String("component", "redis")),
		now:    time.Now,
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event represents a real-time event.
type Event struct {
	Type       string          `json:"type"` // "job.running", "job.succeeded", "alert.created", ...
	ResourceID string          `json:"resource_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel, eventType, resourceID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	payload, err := json.Marshal(Event{
		Type:       eventType,
		ResourceID: resourceID,
		Data:       raw,
		Timestamp:  c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to channels and returns a message channel. The
// subscription is confirmed before Subscribe returns; the channel closes
// when ctx is done.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) (<-chan Event, error) {
	pubsub := c.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
	}

	events := make(chan Event, 100)
	msgs := pubsub.Channel()

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event",
						zap.String("channel", msg.Channel),
						zap.Error(err),
					)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

// PublishJob publishes an async job status change.
func (c *Cache) PublishJob(ctx context.Context, eventType string, job *domain.AsyncJob) error {
	return c.Publish(ctx, ChannelJobs, eventType, job.ID, job)
}

// PublishAlert publishes an alert change.
func (c *Cache) PublishAlert(ctx context.Context, eventType string, alert *domain.Alert) error {
	return c.Publish(ctx, ChannelAlerts, eventType, alert.ID, alert)
}

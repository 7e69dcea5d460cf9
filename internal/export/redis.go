package export

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection for the publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix prefixes the snapshot key and the channel name.
	KeyPrefix string
	// TTL expires the snapshot key. Zero keeps it forever.
	TTL time.Duration
}

// RedisPublisher stores the latest export under a key and announces it on a
// pub/sub channel.
type RedisPublisher struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedisPublisherWithClient(client, cfg), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "topology"
	}
	return &RedisPublisher{client: client, cfg: cfg}
}

// SnapshotKey returns the key holding the latest export of a coordinator.
func (p *RedisPublisher) SnapshotKey(coordinatorID string) string {
	return fmt.Sprintf("%s:snapshot:%s", p.cfg.KeyPrefix, coordinatorID)
}

// Channel returns the channel exports are announced on.
func (p *RedisPublisher) Channel() string {
	return p.cfg.KeyPrefix + ":exports"
}

// Publish writes the payload and notifies subscribers in one pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, coordinatorID string, payload []byte) error {
	pipe := p.client.TxPipeline()
	pipe.Set(ctx, p.SnapshotKey(coordinatorID), payload, p.cfg.TTL)
	pipe.Publish(ctx, p.Channel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	return nil
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

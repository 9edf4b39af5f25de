package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/koios/artframe/internal/config"
	"github.com/koios/artframe/pkg/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the Redis client used to keep the last art id and to announce
// finished cycles
type Client struct {
	client *redis.Client
	config config.RedisConfig
	logger *zap.Logger
}

// NewClient creates a new Redis client and verifies the connection
func NewClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     4,
		PoolTimeout:  10 * time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.String("key", cfg.Key),
		zap.String("channel", cfg.Channel))

	return &Client{
		client: rdb,
		config: cfg,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Load returns the last uploaded content id, or "" if none is stored
func (c *Client) Load(ctx context.Context) (string, error) {
	id, err := c.client.Get(ctx, c.config.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", c.config.Key, err)
	}
	return strings.TrimSpace(id), nil
}

// Save stores the last uploaded content id
func (c *Client) Save(ctx context.Context, id string) error {
	if err := c.client.Set(ctx, c.config.Key, id, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", c.config.Key, err)
	}
	return nil
}

// PublishCycleResult publishes a cycle summary to the events channel
func (c *Client) PublishCycleResult(ctx context.Context, result *models.CycleResult) error {
	if c.config.Channel == "" {
		return nil
	}

	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle result: %w", err)
	}

	if err := c.client.Publish(ctx, c.config.Channel, body).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis channel %s: %w", c.config.Channel, err)
	}

	c.logger.Debug("Published cycle result",
		zap.String("channel", c.config.Channel),
		zap.String("upload", string(result.Upload)),
		zap.Int("errors", len(result.Errors)))

	return nil
}

// IsHealthy checks if Redis connection is healthy
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}

package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"reservation-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/sync_availability.lua
var syncAvailabilityScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrCacheMiss is returned when no availability is cached for a SKU.
var ErrCacheMiss = errors.New("availability not cached")

const availabilityTTL = 24 * time.Hour

type Client struct {
	rdb               *redis.Client
	syncScript        *redis.Script
	releaseLockScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an already configured go-redis client.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:               rdb,
		syncScript:        redis.NewScript(syncAvailabilityScript),
		releaseLockScript: redis.NewScript(releaseLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func availabilityKey(skuID int64) string {
	return fmt.Sprintf("inventory:%d", skuID)
}

// SyncAvailability writes the SKU counters to the cache. Writes carrying a
// version not newer than the cached one are dropped, so out-of-order syncs
// from concurrent requests cannot roll the cache back.
func (c *Client) SyncAvailability(ctx context.Context, sku models.Sku) (bool, error) {
	result, err := c.syncScript.Run(ctx, c.rdb, []string{availabilityKey(sku.ID)},
		sku.StockQuantity, sku.ReservedQuantity, sku.Version, int(availabilityTTL.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("sync availability script failed: %w", err)
	}

	applied, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return applied == 1, nil
}

// GetAvailability retrieves the cached counters for a SKU
func (c *Client) GetAvailability(ctx context.Context, skuID int64) (*models.Availability, error) {
	result, err := c.rdb.HGetAll(ctx, availabilityKey(skuID)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrCacheMiss
	}

	stock, err := strconv.Atoi(result["stock"])
	if err != nil {
		return nil, fmt.Errorf("corrupt stock for sku %d: %w", skuID, err)
	}
	reserved, err := strconv.Atoi(result["reserved"])
	if err != nil {
		return nil, fmt.Errorf("corrupt reserved for sku %d: %w", skuID, err)
	}
	version, err := strconv.ParseInt(result["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt version for sku %d: %w", skuID, err)
	}

	return &models.Availability{
		SkuID:     skuID,
		Stock:     stock,
		Reserved:  reserved,
		Available: stock - reserved,
		Version:   version,
		Cached:    true,
	}, nil
}

// AcquireLock acquires a distributed lock owned by token
func (c *Client) AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	err := c.releaseLockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/warpstation/internal/pkg/config"
)

// limiterDatabase keeps rate limiter keys apart from janitor state in DB 0.
const limiterDatabase = 1

var client *redis.Client

// NewClient creates a client for the Redis compatible cache server. A failed
// ping is only logged; callers fall back when the server shows up later.
func NewClient(ctx context.Context, cfg config.Cache) *redis.Client {
	c := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if pong, err := c.Ping(pingCtx).Result(); err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", c.Options().Addr, err)
	} else {
		log.Infof("[Cache] Connected to cache: %s", pong)
	}
	return c
}

// SetupCache initializes the shared client returned by GetClient
func SetupCache(ctx context.Context, cfg config.Cache) *redis.Client {
	client = NewClient(ctx, cfg)
	return client
}

// SetClient replaces the shared client, mainly for tests
func SetClient(c *redis.Client) {
	client = c
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		panic("cache not initialized, call SetupCache first")
	}
	return client
}

// NewLimiterStorage returns fiber storage for the API rate limiter on the same server.
func NewLimiterStorage(cfg config.Cache) fiber.Storage {
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

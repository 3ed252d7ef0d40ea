package store

import (
	"context"
	"fmt"
	"time"

	"uptime/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCoordinator shares probe leases and rule cooldowns across replicas.
// Params: go-redis client and key namespace.
// Returns: coordinator backed by SET NX PX keys.
type RedisCoordinator struct {
	client *redis.Client
	prefix string
}

// NewRedisCoordinator connects to Redis and verifies reachability.
// Params: context for ping and redis settings.
// Returns: coordinator or connection error.
func NewRedisCoordinator(ctx context.Context, settings config.RedisConfig) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     settings.Addr,
		Password: settings.Password,
		DB:       settings.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %q: %w", settings.Addr, err)
	}
	return &RedisCoordinator{client: client, prefix: settings.KeyPrefix}, nil
}

// Acquire takes a lease on key for ttl.
// Params: context, lease key, and lease time-to-live.
// Returns: release callback, whether lease was taken, and Redis error.
func (c *RedisCoordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := c.prefix + "lease:" + key
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLeaseScript.Run(releaseCtx, c.client, []string{fullKey}, token).Err()
	}
	return release, true, nil
}

// Allow reports whether key is outside its cooldown and starts a new cooldown when it is.
// Params: context, cooldown key, cooldown length, and evaluation time (unused; Redis TTL is authoritative).
// Returns: true when caller may fire.
func (c *RedisCoordinator) Allow(ctx context.Context, key string, cooldown time.Duration, _ time.Time) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, c.prefix+"cooldown:"+key, "1", cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown %q: %w", key, err)
	}
	return ok, nil
}

// Ping checks Redis reachability for readiness.
func (c *RedisCoordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes Redis client.
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

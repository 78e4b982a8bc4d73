package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const tokenNamespace = "stkpay:mpesa"

// TokenCache keeps gateway access tokens in Redis so every instance reuses
// the same token until it expires.
type TokenCache struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewTokenCache(client redis.UniversalClient, logger *zap.Logger) *TokenCache {
	return &TokenCache{client: client, logger: logger}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*TokenCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Password:        password,
		DB:              db,
		PoolSize:        10,
		MinIdleConns:    2,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", addr))

	return NewTokenCache(client, logger), nil
}

func (c *TokenCache) key(k string) string {
	return tokenNamespace + ":" + k
}

func (c *TokenCache) GetToken(ctx context.Context, key string) (string, time.Time, bool, error) {
	k := c.key(key)

	pipe := c.client.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, err
	}

	token, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}

	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return "", time.Time{}, false, nil
	}

	return token, time.Now().Add(ttl), true, nil
}

func (c *TokenCache) SetToken(ctx context.Context, key, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.key(key), token, ttl).Err()
}

func (c *TokenCache) Close() error {
	return c.client.Close()
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/supportbot/frontdesk-go/internal/config"
)

// pingTimeout 启动时连接检测的超时
const pingTimeout = 5 * time.Second

// NewRedisClient 创建 Redis 客户端并检测连接
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败 (%s:%d): %w", cfg.Host, cfg.Port, err)
	}

	return client, nil
}

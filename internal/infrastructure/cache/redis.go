package cache

import (
	"context"
	"fmt"
	"time"

	"charaforge/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// InitRedis 初始化 Redis 客户端（分布式锁、限流窗口）
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		zap.L().Fatal("连接 Redis 失败", zap.Error(err))
	}

	zap.L().Info("Redis 连接成功", zap.String("addr", client.Options().Addr))
	return client
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sendcore/backend/internal/config"
	"sendcore/backend/internal/storage"
)

// Client 基于 Redis 的状态存储
//
// 每个 actor 的状态快照保存为一个字符串键：<prefix>:state:<key>，不设置过期时间。
type Client struct {
	rdb    goredis.UniversalClient
	prefix string
	log    *zap.Logger
}

// New 创建新的 Redis 客户端并测试连接
func New(cfg *config.RedisConfig, log *zap.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client := NewWithClient(rdb, cfg.KeyPrefix, log)
	client.log.Info("connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
	)
	return client, nil
}

// NewWithClient 使用已有的 Redis 连接创建存储（测试时可注入 mock 连接）
func NewWithClient(rdb goredis.UniversalClient, prefix string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = "sendcore"
	}
	return &Client{rdb: rdb, prefix: prefix, log: log}
}

// LoadState 读取状态快照
func (c *Client) LoadState(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, c.stateKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return data, nil
}

// SaveState 写入状态快照
func (c *Client) SaveState(ctx context.Context, key string, data []byte) error {
	if err := c.rdb.Set(ctx, c.stateKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// DeleteState 删除状态快照
func (c *Client) DeleteState(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.stateKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Health 测试 Redis 连接
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}

func (c *Client) stateKey(key string) string {
	return c.prefix + ":state:" + key
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"sendcore/backend/internal/config"
	"sendcore/backend/internal/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS actor_states (
	state_key  VARCHAR(128) PRIMARY KEY,
	data       BYTEA        NOT NULL,
	updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
)`

// Client 封装 PostgreSQL 连接池的状态存储
type Client struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New 创建新的 PostgreSQL 客户端并初始化表结构
func New(cfg *config.DatabaseConfig, log *zap.Logger) (*Client, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// 测试连接
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info("connected to PostgreSQL",
		zap.Int("max_conns", cfg.MaxOpenConns),
		zap.Int("min_conns", cfg.MaxIdleConns),
	)

	return &Client{pool: pool, log: log}, nil
}

// LoadState 读取状态快照
func (c *Client) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := c.pool.QueryRow(ctx, `SELECT data FROM actor_states WHERE state_key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	return data, nil
}

// SaveState 写入状态快照（upsert）
func (c *Client) SaveState(ctx context.Context, key string, data []byte) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO actor_states (state_key, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (state_key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		key, data,
	)
	if err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	return nil
}

// DeleteState 删除状态快照
func (c *Client) DeleteState(ctx context.Context, key string) error {
	if _, err := c.pool.Exec(ctx, `DELETE FROM actor_states WHERE state_key = $1`, key); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

// Health 测试数据库连接
func (c *Client) Health(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// Close 关闭数据库连接池
func (c *Client) Close() error {
	c.pool.Close()
	c.log.Info("PostgreSQL connection closed")
	return nil
}

// Stats 返回连接池统计信息
func (c *Client) Stats() *pgxpool.Stat {
	return c.pool.Stat()
}

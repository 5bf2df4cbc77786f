// Package factory 按配置创建状态存储，并支持在存储之间复制快照。
package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sendcore/backend/internal/config"
	"sendcore/backend/internal/storage"
	"sendcore/backend/internal/storage/filesystem"
	"sendcore/backend/internal/storage/memory"
	"sendcore/backend/internal/storage/postgres"
	"sendcore/backend/internal/storage/redis"
	sqlstore "sendcore/backend/internal/storage/sql"
	"sendcore/backend/internal/storage/sqlite"
)

// 未配置路径时的默认位置
const (
	DefaultFilePath   = "./data/state"
	DefaultSQLitePath = "./data/sendcore.db"
)

// Open 按 storage.driver 创建状态存储
//
// 支持 memory | file | redis | mysql | postgres | pgx | sqlite。
func Open(cfg *config.Config, log *zap.Logger) (storage.StateStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	driver := cfg.Storage.Driver
	log.Info("initializing state store", zap.String("driver", driver))

	switch driver {
	case "", "memory":
		log.Warn("using in-memory state store, state is lost on restart")
		return memory.NewStore(), nil

	case "file":
		path := cfg.Storage.Path
		if path == "" {
			path = DefaultFilePath
		}
		return filesystem.NewStore(path)

	case "redis":
		return redis.New(&cfg.Redis, log)

	case "mysql", "postgres":
		return sqlstore.NewStore(
			driver,
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			cfg.Database.ConnMaxLifetime,
		)

	case "pgx":
		return postgres.New(&cfg.Database, log)

	case "sqlite":
		path := cfg.Storage.Path
		if path == "" {
			path = DefaultSQLitePath
		}
		return sqlite.Open(path)

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// CopyResult 单个 key 的复制结果
type CopyResult struct {
	Key     string `json:"key"`
	Bytes   int    `json:"bytes"`
	Skipped bool   `json:"skipped"` // 源存储中不存在
}

// Copy 把 keys 对应的快照从 src 复制到 dst
//
// 源中不存在的 key 跳过；内容不是合法 JSON 时中止，避免把损坏的快照带到新存储。
// dryRun 时只读取和校验，不写入。
func Copy(ctx context.Context, src, dst storage.StateStore, keys []string, dryRun bool) ([]CopyResult, error) {
	results := make([]CopyResult, 0, len(keys))
	for _, key := range keys {
		data, err := src.LoadState(ctx, key)
		if errors.Is(err, storage.ErrStateNotFound) {
			results = append(results, CopyResult{Key: key, Skipped: true})
			continue
		}
		if err != nil {
			return results, fmt.Errorf("load %q: %w", key, err)
		}
		if !json.Valid(data) {
			return results, fmt.Errorf("snapshot %q is not valid JSON", key)
		}

		if !dryRun {
			if err := dst.SaveState(ctx, key, data); err != nil {
				return results, fmt.Errorf("save %q: %w", key, err)
			}
		}
		results = append(results, CopyResult{Key: key, Bytes: len(data)})
	}
	return results, nil
}

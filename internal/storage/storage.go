package storage

import (
	"context"
	"errors"
)

var (
	// ErrStateNotFound 状态快照不存在（首次启动时属于正常情况）
	ErrStateNotFound = errors.New("state not found")
	// ErrStorage 持久化读写失败
	ErrStorage = errors.New("storage failure")
)

// StateStore 定义 actor 状态快照的持久化操作。
//
// 每个 actor 实例对应一个 key，整块读出、整块写回。
type StateStore interface {
	LoadState(ctx context.Context, key string) ([]byte, error)
	SaveState(ctx context.Context, key string, data []byte) error
	DeleteState(ctx context.Context, key string) error

	// 工具方法
	Health(ctx context.Context) error
	Close() error
}

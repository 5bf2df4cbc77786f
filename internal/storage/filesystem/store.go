package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sendcore/backend/internal/storage"
)

// Store 文件系统状态存储
//
// 每个 key 对应 basePath 下的一个 JSON 文件，写入时先写临时文件再原子重命名，
// 保证进程崩溃时不会留下半截快照。
type Store struct {
	basePath string
	mu       sync.Mutex
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	base, err := resolveBase(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{basePath: base}, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// LoadState 读取状态快照
func (s *Store) LoadState(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to read state %q: %w", key, err)
	}
	return data, nil
}

// SaveState 原子写入状态快照
func (s *Store) SaveState(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.pathFor(key)
	tmp, err := os.CreateTemp(s.basePath, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state %q: %w", key, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to commit state %q: %w", key, err)
	}
	return nil
}

// DeleteState 删除状态快照
func (s *Store) DeleteState(_ context.Context, key string) error {
	err := os.Remove(s.pathFor(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete state %q: %w", key, err)
	}
	return nil
}

// Health 检查根目录可写
func (s *Store) Health(context.Context) error {
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("state directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state path is not a directory: %s", s.basePath)
	}
	return nil
}

// Close 关闭存储
func (s *Store) Close() error { return nil }

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.basePath, stateFilename(key))
}

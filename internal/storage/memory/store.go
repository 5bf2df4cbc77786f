package memory

import (
	"context"
	"sync"

	"sendcore/backend/internal/storage"
)

// Store 内存状态存储（开发与测试环境使用，进程退出后丢失）
type Store struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{states: make(map[string][]byte)}
}

// LoadState 读取状态快照
func (s *Store) LoadState(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.states[key]
	if !ok {
		return nil, storage.ErrStateNotFound
	}
	return append([]byte(nil), data...), nil
}

// SaveState 写入状态快照
func (s *Store) SaveState(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[key] = append([]byte(nil), data...)
	return nil
}

// DeleteState 删除状态快照
func (s *Store) DeleteState(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, key)
	return nil
}

// Keys 返回当前保存的全部 key
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	return keys
}

// Health 内存存储始终健康
func (s *Store) Health(context.Context) error { return nil }

// Close 关闭存储
func (s *Store) Close() error { return nil }

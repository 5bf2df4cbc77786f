package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"sendcore/backend/internal/storage"
)

// State 一个 actor 独占的持久化状态
//
// 首次访问时从 StateStore 懒加载，之后常驻内存；每次变更后由调用方执行 Flush
// 整块写回。State 不加锁，调用方必须在 actor 的互斥锁内使用它。
type State[T any] struct {
	store  storage.StateStore
	key    string
	init   func() *T
	value  *T
	loaded bool
	dirty  bool
}

// NewState 创建持久化状态，init 用于首次启动（存储中没有快照）时构造初始值
func NewState[T any](store storage.StateStore, key string, init func() *T) *State[T] {
	return &State[T]{store: store, key: key, init: init}
}

// Key 返回状态在存储中的 key
func (s *State[T]) Key() string {
	return s.key
}

// Get 返回内存中的状态，必要时先从存储加载
func (s *State[T]) Get(ctx context.Context) (*T, error) {
	if s.loaded {
		return s.value, nil
	}

	data, err := s.store.LoadState(ctx, s.key)
	switch {
	case errors.Is(err, storage.ErrStateNotFound):
		s.value = s.init()
	case err != nil:
		return nil, fmt.Errorf("%w: load %s: %v", storage.ErrStorage, s.key, err)
	default:
		value := s.init()
		if err := json.Unmarshal(data, value); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", storage.ErrStorage, s.key, err)
		}
		s.value = value
	}

	s.loaded = true
	return s.value, nil
}

// Flush 把内存状态整块写回存储
//
// 写入失败时状态保持 dirty，下一次 Flush 会重试；内存中的变更不会回滚。
func (s *State[T]) Flush(ctx context.Context) error {
	if !s.loaded {
		return nil
	}
	s.dirty = true

	data, err := json.Marshal(s.value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", storage.ErrStorage, s.key, err)
	}
	if err := s.store.SaveState(ctx, s.key, data); err != nil {
		return fmt.Errorf("%w: save %s: %v", storage.ErrStorage, s.key, err)
	}

	s.dirty = false
	return nil
}

// FlushIfDirty 仅在上一次写入失败时重试
func (s *State[T]) FlushIfDirty(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	return s.Flush(ctx)
}

// Dirty 上一次写入是否失败
func (s *State[T]) Dirty() bool {
	return s.dirty
}

// Replace 替换整个状态（例如 clearAll）
func (s *State[T]) Replace(value *T) {
	s.value = value
	s.loaded = true
}

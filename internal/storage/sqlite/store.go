package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sendcore/backend/internal/storage"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS actor_states (
	state_key  TEXT PRIMARY KEY,
	data       BLOB    NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store 单机 SQLite 状态存储（纯 Go 驱动，无需 cgo）
type Store struct {
	DB *sql.DB
}

// Open 打开或创建 SQLite 数据库
//
// dbPath 为 ":memory:" 时使用内存数据库（仅测试使用）。
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite 单写者；内存库必须固定在一个连接上
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db}, nil
}

// LoadState 读取状态快照
func (s *Store) LoadState(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx, `SELECT data FROM actor_states WHERE state_key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	return data, nil
}

// SaveState 写入状态快照（upsert）
func (s *Store) SaveState(ctx context.Context, key string, data []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO actor_states (state_key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(state_key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	return nil
}

// DeleteState 删除状态快照
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM actor_states WHERE state_key = ?`, key); err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.DB.Close()
}

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"sendcore/backend/internal/storage"
)

// ActorState actor 状态快照表
type ActorState struct {
	Key       string    `gorm:"column:state_key;primaryKey;size:128"`
	Data      []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName 表名
func (ActorState) TableName() string { return "actor_states" }

// Store SQL 数据库状态存储（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 数据库存储并执行迁移
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormDB, err := openGorm(driverName, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func openGorm(driverName string, db *sql.DB) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	if driverName == "mysql" {
		return gorm.Open(mysql.New(mysql.Config{Conn: db}), gormConfig)
	}
	return gorm.Open(postgres.New(postgres.Config{Conn: db}), gormConfig)
}

// migrate 执行数据库迁移
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(&ActorState{})
}

// LoadState 读取状态快照
func (s *Store) LoadState(ctx context.Context, key string) ([]byte, error) {
	var row ActorState
	err := s.gormDB.WithContext(ctx).Where("state_key = ?", key).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrStateNotFound
		}
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	return row.Data, nil
}

// SaveState 写入状态快照（upsert）
func (s *Store) SaveState(ctx context.Context, key string, data []byte) error {
	row := ActorState{Key: key, Data: data, UpdatedAt: time.Now().UTC()}
	err := s.gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	return nil
}

// DeleteState 删除状态快照
func (s *Store) DeleteState(ctx context.Context, key string) error {
	if err := s.gormDB.WithContext(ctx).Delete(&ActorState{Key: key}).Error; err != nil {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

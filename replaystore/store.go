// Package replaystore 把打包好的回放归档到 SQLite（gorm + 纯 Go 驱动）
package replaystore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"arenasync/replay"
)

// ErrNotFound 回放不存在
var ErrNotFound = errors.New("replaystore: replay not found")

// Record 一条归档记录
type Record struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Name      string         `gorm:"index" json:"name"`
	Room      string         `gorm:"index" json:"room"`
	DiffMode  bool           `json:"diff_mode"`
	MaxTimeMs uint64         `json:"max_time_ms"`
	Marks     int            `json:"marks"`
	Bundle    datatypes.JSON `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store 归档存储
type Store struct {
	db *gorm.DB
}

// Open 打开数据库；path 为空时使用内存库
func Open(path string) (*Store, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open replay store %q", dsn)
	}
	if path == "" {
		// 内存库每个连接各自独立，只保留一个连接
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "replay store handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "migrate replay store")
	}
	return &Store{db: db}, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "replay store handle")
	}
	return sqlDB.Close()
}

// Save 归档一个回放
func (s *Store) Save(ctx context.Context, room string, b *replay.Bundle) (Record, error) {
	if err := b.Validate(); err != nil {
		return Record{}, err
	}
	raw, err := b.Encode()
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:        uuid.NewString(),
		Name:      b.Name,
		Room:      room,
		DiffMode:  b.DiffMode,
		MaxTimeMs: b.MaxTimeMs,
		Marks:     len(b.MarksTicks),
		Bundle:    datatypes.JSON(raw),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return Record{}, errors.Wrapf(err, "save replay %s", b.Name)
	}
	return rec, nil
}

// Get 取出并解码回放
func (s *Store) Get(ctx context.Context, id string) (*replay.Bundle, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load replay %s", id)
	}
	return replay.Decode(rec.Bundle)
}

// List 最近的记录（不含回放数据），limit<=0 时不限制
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := s.db.WithContext(ctx).Omit("bundle").Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "list replays")
	}
	return recs, nil
}

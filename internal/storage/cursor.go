package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/newstide/newstide/internal/source"
)

// PollCursor 按 (worker_id, source) 持久化各渠道的读取位置，重启后从断点继续
type PollCursor struct {
	WorkerID  string            `gorm:"primaryKey;size:64" json:"workerId"`
	Source    string            `gorm:"primaryKey;size:32" json:"source"`
	Positions datatypes.JSONMap `gorm:"type:jsonb" json:"positions"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// LoadCursor 读取游标；不存在时返回空游标（首次轮询从各渠道最新位置开始）
func (s *Store) LoadCursor(ctx context.Context, workerID, src string) (source.Cursor, error) {
	var row PollCursor
	// 首次运行时必然查不到，静默会话避免刷 record not found 日志
	silent := s.DB.Session(&gorm.Session{Logger: s.DB.Logger.LogMode(logger.Silent)})
	err := silent.WithContext(ctx).
		Where("worker_id = ? AND source = ?", workerID, src).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return source.Cursor{}, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "load cursor", Err: err}
	}

	cur := make(source.Cursor, len(row.Positions))
	for k, v := range row.Positions {
		if sv, ok := v.(string); ok {
			cur[k] = sv
		}
	}
	return cur, nil
}

// SaveCursor 整体覆盖写入游标
func (s *Store) SaveCursor(ctx context.Context, workerID, src string, cur source.Cursor) error {
	positions := make(datatypes.JSONMap, len(cur))
	for k, v := range cur {
		positions[k] = v
	}

	row := PollCursor{
		WorkerID:  workerID,
		Source:    src,
		Positions: positions,
		UpdatedAt: time.Now(),
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "worker_id"}, {Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"positions", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return &StoreError{Op: "save cursor", Err: err}
	}
	return nil
}

package storage

import (
	"context"
	"time"
)

// SourceState 记录每个源的启用状态与最近一次轮询结果，供查询接口观测
type SourceState struct {
	Source       string    `gorm:"primaryKey;size:32" json:"source"`
	Enabled      bool      `json:"enabled"`
	LastPolledAt time.Time `json:"lastPolledAt"`
	LastError    string    `gorm:"size:1024" json:"lastError"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EnsureSourceState 确保状态行存在，进程启动时调用。
// 上次运行中被禁用的源会恢复为启用，凭证仍无效时运行期会再次禁用
func (s *Store) EnsureSourceState(src string) error {
	st := SourceState{Source: src, Enabled: true}
	if err := s.DB.Where("source = ?", src).FirstOrCreate(&st).Error; err != nil {
		return &StoreError{Op: "ensure source state", Err: err}
	}
	if !st.Enabled {
		return s.setSourceState(context.Background(), src, map[string]any{"enabled": true, "last_error": ""})
	}
	return nil
}

// MarkSourcePolled 更新最近轮询时间；pollErr 非空时一并记录错误信息
func (s *Store) MarkSourcePolled(ctx context.Context, src string, pollErr error) error {
	updates := map[string]any{"last_polled_at": time.Now(), "last_error": ""}
	if pollErr != nil {
		updates["last_error"] = truncateRunesDB(pollErr.Error(), 1000)
	}
	return s.setSourceState(ctx, src, updates)
}

// DisableSource 凭证失效等配置错误时停用该源，直到配置修复后重启
func (s *Store) DisableSource(ctx context.Context, src string, cause error) error {
	updates := map[string]any{"enabled": false}
	if cause != nil {
		updates["last_error"] = truncateRunesDB(cause.Error(), 1000)
	}
	return s.setSourceState(ctx, src, updates)
}

func (s *Store) setSourceState(ctx context.Context, src string, updates map[string]any) error {
	if err := s.DB.WithContext(ctx).Model(&SourceState{}).
		Where("source = ?", src).
		Updates(updates).Error; err != nil {
		return &StoreError{Op: "update source state", Err: err}
	}
	return nil
}

// ListSourceStates 返回全部源状态
func (s *Store) ListSourceStates() ([]SourceState, error) {
	var list []SourceState
	if err := s.DB.Order("source ASC").Find(&list).Error; err != nil {
		return nil, &StoreError{Op: "list source states", Err: err}
	}
	return list, nil
}

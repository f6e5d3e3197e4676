package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/newstide/newstide/internal/processor"
)

const (
	listCacheTTL   = 5 * time.Minute
	existsCacheTTL = 12 * time.Hour
)

// StoreError 标记存储层失败；调用方记录日志后继续，不中断轮询
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// NewsItem 入库后的新闻记录。(source, source_id) 为去重键，入库后不再修改
type NewsItem struct {
	ID              string                      `gorm:"primaryKey;size:36" json:"id"`
	Title           string                      `gorm:"size:512" json:"title"`
	Content         string                      `gorm:"type:text" json:"content"`
	Source          string                      `gorm:"size:32;index;uniqueIndex:idx_news_items_source_sid" json:"source"`
	SourceID        string                      `gorm:"size:256;uniqueIndex:idx_news_items_source_sid" json:"sourceId"`
	SourceURL       string                      `gorm:"size:1024" json:"sourceUrl"`
	Author          string                      `gorm:"size:256" json:"author"`
	Country         string                      `gorm:"size:128;index" json:"country"`
	City            string                      `gorm:"size:128" json:"city"`
	Categories      datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"categories"`
	Confidence      float64                     `json:"confidence"`
	IsValidNews     bool                        `json:"isValidNews"`
	SimilarityScore int                         `json:"similarityScore"`
	Embedding       *pgvector.Vector            `gorm:"type:vector(1536)" json:"-"`
	PostedAt        time.Time                   `gorm:"index" json:"postedAt"`
	Metadata        datatypes.JSONMap           `gorm:"type:jsonb" json:"metadata"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Store struct {
	DB    *gorm.DB
	Redis *redis.Client
	log   *logrus.Entry
}

func NewStore(dsn, redisAddr string, log *logrus.Entry) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	// 向量列依赖 pgvector 扩展；托管库（如 Supabase）默认已安装
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		log.WithError(err).Warn("create pgvector extension failed")
	}

	if err := db.AutoMigrate(&NewsItem{}, &PollCursor{}, &SourceState{}); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Warn("redis ping failed, cache degraded")
	}

	return &Store{DB: db, Redis: rdb, log: log}, nil
}

// UpsertNewsItem 以 (source, source_id) 为幂等键写入；
// 已存在时返回现有 id 且不修改内容，并发冲突时重读后返回
func (s *Store) UpsertNewsItem(ctx context.Context, item processor.NewsItem) (string, error) {
	var existing NewsItem
	err := s.DB.WithContext(ctx).
		Where("source = ? AND source_id = ?", item.Source, item.SourceID).
		First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", &StoreError{Op: "lookup news item", Err: err}
	}

	row := s.toRow(ctx, item)
	if err := s.DB.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if e2 := s.DB.WithContext(ctx).
				Where("source = ? AND source_id = ?", item.Source, item.SourceID).
				First(&existing).Error; e2 == nil {
				return existing.ID, nil
			}
		}
		return "", &StoreError{Op: "insert news item", Err: err}
	}

	s.markExists(ctx, item.Source, item.SourceID)
	return row.ID, nil
}

func (s *Store) toRow(ctx context.Context, item processor.NewsItem) *NewsItem {
	row := &NewsItem{
		ID:          uuid.NewString(),
		Title:       truncateRunesDB(toValidUTF8(item.Title), 500),
		Content:     toValidUTF8(item.Content),
		Source:      item.Source,
		SourceID:    item.SourceID,
		SourceURL:   item.SourceURL,
		Author:      truncateRunesDB(toValidUTF8(item.Author), 250),
		Country:     truncateRunesDB(toValidUTF8(item.Country), 120),
		City:        truncateRunesDB(toValidUTF8(item.City), 120),
		Categories:  datatypes.JSONSlice[string](item.Categories),
		Confidence:  item.Confidence,
		IsValidNews: true,
		PostedAt:    item.PostedAt,
		Metadata:    datatypes.JSONMap(item.Metadata),
	}

	if len(item.Embedding) > 0 {
		v := pgvector.NewVector(item.Embedding)
		row.Embedding = &v
		if sim, err := s.maxSimilarity(ctx, v); err == nil {
			row.SimilarityScore = int(math.Round(sim * 10))
		} else {
			s.log.WithError(err).Warn("similarity query failed")
		}
	}
	return row
}

// HasNewsItem 只读存在性检查；Redis 只缓存「存在」，不缓存「不存在」
func (s *Store) HasNewsItem(ctx context.Context, src, sourceID string) (bool, error) {
	if s.Redis != nil {
		if err := s.Redis.Get(ctx, existsKey(src, sourceID)).Err(); err == nil {
			return true, nil
		}
	}

	var count int64
	if err := s.DB.WithContext(ctx).Model(&NewsItem{}).
		Where("source = ? AND source_id = ?", src, sourceID).
		Count(&count).Error; err != nil {
		return false, &StoreError{Op: "existence check", Err: err}
	}
	if count > 0 {
		s.markExists(ctx, src, sourceID)
		return true, nil
	}
	return false, nil
}

func (s *Store) markExists(ctx context.Context, src, sourceID string) {
	if s.Redis == nil {
		return
	}
	_ = s.Redis.Set(ctx, existsKey(src, sourceID), "1", existsCacheTTL).Err()
}

func existsKey(src, sourceID string) string {
	return fmt.Sprintf("news:exists:%s:%s", src, sourceID)
}

// maxSimilarity 返回与给定向量最接近的已存条目的余弦相似度（0~1）
func (s *Store) maxSimilarity(ctx context.Context, vec pgvector.Vector) (float64, error) {
	var sim float64
	err := s.DB.WithContext(ctx).
		Raw(`SELECT COALESCE(MAX(1 - (embedding <=> ?)), 0) FROM news_items WHERE embedding IS NOT NULL`, vec).
		Scan(&sim).Error
	if err != nil {
		return 0, &StoreError{Op: "similarity query", Err: err}
	}
	return sim, nil
}

// ListNews 按源/国家/分类返回最新的新闻列表，并使用 Redis 做简单缓存
func (s *Store) ListNews(src, country, category string, limit int) ([]NewsItem, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}

	ctx := context.Background()
	cacheKey := fmt.Sprintf("news:list:%s:%s:%s:%d", src, country, category, limit)

	if s.Redis != nil {
		if bs, err := s.Redis.Get(ctx, cacheKey).Bytes(); err == nil {
			var cached []NewsItem
			if err := json.Unmarshal(bs, &cached); err == nil {
				return cached, nil
			}
		}
	}

	db := s.DB.Model(&NewsItem{})
	if src != "" {
		db = db.Where("source = ?", src)
	}
	if country != "" {
		db = db.Where("country = ?", country)
	}
	if category != "" {
		db = db.Where("categories @> to_jsonb(?::text)", category)
	}

	var list []NewsItem
	if err := db.Order("posted_at DESC").Limit(limit).Find(&list).Error; err != nil {
		return nil, &StoreError{Op: "list news", Err: err}
	}

	// 回写缓存，短 TTL 自然过期，不做通配删除
	if s.Redis != nil && len(list) > 0 {
		if bs, err := json.Marshal(list); err == nil {
			_ = s.Redis.Set(ctx, cacheKey, bs, listCacheTTL).Err()
		}
	}
	return list, nil
}

// toValidUTF8 将字符串规范为合法 UTF-8，避免 PostgreSQL invalid byte sequence 错误
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// truncateRunesDB 按 rune 数截断，确保不超过数据库字段长度。
// 这是对上游 Processor 的双保险，防止外部服务返回异常长文本导致入库失败
func truncateRunesDB(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}

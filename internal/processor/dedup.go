package processor

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ExistenceChecker 只读存在性检查，由存储层实现
type ExistenceChecker interface {
	HasNewsItem(ctx context.Context, src, sourceID string) (bool, error)
}

// Deduper 按 (source, source_id) 过滤已入库与批内重复的条目，保留首次出现
type Deduper struct {
	store ExistenceChecker
	log   *logrus.Entry
}

func NewDeduper(store ExistenceChecker, log *logrus.Entry) *Deduper {
	return &Deduper{store: store, log: log}
}

func (d *Deduper) Filter(ctx context.Context, items []*NewsItem) []*NewsItem {
	if len(items) == 0 {
		return items
	}

	out := make([]*NewsItem, 0, len(items))
	seen := make(map[string]struct{}, len(items))

	for _, it := range items {
		key := it.Source + ":" + it.SourceID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		exists, err := d.store.HasNewsItem(ctx, it.Source, it.SourceID)
		if err != nil {
			// 检查失败时保留该条，由幂等写入兜底
			d.log.WithError(err).WithFields(logrus.Fields{
				"source":      it.Source,
				"external_id": it.SourceID,
			}).Warn("dedup check failed, keeping item")
		} else if exists {
			continue
		}

		out = append(out, it)
	}

	return out
}

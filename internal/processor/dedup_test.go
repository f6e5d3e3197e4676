package processor

import (
	"context"
	"errors"
	"testing"
)

type fakeExistence struct {
	existing map[string]bool
	err      error
	calls    int
}

func (f *fakeExistence) HasNewsItem(_ context.Context, src, sourceID string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.existing[src+":"+sourceID], nil
}

func item(src, id string) *NewsItem {
	return &NewsItem{Source: src, SourceID: id, Title: "t-" + id}
}

func TestFilterDropsAlreadyStoredItems(t *testing.T) {
	store := &fakeExistence{existing: map[string]bool{"telegram:worldnews/1": true}}
	d := NewDeduper(store, discardLogger())

	out := d.Filter(context.Background(), []*NewsItem{
		item("telegram", "worldnews/1"),
		item("telegram", "worldnews/2"),
	})

	if len(out) != 1 || out[0].SourceID != "worldnews/2" {
		t.Fatalf("expected only the unseen item, got %+v", out)
	}
}

func TestFilterCollapsesInBatchDuplicates(t *testing.T) {
	store := &fakeExistence{}
	d := NewDeduper(store, discardLogger())

	first := item("telegram", "worldnews/1")
	second := item("telegram", "worldnews/1")
	second.Title = "redelivered copy"

	out := d.Filter(context.Background(), []*NewsItem{first, second, item("twitter", "900")})
	if len(out) != 2 {
		t.Fatalf("got %d items, want 2", len(out))
	}

	// 批内重复保留首次出现的那条
	if out[0] != first {
		t.Fatalf("first occurrence should win, got %+v", out[0])
	}

	// 同一键只查一次存储
	if store.calls != 2 {
		t.Fatalf("existence checked %d times, want 2", store.calls)
	}
}

func TestFilterKeepsItemWhenCheckFails(t *testing.T) {
	store := &fakeExistence{err: errors.New("connection refused")}
	d := NewDeduper(store, discardLogger())

	// 查重失败宁可放行，由存储层的唯一键兜底
	out := d.Filter(context.Background(), []*NewsItem{item("facebook", "10001_1")})
	if len(out) != 1 {
		t.Fatalf("item should be kept on check failure, got %d", len(out))
	}
}

func TestFilterEmptyBatch(t *testing.T) {
	d := NewDeduper(&fakeExistence{}, discardLogger())
	if out := d.Filter(context.Background(), nil); len(out) != 0 {
		t.Fatalf("empty batch should stay empty, got %v", out)
	}
}

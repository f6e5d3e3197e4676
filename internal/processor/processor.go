package processor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/newstide/newstide/internal/llm"
	"github.com/newstide/newstide/internal/source"
)

const (
	maxTitleRunes    = 500
	fallbackTitleLen = 80
)

// ExtractionError 表示单条消息分类/抽取失败：跳过该条并记录，不中断批次
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string { return "extraction: " + e.Err.Error() }
func (e *ExtractionError) Unwrap() error { return e.Err }

// IsExtraction 判断错误链中是否存在 ExtractionError
func IsExtraction(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

// NewsItem 抽取后的结构化新闻，写入存储前的统一结构
type NewsItem struct {
	Title      string
	Content    string
	Country    string
	City       string
	Categories []string
	Confidence float64
	Source     string
	SourceID   string
	SourceURL  string
	Author     string
	PostedAt   time.Time
	Embedding  []float32
	Metadata   map[string]any
}

// Processor 驱动单条消息的分类与字段抽取。
// embedder 与 pagetext 可为 nil，表示对应能力关闭
type Processor struct {
	classifier llm.Classifier
	embedder   llm.Embedder
	pagetext   *PageTextClient
	log        *logrus.Entry
}

func New(classifier llm.Classifier, embedder llm.Embedder, pagetext *PageTextClient, log *logrus.Entry) *Processor {
	return &Processor{
		classifier: classifier,
		embedder:   embedder,
		pagetext:   pagetext,
		log:        log,
	}
}

// Process 返回 (nil, nil) 表示该消息非新闻；错误均为 *ExtractionError
func (p *Processor) Process(ctx context.Context, msg source.RawMessage) (*NewsItem, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil
	}

	// 只含链接的消息先补页面正文，分类才有内容可看
	if p.pagetext != nil && mostlyLink(text) {
		extra, err := p.pagetext.Extract(ctx, firstLink(text))
		if err != nil {
			p.log.WithError(err).WithField("external_id", msg.ExternalID).Debug("expand link failed, classify raw text")
		} else if extra != "" {
			text = text + "\n\n" + extra
		}
	}

	ext, err := p.classifier.ClassifyAndExtract(ctx, text)
	if err != nil {
		return nil, &ExtractionError{Err: fmt.Errorf("classify %s/%s: %w", msg.Source, msg.ExternalID, err)}
	}
	if !ext.IsNews {
		return nil, nil
	}

	title := truncateRunes(toValidUTF8(ext.Title), maxTitleRunes)
	content := toValidUTF8(strings.TrimSpace(ext.Content))
	if content == "" {
		content = toValidUTF8(text)
	}
	if title == "" {
		title = truncateRunes(content, fallbackTitleLen)
	}

	country := strings.TrimSpace(ext.Country)
	if country == "" {
		country = "Other"
	}

	item := &NewsItem{
		Title:      title,
		Content:    content,
		Country:    country,
		City:       strings.TrimSpace(ext.City),
		Categories: ext.Categories,
		Confidence: ext.Confidence,
		Source:     msg.Source,
		SourceID:   msg.ExternalID,
		SourceURL:  msg.URL,
		Author:     msg.Author,
		PostedAt:   msg.PostedAt,
		Metadata:   buildMetadata(msg),
	}

	// 向量化失败只降级，不影响入库
	if p.embedder != nil {
		vec, err := p.embedder.Embed(ctx, item.Title+"\n"+item.Content)
		if err != nil {
			p.log.WithError(err).WithField("external_id", msg.ExternalID).Warn("embed news item failed")
		} else {
			item.Embedding = vec
		}
	}

	return item, nil
}

func buildMetadata(msg source.RawMessage) map[string]any {
	meta := make(map[string]any, len(msg.Metadata)+2)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	if msg.Channel != "" {
		meta["channel"] = msg.Channel
	}
	if len(msg.Media) > 0 {
		meta["media"] = msg.Media
	}
	return meta
}

var linkPattern = regexp.MustCompile(`https?://\S+`)

func firstLink(s string) string {
	return linkPattern.FindString(s)
}

// mostlyLink 判断消息是否基本只是一条链接（去掉链接后正文过短）
func mostlyLink(s string) bool {
	if linkPattern.FindString(s) == "" {
		return false
	}
	rest := strings.TrimSpace(linkPattern.ReplaceAllString(s, ""))
	return utf8.RuneCountInString(rest) < 30
}

// toValidUTF8 将字符串规范为合法 UTF-8，避免 PostgreSQL invalid byte sequence 错误
func toValidUTF8(s string) string {
	return strings.ToValidUTF8(s, "�")
}

// truncateRunes 按 rune 数截断，防止外部服务返回异常长文本导致入库失败
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}

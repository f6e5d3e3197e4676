package source

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"
)

const (
	telegramBaseURL       = "https://t.me/s"
	telegramUserAgent     = "NewsTideBot/1.0"
	telegramClientTimeout = 10 * time.Second
)

// TelegramReader 抓取 Telegram 公开频道的网页预览（t.me/s/<channel>），无需 API 凭证
type TelegramReader struct {
	channels []string
	baseURL  string
	log      *logrus.Entry
}

func NewTelegramReader(channels []string, log *logrus.Entry) *TelegramReader {
	return &TelegramReader{
		channels: channels,
		baseURL:  telegramBaseURL,
		log:      log,
	}
}

func (t *TelegramReader) Name() string {
	return Telegram
}

func (t *TelegramReader) Fetch(ctx context.Context, cur Cursor) ([]RawMessage, Cursor, error) {
	if len(t.channels) == 0 {
		return nil, nil, BadConfigf("telegram: no channels configured")
	}

	next := cur.Clone()
	out := make([]RawMessage, 0, 64)
	var errs []error

	for _, ch := range t.channels {
		if err := ctx.Err(); err != nil {
			return nil, nil, Transient(err)
		}

		msgs, last, err := t.fetchChannel(ch, next[ch])
		if err != nil {
			t.log.WithError(err).WithField("channel", ch).Warn("fetch telegram channel failed")
			errs = append(errs, err)
			continue
		}
		out = append(out, msgs...)
		if last != "" {
			next[ch] = last
		}
	}

	// 所有频道都失败才算整个源失败；只要有临时失败就按临时处理，避免误禁用
	if len(errs) == len(t.channels) {
		for _, err := range errs {
			if IsTransient(err) {
				return nil, nil, err
			}
		}
		return nil, nil, errs[0]
	}

	return out, next, nil
}

// fetchChannel 拉取单个频道中 id 大于 since 的消息，返回消息与新的位置
func (t *TelegramReader) fetchChannel(channel, since string) ([]RawMessage, string, error) {
	sinceID := parseMessageID(since)
	maxID := sinceID
	msgs := make([]RawMessage, 0, 32)

	c := t.newCollector()
	c.OnHTML("div.tgme_widget_message", func(e *colly.HTMLElement) {
		msg, id, ok := parseTelegramMessage(e.DOM, channel)
		if !ok || id <= sinceID {
			return
		}
		msgs = append(msgs, msg)
		if id > maxID {
			maxID = id
		}
	})

	var statusCode int
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			statusCode = r.StatusCode
		}
	})

	pageURL := fmt.Sprintf("%s/%s", t.baseURL, channel)
	if err := c.Visit(pageURL); err != nil {
		if statusCode != 0 {
			return nil, since, wrapStatus("telegram", statusCode)
		}
		return nil, since, Transient(fmt.Errorf("telegram: fetch channel %s: %w", channel, err))
	}

	// 按消息 id 升序，保证游标单调前进
	sort.Slice(msgs, func(i, j int) bool {
		return parseMessageID(strings.TrimPrefix(msgs[i].ExternalID, channel+"/")) <
			parseMessageID(strings.TrimPrefix(msgs[j].ExternalID, channel+"/"))
	})

	if maxID == sinceID {
		return msgs, since, nil
	}
	return msgs, strconv.FormatInt(maxID, 10), nil
}

func (t *TelegramReader) newCollector() *colly.Collector {
	opts := []colly.CollectorOption{colly.UserAgent(telegramUserAgent)}
	// 测试中会替换 baseURL，此时不做域名限制
	if u, err := url.Parse(t.baseURL); err == nil && u.Hostname() == "t.me" {
		opts = append(opts, colly.AllowedDomains("t.me"))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(telegramClientTimeout)
	return c
}

// parseTelegramMessage 从预览页的单条消息节点解析出 RawMessage。
// data-post 形如 "channel/12345"，取数字部分作为频道内消息 id
func parseTelegramMessage(sel *goquery.Selection, channel string) (RawMessage, int64, bool) {
	dataPost := strings.TrimSpace(sel.AttrOr("data-post", ""))
	if dataPost == "" {
		return RawMessage{}, 0, false
	}
	idx := strings.LastIndex(dataPost, "/")
	if idx < 0 {
		return RawMessage{}, 0, false
	}
	id := parseMessageID(dataPost[idx+1:])
	if id <= 0 {
		return RawMessage{}, 0, false
	}

	// 纯媒体消息没有正文，直接跳过
	text := strings.TrimSpace(sel.Find("div.tgme_widget_message_text").First().Text())
	if text == "" {
		return RawMessage{}, 0, false
	}

	author := strings.TrimSpace(sel.Find("div.tgme_widget_message_owner_name").First().Text())

	postedAt := time.Now()
	if dt := sel.Find("time").First().AttrOr("datetime", ""); dt != "" {
		if ts, err := time.Parse(time.RFC3339, dt); err == nil {
			postedAt = ts
		}
	}

	var media []string
	sel.Find("a.tgme_widget_message_photo_wrap").Each(func(_ int, photo *goquery.Selection) {
		if u := parseBgImage(photo.AttrOr("style", "")); u != "" {
			media = append(media, u)
		}
	})

	msg := RawMessage{
		Source:     Telegram,
		ExternalID: dataPost,
		Channel:    channel,
		Author:     author,
		Text:       text,
		URL:        "https://t.me/" + dataPost,
		PostedAt:   postedAt,
		Media:      media,
		Metadata: map[string]any{
			"channel": channel,
		},
	}
	return msg, id, true
}

func parseMessageID(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseBgImage 从 style 属性中提取 background-image 的 URL
func parseBgImage(style string) string {
	const marker = "background-image:url('"
	i := strings.Index(style, marker)
	if i < 0 {
		return ""
	}
	rest := style[i+len(marker):]
	j := strings.Index(rest, "'")
	if j < 0 {
		return ""
	}
	return rest[:j]
}

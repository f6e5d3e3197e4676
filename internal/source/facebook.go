package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	facebookBaseURL          = "https://graph.facebook.com/v19.0"
	facebookPageLimit        = 100
	facebookMaxResponseBytes = 1 << 20 // 1MB
	facebookClientTimeout    = 10 * time.Second

	// Graph API 的 created_time 时区格式不带冒号，不能用 time.RFC3339 解析
	facebookTimeLayout = "2006-01-02T15:04:05-0700"
)

// FacebookReader 通过 Graph API 拉取公共主页的帖子，游标为每个主页最新帖子的 unix 时间
type FacebookReader struct {
	accessToken string
	pages       []string
	baseURL     string
	client      *http.Client
	log         *logrus.Entry
}

func NewFacebookReader(accessToken string, pages []string, log *logrus.Entry) *FacebookReader {
	return &FacebookReader{
		accessToken: accessToken,
		pages:       pages,
		baseURL:     facebookBaseURL,
		client:      &http.Client{Timeout: facebookClientTimeout},
		log:         log,
	}
}

func (f *FacebookReader) Name() string {
	return Facebook
}

type facebookPost struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	CreatedTime  string `json:"created_time"`
	PermalinkURL string `json:"permalink_url"`
	From         struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	} `json:"from"`
}

type facebookFeed struct {
	Data  []facebookPost `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (f *FacebookReader) Fetch(ctx context.Context, cur Cursor) ([]RawMessage, Cursor, error) {
	if len(f.pages) == 0 {
		return nil, nil, BadConfigf("facebook: no pages configured")
	}

	next := cur.Clone()
	out := make([]RawMessage, 0, 64)
	var errs []error

	for _, page := range f.pages {
		if err := ctx.Err(); err != nil {
			return nil, nil, Transient(err)
		}

		msgs, last, err := f.fetchPage(ctx, page, next[page])
		if err != nil {
			f.log.WithError(err).WithField("page", page).Warn("fetch facebook page failed")
			errs = append(errs, err)
			continue
		}
		out = append(out, msgs...)
		if last != "" {
			next[page] = last
		}
	}

	if len(errs) == len(f.pages) {
		for _, err := range errs {
			if IsTransient(err) {
				return nil, nil, err
			}
		}
		return nil, nil, errs[0]
	}

	return out, next, nil
}

// fetchPage 拉取单个主页水位之后的帖子，按时间升序返回
func (f *FacebookReader) fetchPage(ctx context.Context, page, since string) ([]RawMessage, string, error) {
	watermark, _ := strconv.ParseInt(since, 10, 64)

	q := url.Values{}
	q.Set("fields", "id,message,created_time,permalink_url,from")
	q.Set("limit", strconv.Itoa(facebookPageLimit))
	q.Set("access_token", f.accessToken)
	if watermark > 0 {
		q.Set("since", strconv.FormatInt(watermark, 10))
	}

	endpoint := fmt.Sprintf("%s/%s/posts?%s", f.baseURL, url.PathEscape(page), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, since, Transient(fmt.Errorf("facebook: build request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, since, Transient(fmt.Errorf("facebook: fetch page %s: %w", page, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, facebookMaxResponseBytes))
	if err != nil {
		return nil, since, Transient(fmt.Errorf("facebook: read response: %w", err))
	}

	var feed facebookFeed
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, since, Transient(fmt.Errorf("facebook: unmarshal response: %w", err))
	}

	if resp.StatusCode != http.StatusOK || feed.Error != nil {
		return nil, since, f.classifyError(resp.StatusCode, &feed)
	}

	// Graph 返回的是新到旧，这里反转为时间升序，并严格按水位过滤
	newMark := watermark
	msgs := make([]RawMessage, 0, len(feed.Data))
	for i := len(feed.Data) - 1; i >= 0; i-- {
		post := feed.Data[i]
		if strings.TrimSpace(post.Message) == "" {
			continue
		}
		ts, err := time.Parse(facebookTimeLayout, post.CreatedTime)
		if err != nil {
			f.log.WithField("post", post.ID).Warnf("facebook: bad created_time %q", post.CreatedTime)
			continue
		}
		if ts.Unix() <= watermark {
			continue
		}
		if ts.Unix() > newMark {
			newMark = ts.Unix()
		}

		author := post.From.Name
		if author == "" {
			author = page
		}
		msgs = append(msgs, RawMessage{
			Source:     Facebook,
			ExternalID: post.ID,
			Channel:    page,
			Author:     author,
			Text:       post.Message,
			URL:        post.PermalinkURL,
			PostedAt:   ts,
			Metadata: map[string]any{
				"page": page,
			},
		})
	}

	if newMark == watermark {
		return msgs, since, nil
	}
	return msgs, strconv.FormatInt(newMark, 10), nil
}

// classifyError 归类 Graph API 失败：OAuth 问题禁用源，限流与服务端错误下一轮重试
func (f *FacebookReader) classifyError(status int, feed *facebookFeed) error {
	if feed.Error != nil {
		e := feed.Error
		if e.Type == "OAuthException" && !isFacebookRateLimit(e.Code) {
			return BadConfigf("facebook: %s (code %d)", e.Message, e.Code)
		}
		if isFacebookRateLimit(e.Code) {
			return Transientf("facebook: rate limited: %s (code %d)", e.Message, e.Code)
		}
		return Transientf("facebook: %s (code %d)", e.Message, e.Code)
	}
	return wrapStatus("facebook", status)
}

// 4/17/32/613 是 Graph API 的几类限流错误码
func isFacebookRateLimit(code int) bool {
	switch code {
	case 4, 17, 32, 613:
		return true
	}
	return false
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	twitterBaseURL          = "https://api.twitter.com"
	twitterMaxResults       = 100
	twitterMaxResponseBytes = 1 << 20 // 1MB
	twitterClientTimeout    = 10 * time.Second
)

// TwitterReader 通过 API v2 拉取指定账号的时间线，使用 app-only bearer token 认证
type TwitterReader struct {
	apiKey    string
	apiSecret string
	accounts  []string
	baseURL   string
	client    *http.Client
	log       *logrus.Entry

	mu      sync.Mutex
	token   string
	userIDs map[string]string // username -> user id，进程内缓存避免每轮重复查询
}

func NewTwitterReader(apiKey, apiSecret string, accounts []string, log *logrus.Entry) *TwitterReader {
	return &TwitterReader{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		accounts:  accounts,
		baseURL:   twitterBaseURL,
		client:    &http.Client{Timeout: twitterClientTimeout},
		log:       log,
		userIDs:   make(map[string]string),
	}
}

func (t *TwitterReader) Name() string {
	return Twitter
}

type twitterTweet struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type twitterTimeline struct {
	Data []twitterTweet `json:"data"`
	Meta struct {
		NewestID    string `json:"newest_id"`
		ResultCount int    `json:"result_count"`
	} `json:"meta"`
}

func (t *TwitterReader) Fetch(ctx context.Context, cur Cursor) ([]RawMessage, Cursor, error) {
	if len(t.accounts) == 0 {
		return nil, nil, BadConfigf("twitter: no accounts configured")
	}

	token, err := t.ensureToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	next := cur.Clone()
	out := make([]RawMessage, 0, 64)
	var errs []error

	for _, account := range t.accounts {
		if err := ctx.Err(); err != nil {
			return nil, nil, Transient(err)
		}

		msgs, last, err := t.fetchAccount(ctx, token, account, next[account])
		if err != nil {
			t.log.WithError(err).WithField("account", account).Warn("fetch twitter account failed")
			errs = append(errs, err)
			continue
		}
		out = append(out, msgs...)
		if last != "" {
			next[account] = last
		}
	}

	if len(errs) == len(t.accounts) {
		for _, err := range errs {
			if IsTransient(err) {
				return nil, nil, err
			}
		}
		return nil, nil, errs[0]
	}

	return out, next, nil
}

// ensureToken 用 client_credentials 换取 bearer token，进程内复用
func (t *TwitterReader) ensureToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" {
		return t.token, nil
	}

	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/oauth2/token", form)
	if err != nil {
		return "", Transient(fmt.Errorf("twitter: build token request: %w", err))
	}
	req.SetBasicAuth(url.QueryEscape(t.apiKey), url.QueryEscape(t.apiSecret))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", Transient(fmt.Errorf("twitter: request token: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", wrapStatus("twitter", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, twitterMaxResponseBytes))
	if err != nil {
		return "", Transient(fmt.Errorf("twitter: read token response: %w", err))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", Transient(fmt.Errorf("twitter: unmarshal token response: %w", err))
	}
	if tok.AccessToken == "" {
		return "", BadConfigf("twitter: token response without access_token")
	}

	t.token = tok.AccessToken
	return t.token, nil
}

// fetchAccount 拉取单个账号 since_id 之后的推文，按时间升序返回
func (t *TwitterReader) fetchAccount(ctx context.Context, token, account, since string) ([]RawMessage, string, error) {
	userID, err := t.lookupUserID(ctx, token, account)
	if err != nil {
		return nil, since, err
	}

	q := url.Values{}
	q.Set("max_results", fmt.Sprintf("%d", twitterMaxResults))
	q.Set("tweet.fields", "created_at")
	q.Set("exclude", "retweets,replies")
	if since != "" {
		q.Set("since_id", since)
	}

	var timeline twitterTimeline
	endpoint := fmt.Sprintf("%s/2/users/%s/tweets?%s", t.baseURL, userID, q.Encode())
	if err := t.getJSON(ctx, token, endpoint, &timeline); err != nil {
		return nil, since, err
	}

	// API 返回的是新到旧，这里反转为时间升序
	msgs := make([]RawMessage, 0, len(timeline.Data))
	for i := len(timeline.Data) - 1; i >= 0; i-- {
		tw := timeline.Data[i]
		if strings.TrimSpace(tw.Text) == "" {
			continue
		}
		msgs = append(msgs, RawMessage{
			Source:     Twitter,
			ExternalID: tw.ID,
			Channel:    account,
			Author:     account,
			Text:       tw.Text,
			URL:        fmt.Sprintf("https://twitter.com/%s/status/%s", account, tw.ID),
			PostedAt:   tw.CreatedAt,
			Metadata: map[string]any{
				"account": account,
			},
		})
	}

	last := timeline.Meta.NewestID
	if last == "" {
		last = since
	}
	return msgs, last, nil
}

func (t *TwitterReader) lookupUserID(ctx context.Context, token, account string) (string, error) {
	t.mu.Lock()
	if id, ok := t.userIDs[account]; ok {
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	var user struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	endpoint := fmt.Sprintf("%s/2/users/by/username/%s", t.baseURL, url.PathEscape(account))
	if err := t.getJSON(ctx, token, endpoint, &user); err != nil {
		return "", err
	}
	if user.Data.ID == "" {
		return "", BadConfigf("twitter: account %s not found", account)
	}

	t.mu.Lock()
	t.userIDs[account] = user.Data.ID
	t.mu.Unlock()
	return user.Data.ID, nil
}

func (t *TwitterReader) getJSON(ctx context.Context, token, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Transient(fmt.Errorf("twitter: build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("twitter: request %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return wrapStatus("twitter", resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, twitterMaxResponseBytes)).Decode(v); err != nil {
		return Transient(fmt.Errorf("twitter: unmarshal response: %w", err))
	}
	return nil
}

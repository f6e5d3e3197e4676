package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	maxResponseBytes = 1 << 20 // 1MB
	clientTimeout    = 30 * time.Second

	// 过短的文本直接判为非新闻，省一次模型调用
	minClassifyRunes = 10

	retryMaxAttempts = 2
	retryBaseDelay   = 500 * time.Millisecond
	retryMaxDelay    = 5 * time.Second
)

const systemPrompt = `You are a news analyst for a breaking-news aggregation service.
Decide whether the user's social media message reports actual news (events, incidents, announcements, emergencies) as opposed to chatter, memes, ads, jokes or personal opinions.

Respond with a single JSON object and nothing else, using exactly these fields:
{
  "is_news": true or false,
  "title": "short headline; empty string if not news",
  "content": "the news content cleaned of hashtags, emojis and links; empty string if not news",
  "country": "country the news is about; use Other when it cannot be determined",
  "city": "city if identifiable; empty string otherwise",
  "categories": ["one or more of: politics, economy, conflict, crime, disaster, health, technology, sports, culture, other"],
  "confidence": 0.0 to 1.0
}`

// Extraction 为分类模型返回的结构化结果
type Extraction struct {
	IsNews     bool     `json:"is_news"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Country    string   `json:"country"`
	City       string   `json:"city"`
	Categories []string `json:"categories"`
	Confidence float64  `json:"confidence"`
}

// Classifier 抽象分类/抽取协作方，便于在测试中替换
type Classifier interface {
	ClassifyAndExtract(ctx context.Context, text string) (Extraction, error)
}

// Client 调用 OpenAI 兼容接口完成分类与向量化
type Client struct {
	apiKey     string
	model      string
	embedModel string
	baseURL    string
	client     *http.Client
	retry      retrypolicy.RetryPolicy[*http.Response]
}

func NewClient(apiKey, model, embedModel, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		embedModel: embedModel,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: clientTimeout},
		retry:      newRetryPolicy(),
	}
}

// newRetryPolicy 对限流与服务端错误做有限次数的退避重试
func newRetryPolicy() retrypolicy.RetryPolicy[*http.Response] {
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(retryBaseDelay, retryMaxDelay).
		WithMaxRetries(retryMaxAttempts).
		WithJitterFactor(0.1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		}).
		OnRetry(func(e failsafe.ExecutionEvent[*http.Response]) {
			// 被重试的响应体不会再被读取，关闭避免连接泄漏
			if r := e.LastResult(); r != nil {
				_ = r.Body.Close()
			}
		}).
		// 重试耗尽后返回最后一次响应，由调用方读取其中的错误信息
		ReturnLastFailure().
		Build()
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) ClassifyAndExtract(ctx context.Context, text string) (Extraction, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minClassifyRunes {
		return Extraction{IsNews: false}, nil
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		Temperature:    0,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("llm: marshal chat request: %w", err)
	}

	body, err := c.post(ctx, "/chat/completions", payload)
	if err != nil {
		return Extraction{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Extraction{}, fmt.Errorf("llm: unmarshal chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Extraction{}, fmt.Errorf("llm: chat response without choices")
	}

	var ext Extraction
	content := stripFences(parsed.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &ext); err != nil {
		return Extraction{}, fmt.Errorf("llm: malformed model output: %w", err)
	}

	ext.normalize()
	return ext, nil
}

// post 发送请求并返回成功响应的 body；非 2xx 在重试耗尽后转为错误
func (c *Client) post(ctx context.Context, path string, payload []byte) ([]byte, error) {
	resp, err := failsafe.With(c.retry).
		WithContext(ctx).
		Get(func() (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("Content-Type", "application/json")
			return c.client.Do(req)
		})
	if err != nil {
		return nil, fmt.Errorf("llm: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
			return nil, fmt.Errorf("llm: %s status %d: %s", path, resp.StatusCode, ae.Error.Message)
		}
		return nil, fmt.Errorf("llm: %s status %d", path, resp.StatusCode)
	}
	return body, nil
}

func (e *Extraction) normalize() {
	if !e.IsNews {
		return
	}
	if strings.TrimSpace(e.Country) == "" {
		e.Country = "Other"
	}
	if e.Confidence < 0 {
		e.Confidence = 0
	}
	if e.Confidence > 1 {
		e.Confidence = 1
	}
}

// stripFences 去掉模型偶尔包裹的 ```json 代码块标记
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

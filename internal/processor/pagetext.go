package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	pagetextTimeout       = 25 * time.Second
	pagetextMaxChars      = 2000
	pagetextMaxRespBytes  = 1 << 20
	pagetextExtractMethod = "/extract"
)

// PageTextClient 调用页面正文抽取服务（cmd/pagetext），为只含链接的消息补充正文
type PageTextClient struct {
	baseURL string
	client  *http.Client
}

func NewPageTextClient(baseURL string) *PageTextClient {
	return &PageTextClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: pagetextTimeout},
	}
}

type pagetextRequest struct {
	URL      string `json:"url"`
	MaxChars int    `json:"max_chars"`
}

type pagetextResponse struct {
	OK    bool   `json:"ok"`
	Title string `json:"title"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

func (c *PageTextClient) Extract(ctx context.Context, pageURL string) (string, error) {
	payload, err := json.Marshal(pagetextRequest{URL: pageURL, MaxChars: pagetextMaxChars})
	if err != nil {
		return "", fmt.Errorf("pagetext: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pagetextExtractMethod, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("pagetext: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("pagetext: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pagetext: unexpected status %d", resp.StatusCode)
	}

	var parsed pagetextResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, pagetextMaxRespBytes)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("pagetext: unmarshal response: %w", err)
	}
	if !parsed.OK {
		return "", fmt.Errorf("pagetext: extract failed: %s", parsed.Error)
	}

	if parsed.Title != "" {
		return parsed.Title + "\n" + parsed.Text, nil
	}
	return parsed.Text, nil
}

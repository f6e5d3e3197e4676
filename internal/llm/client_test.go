package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const newsText = "Breaking: a magnitude 6.2 earthquake struck the coastal region this morning, authorities report damage to several buildings"

func chatEnvelope(content string) string {
	env := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	bs, _ := json.Marshal(env)
	return string(bs)
}

func TestClassifyAndExtractSuccess(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)

		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[1].Content != newsText {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format not requested: %+v", req.ResponseFormat)
		}
		if req.Temperature != 0 {
			t.Errorf("temperature = %v, want 0", req.Temperature)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatEnvelope(`{
			"is_news": true,
			"title": "Earthquake strikes coastal region",
			"content": "A magnitude 6.2 earthquake struck the coastal region.",
			"country": "Japan",
			"city": "Sendai",
			"categories": ["disaster"],
			"confidence": 0.93
		}`)))
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "", srv.URL)
	ext, err := c.ClassifyAndExtract(context.Background(), newsText)
	if err != nil {
		t.Fatalf("ClassifyAndExtract error: %v", err)
	}
	if !ext.IsNews {
		t.Fatal("expected is_news=true")
	}
	if ext.Title != "Earthquake strikes coastal region" || ext.Country != "Japan" {
		t.Fatalf("unexpected extraction: %+v", ext)
	}
	if len(ext.Categories) != 1 || ext.Categories[0] != "disaster" {
		t.Fatalf("categories = %v", ext.Categories)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("model called %d times, want 1", got)
	}
}

func TestClassifyAndExtractNonNews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatEnvelope(`{"is_news": false, "title": "", "content": "", "country": "", "city": "", "categories": [], "confidence": 0.1}`)))
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "", srv.URL)
	ext, err := c.ClassifyAndExtract(context.Background(), "just had the best coffee of my life, you all need to try this place")
	if err != nil {
		t.Fatalf("ClassifyAndExtract error: %v", err)
	}
	if ext.IsNews {
		t.Fatal("chatter should not be news")
	}
}

func TestClassifyAndExtractStripsCodeFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := "```json\n{\"is_news\": true, \"title\": \"T\", \"content\": \"C\", \"country\": \"\", \"categories\": [\"other\"], \"confidence\": 1.7}\n```"
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatEnvelope(content)))
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "", srv.URL)
	ext, err := c.ClassifyAndExtract(context.Background(), newsText)
	if err != nil {
		t.Fatalf("ClassifyAndExtract error: %v", err)
	}
	if !ext.IsNews || ext.Title != "T" {
		t.Fatalf("fenced output not parsed: %+v", ext)
	}

	// 空国家回落到 Other，置信度收敛到 [0,1]
	if ext.Country != "Other" {
		t.Fatalf("Country = %q, want Other", ext.Country)
	}
	if ext.Confidence != 1 {
		t.Fatalf("Confidence = %v, want clamped to 1", ext.Confidence)
	}
}

func TestClassifyShortTextSkipsModelCall(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "", srv.URL)
	ext, err := c.ClassifyAndExtract(context.Background(), "gm ☀️")
	if err != nil {
		t.Fatalf("ClassifyAndExtract error: %v", err)
	}
	if ext.IsNews {
		t.Fatal("short text should be non-news")
	}
	if got := atomic.LoadInt64(&calls); got != 0 {
		t.Fatalf("model called %d times for short text, want 0", got)
	}
}

func TestClassifyAndExtractRetriesOnServerError(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatEnvelope(`{"is_news": true, "title": "T", "content": "C", "country": "Other", "categories": ["other"], "confidence": 0.5}`)))
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "", srv.URL)
	ext, err := c.ClassifyAndExtract(context.Background(), newsText)
	if err != nil {
		t.Fatalf("ClassifyAndExtract should succeed after retries: %v", err)
	}
	if !ext.IsNews {
		t.Fatalf("unexpected extraction: %+v", ext)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("model called %d times, want 3", got)
	}
}

func TestClassifyAndExtractFailsAfterRetriesExhausted(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "", srv.URL)
	_, err := c.ClassifyAndExtract(context.Background(), newsText)
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if !strings.Contains(err.Error(), "status 500") || !strings.Contains(err.Error(), "upstream overloaded") {
		t.Fatalf("error should carry status and API message: %v", err)
	}

	// 1 次原始请求 + 2 次重试
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Fatalf("model called %d times, want 3", got)
	}
}

func TestClassifyAndExtractMalformedModelOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatEnvelope(`the message looks like news to me`)))
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "", srv.URL)
	if _, err := c.ClassifyAndExtract(context.Background(), newsText); err == nil {
		t.Fatal("non-JSON model output should be an error")
	}
}

func TestStripFences(t *testing.T) {
	plain := `{"a":1}`
	for _, in := range []string{
		plain,
		"```json\n{\"a\":1}\n```",
		"```\n{\"a\":1}\n```",
		"  ```json\n{\"a\":1}\n``` ",
	} {
		if got := stripFences(in); got != plain {
			t.Fatalf("stripFences(%q) = %q, want %q", in, got, plain)
		}
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-embed" {
			t.Errorf("embed model = %q", req.Model)
		}
		if len(req.Input) != 1 || req.Input[0] == "" {
			t.Errorf("unexpected input: %v", req.Input)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.25,-0.5,0.125]}]}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", "test-model", "test-embed", srv.URL)
	vec, err := c.Embed(context.Background(), "some news content")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[1] != -0.5 {
		t.Fatalf("unexpected vector: %v", vec)
	}
}

func TestEmbedWithoutModelConfigured(t *testing.T) {
	c := NewClient("test-key", "test-model", "", "http://unused.invalid")
	if _, err := c.Embed(context.Background(), "text"); err == nil {
		t.Fatal("Embed without embed model should fail")
	}
}

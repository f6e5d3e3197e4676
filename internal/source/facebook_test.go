package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const facebookFeedJSON = `{
	"data": [
		{
			"id": "10001_3",
			"message": "Government declares state of emergency after the earthquake",
			"created_time": "2026-08-20T12:00:00+0000",
			"permalink_url": "https://www.facebook.com/10001_3",
			"from": {"name": "CNN", "id": "10001"}
		},
		{
			"id": "10001_2",
			"message": "Stock markets close at a record high for the third day",
			"created_time": "2026-08-20T11:00:00+0000",
			"permalink_url": "https://www.facebook.com/10001_2",
			"from": {"name": "CNN", "id": "10001"}
		},
		{
			"id": "10001_1",
			"message": "",
			"created_time": "2026-08-20T10:00:00+0000",
			"permalink_url": "https://www.facebook.com/10001_1",
			"from": {"name": "CNN", "id": "10001"}
		}
	]
}`

func newFacebookTestServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") == "" {
			t.Errorf("request without access_token: %s", r.URL)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func newTestFacebookReader(baseURL string) *FacebookReader {
	r := NewFacebookReader("page-token", []string{"cnn"}, discardLogger())
	r.baseURL = baseURL
	return r
}

func TestFacebookFetchReturnsOldestFirst(t *testing.T) {
	srv := newFacebookTestServer(t, facebookFeedJSON, http.StatusOK)
	defer srv.Close()

	r := newTestFacebookReader(srv.URL)
	msgs, next, err := r.Fetch(context.Background(), Cursor{})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}

	// 第一条没有正文（纯图片/分享帖），应被跳过
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ExternalID != "10001_2" || msgs[1].ExternalID != "10001_3" {
		t.Fatalf("messages not oldest-first: %q, %q", msgs[0].ExternalID, msgs[1].ExternalID)
	}
	if msgs[0].Author != "CNN" || msgs[0].Channel != "cnn" {
		t.Fatalf("unexpected author/channel: %+v", msgs[0])
	}

	newest, err := time.Parse(facebookTimeLayout, "2026-08-20T12:00:00+0000")
	if err != nil {
		t.Fatalf("parse fixture time: %v", err)
	}
	if want := strconv.FormatInt(newest.Unix(), 10); next["cnn"] != want {
		t.Fatalf("cursor = %q, want %q", next["cnn"], want)
	}
}

func TestFacebookWatermarkFiltersOldPosts(t *testing.T) {
	srv := newFacebookTestServer(t, facebookFeedJSON, http.StatusOK)
	defer srv.Close()

	mark, err := time.Parse(facebookTimeLayout, "2026-08-20T11:00:00+0000")
	if err != nil {
		t.Fatalf("parse fixture time: %v", err)
	}
	since := strconv.FormatInt(mark.Unix(), 10)

	r := newTestFacebookReader(srv.URL)
	// 即便服务端忽略 since 参数原样返回，客户端也必须按水位过滤
	msgs, next, err := r.Fetch(context.Background(), Cursor{"cnn": since})
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ExternalID != "10001_3" {
		t.Fatalf("expected only the newest post, got %+v", msgs)
	}
	if next["cnn"] == since {
		t.Fatal("cursor should advance past the watermark")
	}
}

func TestFacebookOAuthErrorDisablesSource(t *testing.T) {
	body := `{"error":{"message":"Error validating access token","type":"OAuthException","code":190}}`
	srv := newFacebookTestServer(t, body, http.StatusUnauthorized)
	defer srv.Close()

	r := newTestFacebookReader(srv.URL)
	_, _, err := r.Fetch(context.Background(), Cursor{})
	if err == nil || !IsBadConfig(err) {
		t.Fatalf("OAuthException should be a config error, got %v", err)
	}
}

func TestFacebookRateLimitIsTransient(t *testing.T) {
	// code 4 是应用级限流，虽然 type 也是 OAuthException，但必须按临时失败处理
	body := `{"error":{"message":"Application request limit reached","type":"OAuthException","code":4}}`
	srv := newFacebookTestServer(t, body, http.StatusForbidden)
	defer srv.Close()

	r := newTestFacebookReader(srv.URL)
	_, _, err := r.Fetch(context.Background(), Cursor{})
	if err == nil || !IsTransient(err) {
		t.Fatalf("rate limit should be transient, got %v", err)
	}
}

func TestFacebookServerErrorIsTransient(t *testing.T) {
	srv := newFacebookTestServer(t, `{}`, http.StatusBadGateway)
	defer srv.Close()

	r := newTestFacebookReader(srv.URL)
	_, _, err := r.Fetch(context.Background(), Cursor{})
	if err == nil || !IsTransient(err) {
		t.Fatalf("502 should be transient, got %v", err)
	}
}

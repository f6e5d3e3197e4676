package processor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPageTextExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req pagetextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.URL != "https://news.example.org/a" || req.MaxChars != pagetextMaxChars {
			t.Errorf("unexpected request payload: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"title":"Headline","text":"Body text"}`))
	}))
	defer srv.Close()

	c := NewPageTextClient(srv.URL)
	got, err := c.Extract(context.Background(), "https://news.example.org/a")
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if got != "Headline\nBody text" {
		t.Fatalf("Extract = %q", got)
	}
}

func TestPageTextExtractWithoutTitle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"text":"Body only"}`))
	}))
	defer srv.Close()

	c := NewPageTextClient(srv.URL)
	got, err := c.Extract(context.Background(), "https://news.example.org/a")
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if got != "Body only" {
		t.Fatalf("Extract = %q", got)
	}
}

func TestPageTextExtractFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false,"error":"empty content"}`))
	}))
	defer srv.Close()

	c := NewPageTextClient(srv.URL)
	if _, err := c.Extract(context.Background(), "https://news.example.org/a"); err == nil {
		t.Fatal("ok=false should be an error")
	}

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv2.Close()

	c2 := NewPageTextClient(srv2.URL)
	if _, err := c2.Extract(context.Background(), "https://news.example.org/a"); err == nil {
		t.Fatal("non-200 should be an error")
	}
}

package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnvWithDefault(t *testing.T) {
	const key = "TEST_WORKER_PORT"

	// 环境变量未设置时，应该返回默认值
	_ = os.Unsetenv(key)
	if got := getEnv(key, "9000"); got != "9000" {
		t.Fatalf("getEnv(%q) = %q, want %q", key, got, "9000")
	}

	// 环境变量设置后，应优先返回环境变量
	if err := os.Setenv(key, "8080"); err != nil {
		t.Fatalf("Setenv error: %v", err)
	}
	defer os.Unsetenv(key)
	if got := getEnv(key, "9000"); got != "8080" {
		t.Fatalf("getEnv(%q) = %q, want %q", key, got, "8080")
	}
}

func TestSplitListTrimsAndDropsEmpty(t *testing.T) {
	got := splitList(" breakingnews, worldnews ,,bbc ")
	want := []string{"breakingnews", "worldnews", "bbc"}
	if len(got) != len(want) {
		t.Fatalf("splitList returned %d items, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitList[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if out := splitList(""); len(out) != 0 {
		t.Fatalf("splitList(\"\") should be empty, got %v", out)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"WORKER_ID", "ENABLED_SOURCES", "POLL_INTERVAL_SECONDS"} {
		_ = os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WorkerID != "worker1" {
		t.Fatalf("WorkerID = %q, want %q", cfg.WorkerID, "worker1")
	}
	if cfg.PollInterval != 300*time.Second {
		t.Fatalf("PollInterval = %v, want %v", cfg.PollInterval, 300*time.Second)
	}
	if len(cfg.EnabledSources) != 3 {
		t.Fatalf("EnabledSources = %v, want all three sources", cfg.EnabledSources)
	}
}

func TestLoadReadsWorkerSettings(t *testing.T) {
	_ = os.Setenv("WORKER_ID", "worker-eu-1")
	_ = os.Setenv("POLL_INTERVAL_SECONDS", "60")
	_ = os.Setenv("ENABLED_SOURCES", "telegram, twitter")
	_ = os.Setenv("TELEGRAM_CHANNELS", "breakingnews,bbc")
	defer func() {
		_ = os.Unsetenv("WORKER_ID")
		_ = os.Unsetenv("POLL_INTERVAL_SECONDS")
		_ = os.Unsetenv("ENABLED_SOURCES")
		_ = os.Unsetenv("TELEGRAM_CHANNELS")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WorkerID != "worker-eu-1" {
		t.Fatalf("WorkerID = %q, want %q", cfg.WorkerID, "worker-eu-1")
	}
	if cfg.PollInterval != time.Minute {
		t.Fatalf("PollInterval = %v, want %v", cfg.PollInterval, time.Minute)
	}
	if len(cfg.EnabledSources) != 2 || cfg.EnabledSources[0] != "telegram" || cfg.EnabledSources[1] != "twitter" {
		t.Fatalf("EnabledSources = %v, want [telegram twitter]", cfg.EnabledSources)
	}
	if len(cfg.TelegramChannels) != 2 {
		t.Fatalf("TelegramChannels = %v, want 2 channels", cfg.TelegramChannels)
	}
}

func TestLoadRejectsMalformedInterval(t *testing.T) {
	_ = os.Setenv("POLL_INTERVAL_SECONDS", "five minutes")
	defer os.Unsetenv("POLL_INTERVAL_SECONDS")

	if _, err := Load(); err == nil {
		t.Fatal("Load should fail on non-numeric POLL_INTERVAL_SECONDS")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			WorkerID:       "worker1",
			EnabledSources: []string{"telegram"},
			PollInterval:   time.Minute,
			PostgresDSN:    "host=localhost",
			OpenAIAPIKey:   "sk-test",
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	// 缺失 LLM 密钥：worker 无法抽取，必须拒绝启动
	c := base()
	c.OpenAIAPIKey = ""
	if err := c.Validate(); err == nil {
		t.Fatal("Validate should fail without OPENAI_API_KEY")
	}

	c = base()
	c.EnabledSources = []string{"telegram", "myspace"}
	if err := c.Validate(); err == nil {
		t.Fatal("Validate should fail on unknown source name")
	}

	c = base()
	c.PollInterval = 0
	if err := c.Validate(); err == nil {
		t.Fatal("Validate should fail on non-positive interval")
	}
}

func TestCheckSource(t *testing.T) {
	cfg := &Config{
		TelegramChannels:    []string{"breakingnews"},
		FacebookAccessToken: "token",
		FacebookPages:       []string{"cnn"},
	}

	if err := cfg.CheckSource("telegram"); err != nil {
		t.Fatalf("telegram with channels should pass: %v", err)
	}
	if err := cfg.CheckSource("facebook"); err != nil {
		t.Fatalf("facebook with token and pages should pass: %v", err)
	}

	// twitter 未配置密钥：该源不可用，但不应影响其它源
	if err := cfg.CheckSource("twitter"); err == nil {
		t.Fatal("twitter without credentials should fail")
	}

	cfg.TwitterAPIKey = "key"
	cfg.TwitterAPISecret = "secret"
	if err := cfg.CheckSource("twitter"); err == nil {
		t.Fatal("twitter without accounts should still fail")
	}
	cfg.TwitterAccounts = []string{"reuters"}
	if err := cfg.CheckSource("twitter"); err != nil {
		t.Fatalf("twitter fully configured should pass: %v", err)
	}

	if err := cfg.CheckSource("rss"); err == nil {
		t.Fatal("unknown source should fail")
	}
}

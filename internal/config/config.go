package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/newstide/newstide/internal/source"
)

type Config struct {
	WorkerID       string
	EnabledSources []string
	PollInterval   time.Duration

	PostgresDSN string
	RedisAddr   string

	OpenAIAPIKey     string
	OpenAIAPIURL     string
	OpenAIModel      string
	OpenAIEmbedModel string

	TelegramChannels []string

	TwitterAPIKey    string
	TwitterAPISecret string
	TwitterAccounts  []string

	FacebookAccessToken string
	FacebookPages       []string

	PageTextURL string

	MetricsAddr string

	AppPort       string
	BasicAuthUser string
	BasicAuthPass string
}

// Load 读取 .env（如存在）与环境变量，返回完整配置。
// 只做解析，不做业务校验；校验见 Validate / CheckSource
func Load() (*Config, error) {
	_ = godotenv.Load()

	interval, err := getEnvInt("POLL_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		WorkerID:       getEnv("WORKER_ID", "worker1"),
		EnabledSources: splitList(getEnv("ENABLED_SOURCES", "telegram,twitter,facebook")),
		PollInterval:   time.Duration(interval) * time.Second,

		PostgresDSN: getEnv("POSTGRES_DSN", "host=localhost user=newstide password=newstide dbname=newstide port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),

		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIAPIURL:     getEnv("OPENAI_API_URL", "https://api.openai.com/v1"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIEmbedModel: getEnv("OPENAI_EMBED_MODEL", ""),

		TelegramChannels: splitList(getEnv("TELEGRAM_CHANNELS", "")),

		TwitterAPIKey:    getEnv("TWITTER_API_KEY", ""),
		TwitterAPISecret: getEnv("TWITTER_API_SECRET", ""),
		TwitterAccounts:  splitList(getEnv("TWITTER_ACCOUNTS", "")),

		FacebookAccessToken: getEnv("FACEBOOK_ACCESS_TOKEN", ""),
		FacebookPages:       splitList(getEnv("FACEBOOK_PAGES", "")),

		PageTextURL: getEnv("PAGETEXT_URL", ""),

		MetricsAddr: getEnv("WORKER_METRICS_ADDR", ":9100"),

		AppPort:       getEnv("APP_PORT", "8080"),
		BasicAuthUser: getEnv("APP_BASIC_USER", ""),
		BasicAuthPass: getEnv("APP_BASIC_PASS", ""),
	}

	return cfg, nil
}

// Validate 校验 worker 进程的全局必填项，失败即启动失败
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if len(c.EnabledSources) == 0 {
		return fmt.Errorf("ENABLED_SOURCES is empty")
	}

	known := source.Known()
	for _, name := range c.EnabledSources {
		ok := false
		for _, k := range known {
			if name == k {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unknown source %q in ENABLED_SOURCES", name)
		}
	}
	return nil
}

// CheckSource 检查某个源的凭证是否齐全；返回的错误说明该源为何不可用
func (c *Config) CheckSource(name string) error {
	switch name {
	case source.Telegram:
		if len(c.TelegramChannels) == 0 {
			return fmt.Errorf("telegram: TELEGRAM_CHANNELS is required")
		}
	case source.Twitter:
		if c.TwitterAPIKey == "" || c.TwitterAPISecret == "" {
			return fmt.Errorf("twitter: TWITTER_API_KEY / TWITTER_API_SECRET are required")
		}
		if len(c.TwitterAccounts) == 0 {
			return fmt.Errorf("twitter: TWITTER_ACCOUNTS is required")
		}
	case source.Facebook:
		if c.FacebookAccessToken == "" {
			return fmt.Errorf("facebook: FACEBOOK_ACCESS_TOKEN is required")
		}
		if len(c.FacebookPages) == 0 {
			return fmt.Errorf("facebook: FACEBOOK_PAGES is required")
		}
	default:
		return fmt.Errorf("unknown source %q", name)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

// splitList 解析逗号分隔的列表，去掉空白项
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 支持的平台名，与 ENABLED_SOURCES 中的取值一致
const (
	Telegram = "telegram"
	Twitter  = "twitter"
	Facebook = "facebook"
)

// Known 返回全部支持的平台名
func Known() []string {
	return []string{Telegram, Twitter, Facebook}
}

// RawMessage 从平台拉取到的原始消息，进入流水线后不再修改
type RawMessage struct {
	Source     string
	ExternalID string
	Channel    string
	Author     string
	Text       string
	URL        string
	PostedAt   time.Time
	Media      []string
	Metadata   map[string]any
}

// Cursor 记录每个 channel/账号/页面已读到的位置，取值格式只对所属平台的 Reader 有意义
type Cursor map[string]string

// Clone 返回副本，避免调用方与读取器共享底层 map
func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Reader 抽象每一个平台数据源。
// Fetch 返回自 cur 之后的消息（每个 channel 内按时间升序）与新游标；
// 返回错误时游标不得前进，同一窗口下一轮重试。
type Reader interface {
	Name() string
	Fetch(ctx context.Context, cur Cursor) ([]RawMessage, Cursor, error)
}

// TransientError 表示限流/网络类临时失败：下一轮用同一游标重试，不丢数据
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient 将 err 标记为临时失败
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf 构造带格式化消息的临时失败
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient 判断错误链中是否存在 TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConfigError 表示凭证/配置类失败：该源在本进程内被禁用，不再重试
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// BadConfig 将 err 标记为配置失败
func BadConfig(err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Err: err}
}

// BadConfigf 构造带格式化消息的配置失败
func BadConfigf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// IsBadConfig 判断错误链中是否存在 ConfigError
func IsBadConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// wrapStatus 按 HTTP 状态码归类抓取失败：401/403 视为配置失败，其余按临时失败处理
func wrapStatus(platform string, status int) error {
	if status == 401 || status == 403 {
		return BadConfigf("%s: unexpected status %d", platform, status)
	}
	return Transientf("%s: unexpected status %d", platform, status)
}

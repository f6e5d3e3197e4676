package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New 创建带 service 字段的 JSON 结构化日志器，级别由 LOG_LEVEL 控制（默认 info）
func New(service string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return l.WithField("service", service)
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/newstide/newstide/internal/config"
	"github.com/newstide/newstide/internal/llm"
	"github.com/newstide/newstide/internal/logging"
	"github.com/newstide/newstide/internal/metrics"
	"github.com/newstide/newstide/internal/processor"
	"github.com/newstide/newstide/internal/scheduler"
	"github.com/newstide/newstide/internal/source"
	"github.com/newstide/newstide/internal/storage"
)

func main() {
	log := logging.New("worker")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config failed")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr, log)
	if err != nil {
		log.WithError(err).Fatal("init store failed")
	}

	readers := buildReaders(cfg, store, log)
	if len(readers) == 0 {
		log.Fatal("no usable sources, check credentials")
	}

	client := llm.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIEmbedModel, cfg.OpenAIAPIURL)
	var embedder llm.Embedder
	if cfg.OpenAIEmbedModel != "" {
		embedder = client
	}
	var pagetext *processor.PageTextClient
	if cfg.PageTextURL != "" {
		pagetext = processor.NewPageTextClient(cfg.PageTextURL)
	}

	proc := processor.New(client, embedder, pagetext, log)
	dedup := processor.NewDeduper(store, log)
	m := metrics.New(prometheus.DefaultRegisterer)

	w, err := scheduler.New(cfg.WorkerID, cfg.PollInterval, readers, proc, dedup, store, m, log)
	if err != nil {
		log.WithError(err).Fatal("init worker failed")
	}

	// 指标与健康检查端口，和查询 API 分开部署
	go serveMetrics(cfg.MetricsAddr, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.Start(ctx)
	log.WithFields(logrus.Fields{
		"workerId": cfg.WorkerID,
		"interval": cfg.PollInterval.String(),
		"sources":  len(readers),
	}).Info("worker started")

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	select {
	case <-w.Stop():
		log.Info("worker drained")
	case <-time.After(30 * time.Second):
		log.Warn("drain timed out, exiting anyway")
	}
}

// buildReaders 按配置构建各源读取器；缺少凭证的源登记禁用后跳过
func buildReaders(cfg *config.Config, store *storage.Store, log *logrus.Entry) []source.Reader {
	var readers []source.Reader
	for _, name := range cfg.EnabledSources {
		if err := store.EnsureSourceState(name); err != nil {
			log.WithError(err).WithField("source", name).Warn("ensure source state failed")
		}
		if err := cfg.CheckSource(name); err != nil {
			log.WithError(err).WithField("source", name).Error("source not usable, disabled")
			if derr := store.DisableSource(context.Background(), name, err); derr != nil {
				log.WithError(derr).Warn("persist disabled state failed")
			}
			continue
		}
		switch name {
		case source.Telegram:
			readers = append(readers, source.NewTelegramReader(cfg.TelegramChannels, log))
		case source.Twitter:
			readers = append(readers, source.NewTwitterReader(cfg.TwitterAPIKey, cfg.TwitterAPISecret, cfg.TwitterAccounts, log))
		case source.Facebook:
			readers = append(readers, source.NewFacebookReader(cfg.FacebookAccessToken, cfg.FacebookPages, log))
		}
	}
	return readers
}

func serveMetrics(addr string, log *logrus.Entry) {
	gin.SetMode(gin.ReleaseMode)
	// 指标端口不挂访问日志
	r := gin.New()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.WithField("addr", addr).Info("metrics server listening")
	if err := r.Run(addr); err != nil {
		log.WithError(err).Error("metrics server exit")
	}
}

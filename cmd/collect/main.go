package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
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

// 一个仅执行一轮轮询的命令行入口：适合手动触发或排查单个源
func main() {
	var (
		only   = flag.String("source", "", "only poll this source (telegram/twitter/facebook)")
		dryRun = flag.Bool("dry-run", false, "print extracted items instead of writing them")
	)
	flag.Parse()

	log := logging.New("collect")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config failed")
	}
	if *only != "" {
		cfg.EnabledSources = []string{*only}
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr, log)
	if err != nil {
		log.WithError(err).Fatal("init store failed")
	}

	readers := buildReaders(cfg, log)
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

	var st scheduler.Storage = store
	if *dryRun {
		st = &dryRunStore{Store: store}
	}

	// 一次性运行，指标不对外暴露，用独立注册表即可
	m := metrics.New(prometheus.NewRegistry())

	w, err := scheduler.New(cfg.WorkerID, cfg.PollInterval, readers, proc, dedup, st, m, log)
	if err != nil {
		log.WithError(err).Fatal("init worker failed")
	}

	// 只执行一轮后退出
	w.RunOnce(context.Background())
}

func buildReaders(cfg *config.Config, log *logrus.Entry) []source.Reader {
	var readers []source.Reader
	for _, name := range cfg.EnabledSources {
		if err := cfg.CheckSource(name); err != nil {
			log.WithError(err).WithField("source", name).Error("source not usable, skipped")
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

// dryRunStore 干跑模式：游标照常读取但不推进，条目打印到标准输出而不入库
type dryRunStore struct {
	*storage.Store
}

func (d *dryRunStore) UpsertNewsItem(_ context.Context, item processor.NewsItem) (string, error) {
	// 向量太长，干跑输出不打印
	item.Embedding = nil
	bs, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return "", err
	}
	fmt.Println(string(bs))
	return "dry-run", nil
}

func (d *dryRunStore) SaveCursor(context.Context, string, string, source.Cursor) error { return nil }

func (d *dryRunStore) MarkSourcePolled(context.Context, string, error) error { return nil }

func (d *dryRunStore) DisableSource(context.Context, string, error) error { return nil }

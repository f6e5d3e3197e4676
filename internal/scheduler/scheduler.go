package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/newstide/newstide/internal/metrics"
	"github.com/newstide/newstide/internal/processor"
	"github.com/newstide/newstide/internal/source"
)

// Storage 聚合 Worker 所需的持久化操作，便于测试替换
type Storage interface {
	LoadCursor(ctx context.Context, workerID, src string) (source.Cursor, error)
	SaveCursor(ctx context.Context, workerID, src string, cur source.Cursor) error
	UpsertNewsItem(ctx context.Context, item processor.NewsItem) (string, error)
	MarkSourcePolled(ctx context.Context, src string, pollErr error) error
	DisableSource(ctx context.Context, src string, cause error) error
}

type Worker struct {
	workerID string
	cron     *cron.Cron
	readers  []source.Reader
	proc     *processor.Processor
	dedup    *processor.Deduper
	store    Storage
	metrics  *metrics.Metrics
	log      *logrus.Entry

	ctx        context.Context
	startTimer *time.Timer
	wg         sync.WaitGroup

	mu       sync.Mutex
	disabled map[string]bool
}

func New(workerID string, interval time.Duration, readers []source.Reader, proc *processor.Processor, dedup *processor.Deduper, store Storage, m *metrics.Metrics, log *logrus.Entry) (*Worker, error) {
	c := cron.New()

	w := &Worker{
		workerID: workerID,
		cron:     c,
		readers:  readers,
		proc:     proc,
		dedup:    dedup,
		store:    store,
		metrics:  m,
		log:      log,
		disabled: make(map[string]bool),
	}

	_, err := c.AddFunc("@every "+interval.String(), w.runCycle)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// Start 启动定时轮询。首轮延迟数秒执行，等依赖服务就绪
func (w *Worker) Start(ctx context.Context) {
	w.ctx = ctx
	w.cron.Start()
	const startupDelay = 5 * time.Second
	w.startTimer = time.AfterFunc(startupDelay, w.runCycle)
}

// Stop 停止定时器并返回排空信号；进行中的轮询在条目边界退出后关闭
func (w *Worker) Stop() <-chan struct{} {
	if w.startTimer != nil {
		w.startTimer.Stop()
	}
	w.cron.Stop()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	return done
}

// RunOnce 单次执行全部源的轮询，供手动触发使用
func (w *Worker) RunOnce(ctx context.Context) {
	w.ctx = ctx
	w.runCycle()
}

func (w *Worker) runCycle() {
	if w.ctx == nil || w.ctx.Err() != nil {
		return
	}
	w.wg.Add(1)
	defer w.wg.Done()

	w.log.Info("start poll cycle")
	start := time.Now()

	var wg sync.WaitGroup
	for _, r := range w.readers {
		reader := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pollSource(w.ctx, reader)
		}()
	}
	wg.Wait()

	w.log.WithField("elapsed", time.Since(start).String()).Info("poll cycle done (all sources)")
}

func (w *Worker) pollSource(ctx context.Context, reader source.Reader) {
	name := reader.Name()
	if w.isDisabled(name) {
		return
	}

	log := w.log.WithField("source", name)
	start := time.Now()
	defer func() {
		w.metrics.CycleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	cur, err := w.store.LoadCursor(ctx, w.workerID, name)
	if err != nil {
		log.WithError(err).Error("load cursor failed")
		w.metrics.StageErrors.WithLabelValues(name, metrics.StageCursor).Inc()
		return
	}

	msgs, next, err := reader.Fetch(ctx, cur)
	if err != nil {
		w.metrics.StageErrors.WithLabelValues(name, metrics.StageFetch).Inc()
		if source.IsBadConfig(err) {
			// 凭证类错误重试无意义，停用该源直到配置修复后重启
			log.WithError(err).Error("source misconfigured, disabling")
			w.disable(name)
			if derr := w.store.DisableSource(ctx, name, err); derr != nil {
				log.WithError(derr).Warn("persist disabled state failed")
			}
			return
		}
		// 瞬时错误：游标不动，下轮整批重拉
		log.WithError(err).Warn("fetch failed, will retry next cycle")
		if merr := w.store.MarkSourcePolled(ctx, name, err); merr != nil {
			log.WithError(merr).Warn("mark source polled failed")
		}
		return
	}

	w.metrics.MessagesFetched.WithLabelValues(name).Add(float64(len(msgs)))

	var items []*processor.NewsItem
	for _, msg := range msgs {
		// 在条目边界响应停止信号；游标不保存，本批消息下轮重投
		if ctx.Err() != nil {
			log.Info("shutdown requested, abandoning cycle")
			return
		}
		item, perr := w.proc.Process(ctx, msg)
		if perr != nil {
			log.WithError(perr).WithField("externalId", msg.ExternalID).Warn("extract failed, message skipped")
			w.metrics.StageErrors.WithLabelValues(name, metrics.StageExtract).Inc()
			continue
		}
		if item == nil {
			continue
		}
		items = append(items, item)
		w.metrics.ItemsExtracted.WithLabelValues(name).Inc()
	}

	before := len(items)
	items = w.dedup.Filter(ctx, items)
	if skipped := before - len(items); skipped > 0 {
		w.metrics.DuplicatesSkipped.WithLabelValues(name).Add(float64(skipped))
	}

	stored := 0
	for _, item := range items {
		if ctx.Err() != nil {
			log.Info("shutdown requested, abandoning cycle")
			return
		}
		if _, serr := w.store.UpsertNewsItem(ctx, *item); serr != nil {
			// 单条失败不拖累同批其他条目；该条丢弃，等同源重发
			log.WithError(serr).WithField("sourceId", item.SourceID).Error("store failed, item dropped")
			w.metrics.StageErrors.WithLabelValues(name, metrics.StageStore).Inc()
			continue
		}
		stored++
		w.metrics.ItemsStored.WithLabelValues(name).Inc()
	}

	if err := w.store.SaveCursor(ctx, w.workerID, name, next); err != nil {
		log.WithError(err).Error("save cursor failed, batch may repeat next cycle")
		w.metrics.StageErrors.WithLabelValues(name, metrics.StageCursor).Inc()
	}
	if err := w.store.MarkSourcePolled(ctx, name, nil); err != nil {
		log.WithError(err).Warn("mark source polled failed")
	}

	log.WithFields(logrus.Fields{
		"messages": len(msgs),
		"stored":   stored,
	}).Info("poll done")
}

func (w *Worker) isDisabled(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disabled[name]
}

func (w *Worker) disable(name string) {
	w.mu.Lock()
	w.disabled[name] = true
	w.mu.Unlock()
}

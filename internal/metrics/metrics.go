package metrics

import "github.com/prometheus/client_golang/prometheus"

// 各阶段标签值，对应 StageErrors 的 stage 维度
const (
	StageFetch   = "fetch"
	StageExtract = "extract"
	StageStore   = "store"
	StageCursor  = "cursor"
)

// Metrics 汇总 worker 各阶段的计数与耗时
type Metrics struct {
	MessagesFetched   *prometheus.CounterVec
	ItemsExtracted    *prometheus.CounterVec
	ItemsStored       *prometheus.CounterVec
	DuplicatesSkipped *prometheus.CounterVec
	StageErrors       *prometheus.CounterVec
	CycleDuration     *prometheus.HistogramVec
}

// New 创建并注册指标；测试应传入独立的 Registry 避免重复注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newstide_messages_fetched_total",
			Help: "Raw messages fetched from each source.",
		}, []string{"source"}),
		ItemsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newstide_items_extracted_total",
			Help: "Messages classified as news.",
		}, []string{"source"}),
		ItemsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newstide_items_stored_total",
			Help: "News items written to storage.",
		}, []string{"source"}),
		DuplicatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newstide_duplicates_skipped_total",
			Help: "Items dropped by deduplication.",
		}, []string{"source"}),
		StageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newstide_stage_errors_total",
			Help: "Errors per source and pipeline stage.",
		}, []string{"source", "stage"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newstide_cycle_duration_seconds",
			Help:    "Per-source poll cycle duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
	}

	reg.MustRegister(
		m.MessagesFetched,
		m.ItemsExtracted,
		m.ItemsStored,
		m.DuplicatesSkipped,
		m.StageErrors,
		m.CycleDuration,
	)
	return m
}

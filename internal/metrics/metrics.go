// ============================================================================
// Beaver-Query Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露查詢執行核心的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - beaver_query_submissions_total{queue}: 准入成功的提交數
//      - beaver_query_rejections_total{queue,reason}: 被拒絕的提交數，reason 為錯誤代碼
//      - beaver_query_executions_total{queue,status}: 結束的執行數（COMPLETED/FAILED/TIMEOUT/CANCELLED）
//      - beaver_query_cache_requests_total{result}: 快取查詢（hit/miss）
//
//   2. 分佈 (Histogram):
//      - beaver_query_execution_duration_seconds{queue}: 取出到結束的耗時
//      - beaver_query_node_duration_seconds{kind,status}: 單一節點的耗時
//
//   3. 狀態 (Gauge):
//      - beaver_query_queue_depth{queue}
//      - beaver_query_active_workers{queue}
//      - beaver_query_backpressure_enabled{queue}: 1 表示背壓開啟
//      - beaver_query_recovery_time_seconds: 最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每個佇列的拒絕率
//   sum by (queue) (rate(beaver_query_rejections_total[5m]))
//     / (sum by (queue) (rate(beaver_query_submissions_total[5m])) + sum by (queue) (rate(beaver_query_rejections_total[5m])))
//
//   # 95 分位執行耗時
//   histogram_quantile(0.95, sum by (le, queue) (rate(beaver_query_execution_duration_seconds_bucket[5m])))
//
//   # 快取命中率
//   rate(beaver_query_cache_requests_total{result="hit"}[5m]) / rate(beaver_query_cache_requests_total[5m])
//
// Collector 同時實作 scheduler.Observer 與 executor.Observer。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-query/pkg/types"
)

const namespace = "beaver_query"

// Collector Prometheus 指標收集器
type Collector struct {
	submissions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	executions  *prometheus.CounterVec
	cache       *prometheus.CounterVec

	execDuration *prometheus.HistogramVec
	nodeDuration *prometheus.HistogramVec

	queueDepth    *prometheus.GaugeVec
	activeWorkers *prometheus.GaugeVec
	backpressure  *prometheus.GaugeVec
	recoveryTime  prometheus.Gauge
}

// NewCollector 建立收集器並註冊到 reg；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of admitted query submissions.",
		}, []string{"queue"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Total number of rejected query submissions by reason.",
		}, []string{"queue", "reason"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished executions by terminal status.",
		}, []string{"queue", "status"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Query cache lookups by result.",
		}, []string{"result"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from dequeue to completion.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "DAG node execution latency.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind", "status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Executions waiting for a worker.",
		}, []string{"queue"}),
		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently holding an execution.",
		}, []string{"queue"}),
		backpressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_enabled",
			Help:      "1 when the queue rejects new submissions because of backpressure.",
		}, []string{"queue"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery.",
		}),
	}

	reg.MustRegister(
		c.submissions, c.rejections, c.executions, c.cache,
		c.execDuration, c.nodeDuration,
		c.queueDepth, c.activeWorkers, c.backpressure, c.recoveryTime,
	)
	return c
}

// ObserveSubmit 記錄一次提交結果
func (c *Collector) ObserveSubmit(queue types.QueueName, err error) {
	if err == nil {
		c.submissions.WithLabelValues(string(queue)).Inc()
		return
	}
	reason := string(types.CodeOf(err))
	if reason == "" {
		reason = "internal"
	}
	c.rejections.WithLabelValues(string(queue), reason).Inc()
}

// ObserveFinish 記錄執行結束
func (c *Collector) ObserveFinish(queue types.QueueName, status types.ExecutionStatus, elapsed time.Duration) {
	c.executions.WithLabelValues(string(queue), string(status)).Inc()
	if elapsed > 0 {
		c.execDuration.WithLabelValues(string(queue)).Observe(elapsed.Seconds())
	}
}

// ObservePool 更新佇列狀態
func (c *Collector) ObservePool(stats types.WorkerPoolStats) {
	q := string(stats.Queue)
	c.queueDepth.WithLabelValues(q).Set(float64(stats.QueueDepth))
	c.activeWorkers.WithLabelValues(q).Set(float64(stats.ActiveWorkers))
	bp := 0.0
	if stats.Backpressure.Enabled {
		bp = 1
	}
	c.backpressure.WithLabelValues(q).Set(bp)
}

// ObserveNode 記錄單一節點耗時
func (c *Collector) ObserveNode(kind types.NodeKind, status types.NodeStatus, latency time.Duration) {
	c.nodeDuration.WithLabelValues(string(kind), string(status)).Observe(latency.Seconds())
}

// RecordCacheHit 快取命中
func (c *Collector) RecordCacheHit() { c.cache.WithLabelValues("hit").Inc() }

// RecordCacheMiss 快取未命中
func (c *Collector) RecordCacheMiss() { c.cache.WithLabelValues("miss").Inc() }

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Handler /metrics 的 HTTP handler；g 為 nil 時使用 prometheus.DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，ctx 結束時關閉
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

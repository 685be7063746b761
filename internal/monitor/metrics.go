package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 指标收集器
type Metrics struct {
	feedConnected   prometheus.Gauge
	feedReconnects  prometheus.Counter
	feedEvents      *prometheus.CounterVec
	signals         *prometheus.CounterVec
	signalsDropped  *prometheus.CounterVec
	routerQueue     prometheus.Gauge
	routerPaused    prometheus.Gauge
	orders          *prometheus.CounterVec
	orderLatency    prometheus.Histogram
	riskMode        prometheus.Gauge
	equity          *prometheus.GaugeVec
	drawdown        prometheus.Gauge
	contextVersion  prometheus.Gauge
	hotSwaps        *prometheus.CounterVec
	natsConnected   prometheus.Gauge
	cacheHitTotal   *prometheus.CounterVec
	cacheMissTotal  *prometheus.CounterVec
	batchWriteSize  prometheus.Histogram
	batchWriteSecs  prometheus.Histogram
	batchQueueFull  prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		feedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "私有 WebSocket 是否已认证 (1/0)",
		}),
		feedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_reconnects_total",
			Help:      "WebSocket 重连次数",
		}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "按 topic 统计的 feed 事件",
		}, []string{"topic"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "生成的交易信号",
		}, []string{"type", "source"}),
		signalsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_dropped_total",
			Help:      "丢弃的信号（按原因）",
		}, []string{"reason"}),
		routerQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_queue_size",
			Help:      "信号处理队列长度",
		}),
		routerPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_paused",
			Help:      "信号路由是否暂停 (1/0)",
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "复制下单（按结果）",
		}, []string{"status"}),
		orderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_latency_seconds",
			Help:      "下单耗时分布",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		riskMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_mode",
			Help:      "0=NORMAL 1=RECOVERY 2=EMERGENCY",
		}),
		equity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "account_equity",
			Help:      "账户权益",
		}, []string{"account"}),
		drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "target_drawdown",
			Help:      "target 账户总回撤",
		}),
		contextVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "context_version",
			Help:      "当前上下文版本",
		}),
		hotSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hot_swaps_total",
			Help:      "凭证热切换次数",
		}, []string{"result"}),
		natsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nats_connected",
			Help:      "NATS connection status (1=connected, 0=disconnected)",
		}),
		cacheHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hit_total",
			Help:      "缓存命中总数（按缓存类型）",
		}, []string{"cache_type"}),
		cacheMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_miss_total",
			Help:      "缓存未命中总数（按缓存类型）",
		}, []string{"cache_type"}),
		batchWriteSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_write_size",
			Help:      "批量写入大小分布",
			Buckets:   []float64{1, 10, 25, 50, 100, 200, 500},
		}),
		batchWriteSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_write_duration_seconds",
			Help:      "批量写入耗时分布（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		batchQueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_queue_full_total",
			Help:      "批量写入队列满的次数",
		}),
	}

	prometheus.MustRegister(
		m.feedConnected,
		m.feedReconnects,
		m.feedEvents,
		m.signals,
		m.signalsDropped,
		m.routerQueue,
		m.routerPaused,
		m.orders,
		m.orderLatency,
		m.riskMode,
		m.equity,
		m.drawdown,
		m.contextVersion,
		m.hotSwaps,
		m.natsConnected,
		m.cacheHitTotal,
		m.cacheMissTotal,
		m.batchWriteSize,
		m.batchWriteSecs,
		m.batchQueueFull,
	)
	return m
}

func boolGauge(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

func (m *Metrics) SetFeedConnected(v bool)         { boolGauge(m.feedConnected, v) }
func (m *Metrics) IncFeedReconnect()               { m.feedReconnects.Inc() }
func (m *Metrics) IncFeedEvent(topic string)       { m.feedEvents.WithLabelValues(topic).Inc() }
func (m *Metrics) IncSignal(typ, source string)    { m.signals.WithLabelValues(typ, source).Inc() }
func (m *Metrics) IncSignalDropped(reason string)  { m.signalsDropped.WithLabelValues(reason).Inc() }
func (m *Metrics) SetRouterQueue(n int)            { m.routerQueue.Set(float64(n)) }
func (m *Metrics) SetRouterPaused(v bool)          { boolGauge(m.routerPaused, v) }
func (m *Metrics) IncOrder(status string)          { m.orders.WithLabelValues(status).Inc() }
func (m *Metrics) ObserveOrderLatency(sec float64) { m.orderLatency.Observe(sec) }
func (m *Metrics) SetRiskMode(mode int)            { m.riskMode.Set(float64(mode)) }
func (m *Metrics) SetEquity(account string, v float64) {
	m.equity.WithLabelValues(account).Set(v)
}
func (m *Metrics) SetDrawdown(v float64)        { m.drawdown.Set(v) }
func (m *Metrics) SetContextVersion(v int64)    { m.contextVersion.Set(float64(v)) }
func (m *Metrics) IncHotSwap(result string)     { m.hotSwaps.WithLabelValues(result).Inc() }
func (m *Metrics) SetNATSConnected(v bool)      { boolGauge(m.natsConnected, v) }
func (m *Metrics) IncCacheHit(cacheType string) { m.cacheHitTotal.WithLabelValues(cacheType).Inc() }
func (m *Metrics) IncCacheMiss(cacheType string) {
	m.cacheMissTotal.WithLabelValues(cacheType).Inc()
}
func (m *Metrics) ObserveBatchWriteSize(n int)         { m.batchWriteSize.Observe(float64(n)) }
func (m *Metrics) ObserveBatchWriteDuration(s float64) { m.batchWriteSecs.Observe(s) }
func (m *Metrics) IncBatchQueueFull()                  { m.batchQueueFull.Inc() }

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics 全局指标收集器
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics("copy_bot")
	})
	return globalMetrics
}

package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor 下单管线的 Prometheus 指标。所有方法对 nil 接收者安全。
type Monitor struct {
	registry *prometheus.Registry

	// 订单
	orders        *prometheus.CounterVec // status
	submitRetries prometheus.Counter
	duplicates    prometheus.Counter
	ignored       prometheus.Counter
	conflicts     prometheus.Counter

	// 成交与持仓
	tradesTotal   prometheus.Counter
	tradedVolume  prometheus.Counter
	position      *prometheus.GaugeVec // account, symbol
	unrealizedPnL *prometheus.GaugeVec // account
	realizedPnL   *prometheus.GaugeVec // account

	// 风控
	riskDenials *prometheus.CounterVec // rule

	// 策略
	activeRuns     prometheus.Gauge
	strategyFaults *prometheus.CounterVec // strategy

	// 事件
	eventsDropped *prometheus.CounterVec // subscriber

	// 券商
	brokerRequests *prometheus.CounterVec   // venue, op
	brokerErrors   *prometheus.CounterVec   // venue, op, kind
	brokerLatency  *prometheus.HistogramVec // venue, op
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "algo",
		Subsystem: "trading",
	}
}

// New 创建新的Monitor实例，使用独立 registry
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}, labels)
	}

	return &Monitor{
		registry:      reg,
		orders:        counterVec("orders_total", "按状态统计的订单转换次数", "status"),
		submitRetries: counter("submit_retries_total", "下单重试次数"),
		duplicates:    counter("duplicate_intents_total", "被去重的重复意图"),
		ignored:       counter("ignored_updates_total", "终态订单上被忽略的券商回报"),
		conflicts:     counter("reconcile_conflicts_total", "对账冲突次数"),
		tradesTotal:   counter("trades_total", "成交笔数总数"),
		tradedVolume:  counter("traded_volume_total", "累计成交量"),
		position:      gaugeVec("position", "当前净仓位", "account", "symbol"),
		unrealizedPnL: gaugeVec("unrealized_pnl", "未实现盈亏", "account"),
		realizedPnL:   gaugeVec("realized_pnl", "当日已实现盈亏", "account"),
		riskDenials:   counterVec("risk_denials_total", "风控拒绝次数", "rule"),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "active_runs", Help: "运行中的策略数",
		}),
		strategyFaults: counterVec("strategy_faults_total", "策略执行故障（panic/超时）", "strategy"),
		eventsDropped:  counterVec("events_dropped_total", "订阅者缓冲满被丢弃的事件", "subscriber"),
		brokerRequests: counterVec("broker_requests_total", "券商请求总数", "venue", "op"),
		brokerErrors:   counterVec("broker_errors_total", "券商错误总数", "venue", "op", "kind"),
		brokerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name: "broker_latency_seconds", Help: "券商请求延迟（秒）",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"venue", "op"}),
	}
}

// 订单
func (m *Monitor) RecordOrderStatus(status string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(status).Inc()
}

func (m *Monitor) RecordSubmitRetry() {
	if m == nil {
		return
	}
	m.submitRetries.Inc()
}

func (m *Monitor) RecordDuplicateIntent() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Monitor) RecordIgnoredUpdate() {
	if m == nil {
		return
	}
	m.ignored.Inc()
}

func (m *Monitor) RecordReconcileConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// 成交与持仓
func (m *Monitor) RecordTrade(volume float64) {
	if m == nil {
		return
	}
	m.tradesTotal.Inc()
	m.tradedVolume.Add(volume)
}

func (m *Monitor) UpdatePosition(account, symbol string, qty float64) {
	if m == nil {
		return
	}
	m.position.WithLabelValues(account, symbol).Set(qty)
}

func (m *Monitor) UpdateUnrealizedPnL(account string, v float64) {
	if m == nil {
		return
	}
	m.unrealizedPnL.WithLabelValues(account).Set(v)
}

func (m *Monitor) UpdateRealizedPnL(account string, v float64) {
	if m == nil {
		return
	}
	m.realizedPnL.WithLabelValues(account).Set(v)
}

// 风控
func (m *Monitor) RecordRiskDenial(rule string) {
	if m == nil {
		return
	}
	m.riskDenials.WithLabelValues(rule).Inc()
}

// 策略
func (m *Monitor) SetActiveRuns(n int) {
	if m == nil {
		return
	}
	m.activeRuns.Set(float64(n))
}

func (m *Monitor) RecordStrategyFault(strategy string) {
	if m == nil {
		return
	}
	m.strategyFaults.WithLabelValues(strategy).Inc()
}

// 事件
func (m *Monitor) RecordEventDropped(subscriber string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(subscriber).Inc()
}

// 券商
func (m *Monitor) RecordBrokerRequest(venue, op string) {
	if m == nil {
		return
	}
	m.brokerRequests.WithLabelValues(venue, op).Inc()
}

func (m *Monitor) RecordBrokerError(venue, op, kind string) {
	if m == nil {
		return
	}
	m.brokerErrors.WithLabelValues(venue, op, kind).Inc()
}

func (m *Monitor) RecordBrokerLatency(venue, op string, seconds float64) {
	if m == nil {
		return
	}
	m.brokerLatency.WithLabelValues(venue, op).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

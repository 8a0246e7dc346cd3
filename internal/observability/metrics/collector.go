// Package metrics 基于 Prometheus 收集插件运行时、摄取流水线与管理接口的指标。
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"OpenPlugin-Server/internal/errorsink"
	"OpenPlugin-Server/pkg/logger"
)

// DefaultNamespace 是指标名前缀。
const DefaultNamespace = "pluginsd"

// Collector 指标收集器，实现 runtime.Metrics。
type Collector struct {
	registry *prometheus.Registry

	// 插件调用
	callsTotal    *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	liveInstances *prometheus.GaugeVec

	// 事件与 reload
	eventsTotal   *prometheus.CounterVec
	reloadsTotal  *prometheus.CounterVec
	retiredTotal  prometheus.Counter
	ingestedTotal *prometheus.CounterVec

	// 管理接口
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	log *slog.Logger
}

// NewCollector 在独立的 registry 上注册全部指标。namespace 为空时使用 DefaultNamespace。
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{registry: reg, log: logger.Named("metrics")}

	c.callsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_calls_total",
			Help:      "Total number of plugin hook invocations",
		},
		[]string{"stage", "status"},
	)
	c.callDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_call_duration_seconds",
			Help:      "Plugin hook duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"stage"},
	)
	c.transitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_state_transitions_total",
			Help:      "Total number of plugin instance state transitions",
		},
		[]string{"from", "to"},
	)
	c.liveInstances = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_live_instances",
			Help:      "Number of plugin instances held by each worker",
		},
		[]string{"worker"},
	)
	c.eventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events run through the plugin pipeline",
		},
		[]string{"outcome"},
	)
	c.reloadsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_reloads_total",
			Help:      "Total number of per-worker plugin reloads",
		},
		[]string{"status"},
	)
	c.retiredTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_instances_retired_total",
			Help:      "Total number of plugin instances retired by reloads",
		},
	)
	c.ingestedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Total number of queue messages consumed by the ingest processor",
		},
		[]string{"outcome"},
	)
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of admin HTTP requests",
		},
		[]string{"handler", "method", "code"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
	return c
}

// Registry 返回底层 registry，供健康检查等组件注册额外指标。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveCall 记录一次插件钩子调用。
func (c *Collector) ObserveCall(stage errorsink.Stage, status string, duration time.Duration) {
	c.callsTotal.WithLabelValues(string(stage), status).Inc()
	c.callDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
}

// ObserveTransition 记录一次实例状态迁移。
func (c *Collector) ObserveTransition(from, to string) {
	c.transitions.WithLabelValues(from, to).Inc()
}

// ObserveEvent 记录事件流水线的结果。
func (c *Collector) ObserveEvent(outcome string) {
	c.eventsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReload 记录单个 worker 的 reload。
func (c *Collector) ObserveReload(retired int, err error) {
	if err != nil {
		c.reloadsTotal.WithLabelValues("error").Inc()
		return
	}
	c.reloadsTotal.WithLabelValues("ok").Inc()
	c.retiredTotal.Add(float64(retired))
}

// SetLiveInstances 更新 worker 持有的实例数。
func (c *Collector) SetLiveInstances(worker int, count int) {
	c.liveInstances.WithLabelValues(strconv.Itoa(worker)).Set(float64(count))
}

// ObserveIngest 记录摄取处理器消费一条消息的结果。
func (c *Collector) ObserveIngest(outcome string) {
	c.ingestedTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest 记录一次管理接口请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(c.log.Handler(), slog.LevelError),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

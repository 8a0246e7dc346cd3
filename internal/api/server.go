package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"

	xerrors "OpenPlugin-Server/internal/errors"
	"OpenPlugin-Server/internal/observability/metrics"
	"OpenPlugin-Server/internal/runtime"
	"OpenPlugin-Server/pkg/logger"
	"OpenPlugin-Server/pkg/plugin"
)

const maxEventBytes = 1 << 20

// Host 是管理接口依赖的宿主能力，*runtime.Host 实现该接口。
type Host interface {
	Submit(ctx context.Context, event *plugin.Event) (*plugin.Event, error)
	BroadcastReload(ctx context.Context) error
	Stats() runtime.Stats
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	host            Host
	collector       *metrics.Collector
	health          healthcheck.Handler
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithCollector 挂载 /metrics，并将请求与健康检查结果计入该收集器。
func WithCollector(c *metrics.Collector, namespace string) Option {
	return func(s *Server) {
		s.collector = c
		if c != nil {
			s.health = healthcheck.NewMetricsHandler(c.Registry(), namespace)
		}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, host Host, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		host:            host,
		health:          healthcheck.NewHandler(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	s.health.AddReadinessCheck("plugin-host", func() error {
		if host.Stats().Stopping {
			return errors.New("plugin host is stopping")
		}
		return nil
	})
	return s
}

// AddReadinessCheck 注册额外的就绪检查，例如数据库或 Redis 连通性。
func (s *Server) AddReadinessCheck(name string, check healthcheck.Check) {
	s.health.AddReadinessCheck(name, check)
}

// Handler 返回路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/reload", s.instrument("reload", s.handleReload))
	mux.Handle("POST /api/v1/events", s.instrument("events", s.handleSubmitEvent))
	mux.Handle("GET /api/v1/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("GET /live", s.health.LiveEndpoint)
	mux.HandleFunc("GET /ready", s.health.ReadyEndpoint)
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("管理接口已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.host.BroadcastReload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	logger.Audit().Info("通过管理接口触发插件 reload", slog.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "workers": s.host.Stats().Workers})
}

// submitResponse 中 Event 为空且 Dropped 为真表示事件被插件丢弃。
type submitResponse struct {
	Event   *plugin.Event `json:"event"`
	Dropped bool          `json:"dropped"`
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var event plugin.Event
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := decoder.Decode(&event); err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	event.EnsureUUID()

	out, err := s.host.Submit(r.Context(), &event)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Event: out, Dropped: out == nil})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Stats())
}

type errorResponse struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("管理接口请求失败", slog.Any("error", err))
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case runtime.CodeHostStopped, xerrors.CodeShuttingDown:
		return http.StatusServiceUnavailable
	case xerrors.CodeConfigSourceFailure, xerrors.CodeStorageFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusRecorder 记录响应码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(name string, handler http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r)
		if s.collector != nil {
			s.collector.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
		}
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

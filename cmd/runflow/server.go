package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/api/handlers"
	"github.com/BaSui01/runflow/config"
	"github.com/BaSui01/runflow/internal/metrics"
	"github.com/BaSui01/runflow/internal/server"
	"github.com/BaSui01/runflow/internal/telemetry"
	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/dsl"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 RunFlow 的控制面服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	ctx    context.Context
	cancel context.CancelFunc

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	registry  *prometheus.Registry
	collector *metrics.Collector
	otel      *telemetry.Providers
	reloader  *config.Reloader
	runtime   *engineRuntime

	// Handlers
	healthHandler *handlers.HealthHandler
	runHandler    *handlers.RunHandler
	eventHub      *handlers.EventHub
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		level:      level,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 遥测与指标
	otelProviders, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otel = otelProviders

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("runflow", s.registry, s.logger)

	// 2. 配置热更新
	s.initReloader()

	// 3. 引擎运行时（存储、恢复策略）
	rt, err := newEngineRuntime(s.ctx, s.currentConfig, s.logger, s.collector)
	if err != nil {
		return fmt.Errorf("failed to init engine runtime: %w", err)
	}
	s.runtime = rt

	// 4. Handlers
	s.initHandlers()

	// 5. HTTP 与 Metrics 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsManager.Addr()),
		zap.Bool("hot_reload_enabled", s.reloader != nil),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initReloader 仅在指定配置文件时启用热更新
func (s *Server) initReloader() {
	if s.configPath == "" {
		return
	}
	r := config.NewReloader(s.cfg, s.configPath, config.WithReloaderLogger(s.logger))
	r.OnReload(func(_, next *config.Config) error {
		s.level.SetLevel(parseLevel(next.Log.Level))
		s.logger.Info("Configuration reloaded",
			zap.String("log_level", next.Log.Level),
			zap.Duration("node_timeout", next.Engine.NodeTimeout),
		)
		return nil
	})
	if err := r.Start(s.ctx); err != nil {
		s.logger.Warn("config hot reload disabled", zap.Error(err))
		return
	}
	s.reloader = r
}

// currentConfig 返回当前生效的配置
func (s *Server) currentConfig() *config.Config {
	if s.reloader != nil {
		return s.reloader.Current()
	}
	return s.cfg
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	for _, check := range s.runtime.checks {
		s.healthHandler.RegisterCheck(check)
	}

	s.eventHub = handlers.NewEventHub(s.logger)

	factory := func(wf *dsl.Workflow, vars map[string]any) (*workflow.Engine, error) {
		return s.runtime.NewEngine(wf, vars, s.eventHub)
	}
	opts := []handlers.RunHandlerOption{
		handlers.WithBreakerPolicy(s.runtime.policy),
		handlers.WithBaseContext(s.ctx),
	}
	if s.runtime.cache != nil {
		opts = append(opts, handlers.WithSummaryStore(s.runtime.cache, s.cfg.Checkpoint.TTL))
	}
	s.runHandler = handlers.NewRunHandler(s.runtime.parser, factory, s.logger, opts...)

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册全部端点并套上中间件链
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 运行控制
	s.runHandler.Register(mux)
	mux.HandleFunc("GET /v1/events", s.eventHub.HandleEvents)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		SecurityHeaders(),
		RequestLogger(s.logger),
		RateLimiter(s.ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.Server.JWT, skipAuthPaths, s.logger),
	)
}

func (s *Server) startHTTPServer() error {
	s.httpManager = server.NewManager(s.routes(), server.FromServerConfig(s.cfg.Server, s.cfg.Server.HTTPPort), s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	cfg := server.FromServerConfig(s.cfg.Server, s.cfg.Server.MetricsPort)
	cfg.CertFile, cfg.KeyFile = "", ""
	s.metricsManager = server.NewManager(mux, cfg, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown(s.ctx)
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务，可重复调用
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止当前运行
	if s.runHandler != nil {
		if err := s.runHandler.Shutdown(ctx); err != nil {
			s.logger.Error("run handler shutdown error", zap.Error(err))
		}
	}

	// 2. 停止热更新与后台 goroutine
	if s.reloader != nil {
		if err := s.reloader.Stop(); err != nil {
			s.logger.Error("config reloader shutdown error", zap.Error(err))
		}
	}
	s.cancel()

	// 3. 关闭 HTTP 与 Metrics 服务器
	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil || !m.IsRunning() {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	// 4. 释放存储
	if s.runtime != nil {
		if err := s.runtime.Close(); err != nil {
			s.logger.Error("engine runtime close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

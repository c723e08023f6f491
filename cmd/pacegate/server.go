package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/pacegate/api/handlers"
	"github.com/BaSui01/pacegate/config"
	"github.com/BaSui01/pacegate/internal/database"
	"github.com/BaSui01/pacegate/internal/metrics"
	"github.com/BaSui01/pacegate/internal/pool"
	"github.com/BaSui01/pacegate/internal/server"
	"github.com/BaSui01/pacegate/internal/telemetry"
	"github.com/BaSui01/pacegate/persistence"
	"github.com/BaSui01/pacegate/resilience"
)

// healthSkipPaths 不经过鉴权与限流的探活路径
var healthSkipPaths = []string{"/health", "/healthz", "/ready", "/version", "/metrics"}

// Server 组合根：创建 Gate 及其依赖，暴露诊断接口
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
	loader *config.Loader

	providers *telemetry.Providers
	registry  *prometheus.Registry
	sink      metrics.Sink
	dbPool    *database.PoolManager
	store     persistence.Store
	workers   *pool.GoroutinePool
	gate      *resilience.Gate
	watcher   *config.Watcher
	http      *server.Manager

	// 关闭时按注册的逆序执行
	closers []func(context.Context) error
}

// NewServer 创建服务器，尚未分配任何资源
func NewServer(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{cfg: cfg, logger: logger, level: level}
}

// WithLoader 设置后启用配置文件热重载
func (s *Server) WithLoader(loader *config.Loader) *Server {
	s.loader = loader
	return s
}

// Run 启动服务并阻塞到收到 SIGINT/SIGTERM
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		shutdownErr := s.Shutdown(context.Background())
		return errors.Join(err, shutdownErr)
	}
	waitErr := s.http.Wait(ctx)
	return errors.Join(waitErr, s.Shutdown(context.Background()))
}

// Start 依次初始化遥测、指标、存储、Gate 与 HTTP 服务
func (s *Server) Start(ctx context.Context) error {
	if err := s.initTelemetry(ctx); err != nil {
		return err
	}
	s.initMetrics()
	if err := s.initStore(ctx); err != nil {
		return err
	}
	s.initGate(ctx)
	s.initWatcher(ctx)
	return s.startHTTP(ctx)
}

func (s *Server) onClose(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) initTelemetry(ctx context.Context) error {
	providers, err := telemetry.Init(ctx, s.cfg.Telemetry, Version, s.logger)
	if err != nil {
		// 遥测不可用不阻止启动
		s.logger.Warn("遥测初始化失败，使用 noop provider", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.providers = providers
	s.onClose(providers.Shutdown)
	return nil
}

func (s *Server) initMetrics() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	namespace := s.cfg.Telemetry.MetricsNamespace
	if namespace == "" {
		namespace = "pacegate"
	}
	var sink metrics.Sink = metrics.NewPrometheusSink(s.registry, namespace, nil, s.logger)
	if s.providers.Enabled() {
		sink = metrics.NewMultiSink(sink, metrics.NewOTelSink(s.providers.Meter(), nil, s.logger))
	}
	s.sink = sink
}

// initStore sql 后端复用 database 段的连接池参数并注册探活
func (s *Server) initStore(ctx context.Context) error {
	storeCfg := s.cfg.Store
	if storeCfg.Type != persistence.StoreTypeSQL {
		store, err := persistence.NewStore(ctx, storeCfg, s.logger)
		if err != nil {
			return fmt.Errorf("create %s store: %w", storeCfg.Type, err)
		}
		s.store = store
		s.onClose(func(context.Context) error { return store.Close() })
		return nil
	}

	db, err := database.Open(storeCfg.SQL.Driver, storeCfg.SQL.DSN, s.logger)
	if err != nil {
		return err
	}
	pm, err := database.NewPoolManager(db, s.cfg.Database.Pool, s.logger)
	if err != nil {
		return err
	}
	s.dbPool = pm
	s.onClose(func(context.Context) error { return pm.Close() })

	store, err := persistence.NewSQLStore(pm.DB(), storeCfg.SQL.AutoMigrate)
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

func (s *Server) initGate(ctx context.Context) {
	s.workers = pool.NewGoroutinePool(pool.DefaultConfig(), s.logger)
	s.onClose(s.workers.Close)

	s.gate = resilience.New(s.cfg.Resilience, s.logger,
		resilience.WithMetrics(s.sink),
		resilience.WithStore(s.store),
		resilience.WithPool(s.workers),
		resilience.WithTracerProvider(s.providers.TracerProvider()),
	)
	s.gate.Start(context.WithoutCancel(ctx))
	// 先于 worker 池关闭，等待排队中的快照写入；同时停止空闲桶清理
	s.onClose(s.gate.Close)
}

// initWatcher 热重载只调整日志级别，组件阈值需要重启生效
func (s *Server) initWatcher(ctx context.Context) {
	if s.loader == nil {
		return
	}
	w, err := config.NewWatcher(s.loader, s.cfg, config.WithWatcherLogger(s.logger))
	if err != nil {
		s.logger.Warn("配置热重载不可用", zap.Error(err))
		return
	}
	w.OnReload(func(cfg *config.Config) {
		next := parseLevel(cfg.Log.Level)
		if next != s.level.Level() {
			s.level.SetLevel(next)
			s.logger.Info("日志级别已更新", zap.Stringer("level", next))
		}
	})
	if err := w.Start(ctx); err != nil {
		s.logger.Warn("配置热重载启动失败", zap.Error(err))
		return
	}
	s.watcher = w
	s.onClose(func(context.Context) error { w.Stop(); return nil })
}

func (s *Server) healthHandler() *handlers.HealthHandler {
	h := handlers.NewHealthHandler(handlers.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}, s.logger)
	h.RegisterCheck(handlers.CheckFunc{CheckName: "store", Fn: s.store.Ping})
	if s.dbPool != nil {
		h.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: s.dbPool.Ping})
	}
	return h
}

func (s *Server) startHTTP(ctx context.Context) error {
	sc := s.cfg.Server

	streamCfg := handlers.DefaultStreamConfig()
	streamCfg.OriginPatterns = sc.CORSAllowedOrigins

	routes := handlers.Routes{
		Health:      s.healthHandler(),
		Diagnostics: handlers.NewDiagnosticsHandler(s.gate, s.logger),
		Stream:      handlers.NewStreamHandler(s.gate.Orchestrator(), streamCfg, s.logger),
		Metrics:     promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
	}

	limiterCtx, cancelLimiter := context.WithCancel(context.WithoutCancel(ctx))
	s.onClose(func(context.Context) error { cancelLimiter(); return nil })

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(s.providers.TracerProvider()),
		Metrics(s.sink),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
		RateLimiter(limiterCtx, sc.RateLimitRPS, sc.RateLimitBurst, healthSkipPaths),
	}
	if sc.JWT.Enabled() {
		middlewares = append(middlewares, JWTAuth(sc.JWT, healthSkipPaths, s.logger))
	} else {
		s.logger.Warn("未配置 JWT 密钥，诊断接口不鉴权")
	}
	handler := Chain(routes.Mux(), middlewares...)

	s.http = server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		MaxConnections:  sc.MaxConnections,
		TLSCertFile:     sc.TLSCertFile,
		TLSKeyFile:      sc.TLSKeyFile,
	}, s.logger)
	s.onClose(s.http.Shutdown)

	if err := s.http.Start(); err != nil {
		return err
	}
	s.logger.Info("诊断服务已启动",
		zap.String("addr", s.http.Addr()),
		zap.Bool("tls", sc.TLSCertFile != ""),
		zap.Bool("jwt", sc.JWT.Enabled()),
		zap.Bool("hot_reload", s.watcher != nil),
	)
	return nil
}

// Shutdown 逆序释放资源，收集全部错误
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("关闭过程出现错误", zap.Error(err))
		return err
	}
	s.logger.Info("pacegate 已停止")
	return nil
}

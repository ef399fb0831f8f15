package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/api/handlers"
	"github.com/BaSui01/runflow/config"
	"github.com/BaSui01/runflow/internal/cache"
	"github.com/BaSui01/runflow/internal/database"
	"github.com/BaSui01/runflow/internal/metrics"
	"github.com/BaSui01/runflow/internal/migration"
	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/checkpoint"
	"github.com/BaSui01/runflow/workflow/dsl"
	"github.com/BaSui01/runflow/workflow/nodes"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

// defaultHTTPTimeout 网络客户端在未配置节点超时时的请求超时
const defaultHTTPTimeout = 30 * time.Second

// =============================================================================
// ⚙️ 引擎运行时：按配置组装存储、恢复策略与指标
// =============================================================================

// engineRuntime holds the components shared by every engine the process
// creates: one recovery policy (so breaker state survives across runs), one
// checkpoint store and one history store.
type engineRuntime struct {
	cfg       func() *config.Config
	logger    *zap.Logger
	collector *metrics.Collector

	parser    *dsl.Parser
	policy    *recovery.Policy
	store     checkpoint.Store
	histories *workflow.ExecutionHistoryStore
	cache     *cache.Manager

	checks  []handlers.HealthCheck
	closers []func() error
}

// newEngineRuntime wires the runtime. current returns the live config, so
// hot-reloaded engine settings apply to the next run. collector may be nil.
func newEngineRuntime(ctx context.Context, current func() *config.Config, logger *zap.Logger, collector *metrics.Collector) (*engineRuntime, error) {
	cfg := current()
	rt := &engineRuntime{
		cfg:       current,
		logger:    logger,
		collector: collector,
		parser:    dsl.NewParser(nodes.NewRegistry()),
		histories: workflow.NewExecutionHistoryStore(cfg.Engine.HistoryLimit),
	}

	policyOpts := []recovery.Option{recovery.WithLogger(logger)}
	if cfg.Recovery.CircuitBreaker {
		policyOpts = append(policyOpts, recovery.WithCircuitBreaker(cfg.Recovery.BreakerConfig(), rt.onBreakerChange))
	}
	rt.policy = recovery.NewPolicy(policyOpts...)

	if err := rt.openStore(ctx, cfg); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *engineRuntime) onBreakerChange(nodeID string, from, to recovery.CircuitState, reason string) {
	rt.logger.Warn("circuit breaker transition",
		zap.String("node_id", nodeID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	)
	if rt.collector != nil {
		rt.collector.RecordBreakerTransition(nodeID, to.String())
	}
}

// openStore 按 checkpoint.backend 打开快照存储
func (rt *engineRuntime) openStore(ctx context.Context, cfg *config.Config) error {
	backend := strings.ToLower(cfg.Checkpoint.Backend)
	switch backend {
	case "", "memory":
		rt.store = checkpoint.NewMemoryStore(cfg.Checkpoint.MemoryLimit)

	case "redis":
		mgr, err := cache.NewManager(ctx, cache.DefaultOptions(cfg.Redis), rt.logger)
		if err != nil {
			return err
		}
		rt.cache = mgr
		rt.store = checkpoint.NewRedisStore(mgr.Client(), cfg.Checkpoint.KeyPrefix, cfg.Checkpoint.TTL, rt.logger)
		rt.checks = append(rt.checks, handlers.NewPingCheck("redis", mgr.Ping))
		rt.closers = append(rt.closers, mgr.Close)

	case "sql":
		if err := migration.EnsureSchema(ctx, cfg.Database, rt.logger); err != nil {
			return fmt.Errorf("prepare checkpoint schema: %w", err)
		}
		var opts []database.PoolOption
		if rt.collector != nil {
			opts = append(opts, database.WithStatsReporter(rt.collector))
		}
		pm, err := database.Open(ctx, cfg.Database, rt.logger, opts...)
		if err != nil {
			return err
		}
		rt.store = checkpoint.NewSQLStore(pm.DB(), rt.logger)
		rt.checks = append(rt.checks, handlers.NewPingCheck("database", pm.Ping))
		rt.closers = append(rt.closers, pm.Close)

	case "mongo":
		cctx, cancel := context.WithTimeout(ctx, cfg.Mongo.ConnectTimeout)
		defer cancel()
		client, coll, err := checkpoint.ConnectMongo(cctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return err
		}
		rt.store = checkpoint.NewMongoStore(coll, rt.logger)
		rt.checks = append(rt.checks, handlers.NewPingCheck("mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}))
		rt.closers = append(rt.closers, func() error { return client.Disconnect(context.Background()) })

	default:
		return fmt.Errorf("unsupported checkpoint backend %q", cfg.Checkpoint.Backend)
	}

	rt.logger.Info("checkpoint store ready", zap.String("backend", backend))
	return nil
}

// settingsFor 定义中带 settings 块时以定义为准，否则使用配置中的引擎设置
func settingsFor(wf *dsl.Workflow, engine config.EngineConfig) workflow.ExecutionSettings {
	if wf.Definition != nil && wf.Definition.Settings != nil {
		return wf.Settings
	}
	return engine.Settings()
}

// NewEngine builds an engine for wf. sink may be nil.
func (rt *engineRuntime) NewEngine(wf *dsl.Workflow, vars map[string]any, sink workflow.EventSink) (*workflow.Engine, error) {
	cfg := rt.cfg()

	httpTimeout := cfg.Engine.NodeTimeout
	if httpTimeout <= 0 {
		httpTimeout = defaultHTTPTimeout
	}

	opts := []workflow.EngineOption{
		workflow.WithLogger(rt.logger),
		workflow.WithPolicy(rt.policy),
		workflow.WithSettings(settingsFor(wf, cfg.Engine)),
		workflow.WithInitialVariables(vars),
		workflow.WithCheckpointStore(rt.store),
		workflow.WithHistoryStore(rt.histories),
		workflow.WithResourceConfig(cfg.Resources.ResourceConfig()),
		workflow.WithResourceProvider(resource.ClassNetwork, &nodes.HTTPClientProvider{Timeout: httpTimeout}),
	}
	if sink != nil {
		opts = append(opts, workflow.WithEventSink(sink))
	}
	if rt.collector != nil {
		opts = append(opts,
			workflow.WithMetrics(rt.collector),
			workflow.WithResourceMetrics(rt.collector),
		)
	}
	return workflow.NewEngine(wf.Graph, opts...)
}

// Close releases every backend in reverse order of opening.
func (rt *engineRuntime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

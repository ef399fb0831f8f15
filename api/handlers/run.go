package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/api"
	"github.com/BaSui01/runflow/internal/cache"
	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/dsl"
	"github.com/BaSui01/runflow/workflow/recovery"
)

// =============================================================================
// 🚀 运行控制 Handler
// =============================================================================

// recentLimit 内存中保留的已完成运行摘要数
const recentLimit = 100

// summaryKeyPrefix 摘要在缓存中的 key 前缀
const summaryKeyPrefix = "runflow:summary:"

// EngineFactory builds the engine for one parsed workflow. vars are the
// definition defaults merged with the request overrides.
type EngineFactory func(wf *dsl.Workflow, vars map[string]any) (*workflow.Engine, error)

// SummaryStore persists finished run summaries. *cache.Manager implements it.
type SummaryStore interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
}

// RunHandler 驱动单个引擎会话：同一时刻最多一个运行
type RunHandler struct {
	parser  *dsl.Parser
	factory EngineFactory
	logger  *zap.Logger

	summaries  SummaryStore
	summaryTTL time.Duration
	policy     *recovery.Policy
	baseCtx    context.Context

	mu      sync.Mutex
	engine  *workflow.Engine
	running bool
	recent  map[string]workflow.ExecutionSummary
	order   []string
	wg      sync.WaitGroup
}

// RunHandlerOption 配置 RunHandler
type RunHandlerOption func(*RunHandler)

// WithSummaryStore persists finished summaries in s for ttl.
func WithSummaryStore(s SummaryStore, ttl time.Duration) RunHandlerOption {
	return func(h *RunHandler) {
		h.summaries = s
		h.summaryTTL = ttl
	}
}

// WithBreakerPolicy exposes the breaker states of p on /v1/breakers.
func WithBreakerPolicy(p *recovery.Policy) RunHandlerOption {
	return func(h *RunHandler) { h.policy = p }
}

// WithBaseContext sets the context asynchronous runs execute under. It
// should live as long as the server.
func WithBaseContext(ctx context.Context) RunHandlerOption {
	return func(h *RunHandler) { h.baseCtx = ctx }
}

// NewRunHandler 创建运行控制处理器
func NewRunHandler(parser *dsl.Parser, factory EngineFactory, logger *zap.Logger, opts ...RunHandlerOption) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &RunHandler{
		parser:  parser,
		factory: factory,
		logger:  logger.With(zap.String("handler", "run")),
		baseCtx: context.Background(),
		recent:  make(map[string]workflow.ExecutionSummary),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the run routes on mux.
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.HandleStart)
	mux.HandleFunc("GET /v1/runs/current", h.HandleCurrent)
	mux.HandleFunc("GET /v1/runs/{id}", h.HandleGet)
	mux.HandleFunc("POST /v1/runs/pause", h.HandlePause)
	mux.HandleFunc("POST /v1/runs/resume", h.HandleResume)
	mux.HandleFunc("POST /v1/runs/stop", h.HandleStop)
	mux.HandleFunc("GET /v1/breakers", h.HandleBreakers)
}

// HandleStart 处理 POST /v1/runs
// @Summary 启动运行
// @Tags 运行
// @Accept json
// @Produce json
// @Param request body api.RunRequest true "运行请求"
// @Success 200 {object} Response "wait=true 时返回运行摘要"
// @Success 202 {object} Response "异步运行已受理"
// @Failure 409 {object} Response "已有运行进行中"
// @Router /v1/runs [post]
func (h *RunHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req api.RunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if err := req.Normalize(); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, err.Error()), h.logger)
		return
	}

	wf, err := h.parse(req)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}
	vars := make(map[string]any, len(wf.Variables)+len(req.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	for k, v := range req.Variables {
		vars[k] = v
	}

	engine, err := h.claim(wf, vars)
	if err != nil {
		WriteErr(w, err, h.logger)
		return
	}

	if req.Wait {
		summary, runErr := h.execute(r.Context(), engine, req)
		if isConfigError(runErr) {
			WriteErr(w, runErr, h.logger)
			return
		}
		WriteSuccess(w, summary)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_, _ = h.execute(h.baseCtx, engine, req)
	}()

	WriteSuccessStatus(w, http.StatusAccepted, api.RunAccepted{
		Workflow:   wf.Graph.Name(),
		Mode:       req.Mode,
		TotalNodes: len(wf.Graph.WorkNodeIDs()),
	})
}

func (h *RunHandler) parse(req api.RunRequest) (*dsl.Workflow, error) {
	var (
		wf  *dsl.Workflow
		err error
	)
	if req.Format == api.FormatJSON {
		wf, err = h.parser.ParseJSON([]byte(req.Definition))
	} else {
		wf, err = h.parser.Parse([]byte(req.Definition))
	}
	if err != nil && types.GetErrorCode(err) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid definition").WithCause(err)
	}
	return wf, err
}

// claim builds the engine for wf and marks the session busy.
func (h *RunHandler) claim(wf *dsl.Workflow, vars map[string]any) (*workflow.Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil, workflow.ErrAlreadyRunning
	}
	engine, err := h.factory(wf, vars)
	if err != nil {
		return nil, err
	}
	h.engine = engine
	h.running = true
	return engine, nil
}

func (h *RunHandler) execute(ctx context.Context, engine *workflow.Engine, req api.RunRequest) (workflow.ExecutionSummary, error) {
	var (
		summary workflow.ExecutionSummary
		err     error
	)
	switch req.Mode {
	case api.RunModeTo:
		summary, err = engine.RunTo(ctx, req.Node)
	case api.RunModeSingle:
		summary, err = engine.RunSingle(ctx, req.Node)
	case api.RunModeFrom:
		summary, err = engine.RunFrom(ctx, req.Node, req.UseCache)
	default:
		summary, err = engine.Run(ctx)
	}

	h.mu.Lock()
	h.running = false
	h.remember(summary)
	h.mu.Unlock()

	if h.summaries != nil && summary.RunID != "" {
		key := summaryKeyPrefix + summary.RunID
		if serr := h.summaries.SetJSON(context.WithoutCancel(ctx), key, summary, h.summaryTTL); serr != nil {
			h.logger.Warn("persisting run summary failed", zap.String("run_id", summary.RunID), zap.Error(serr))
		}
	}
	return summary, err
}

// remember must be called with mu held.
func (h *RunHandler) remember(s workflow.ExecutionSummary) {
	if s.RunID == "" {
		return
	}
	if _, ok := h.recent[s.RunID]; !ok {
		h.order = append(h.order, s.RunID)
	}
	h.recent[s.RunID] = s
	for len(h.order) > recentLimit {
		delete(h.recent, h.order[0])
		h.order = h.order[1:]
	}
}

// isConfigError reports whether err rejected the run before any node ran.
func isConfigError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrNodeNotFound, types.ErrInvalidConfig, types.ErrNoStartNode, types.ErrUnreachableTarget:
		return true
	}
	return false
}

// HandleCurrent 处理 GET /v1/runs/current
// @Summary 当前运行状态
// @Tags 运行
// @Produce json
// @Success 200 {object} Response
// @Router /v1/runs/current [get]
func (h *RunHandler) HandleCurrent(w http.ResponseWriter, _ *http.Request) {
	engine := h.current()
	if engine == nil {
		WriteSuccess(w, api.RunStatus{})
		return
	}
	summary := engine.GetExecutionSummary()
	WriteSuccess(w, api.RunStatus{
		Running:  engine.IsRunning(),
		Paused:   engine.IsPaused(),
		Progress: engine.CalculateProgress(),
		Summary:  &summary,
	})
}

// HandleGet 处理 GET /v1/runs/{id}
// @Summary 查询已完成运行的摘要
// @Tags 运行
// @Produce json
// @Param id path string true "运行 ID"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /v1/runs/{id} [get]
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.mu.Lock()
	summary, ok := h.recent[id]
	h.mu.Unlock()
	if ok {
		WriteSuccess(w, summary)
		return
	}

	if h.summaries != nil {
		err := h.summaries.GetJSON(r.Context(), summaryKeyPrefix+id, &summary)
		switch {
		case err == nil:
			WriteSuccess(w, summary)
			return
		case !errors.Is(err, cache.ErrCacheMiss):
			WriteErr(w, err, h.logger)
			return
		}
	}
	WriteError(w, types.Errorf(types.ErrRunNotFound, "run %q not found", id), h.logger)
}

// HandlePause 处理 POST /v1/runs/pause
// @Summary 暂停当前运行
// @Tags 运行
// @Router /v1/runs/pause [post]
func (h *RunHandler) HandlePause(w http.ResponseWriter, _ *http.Request) {
	h.control(w, "pause", (*workflow.Engine).Pause, false)
}

// HandleResume 处理 POST /v1/runs/resume
// @Summary 恢复当前运行
// @Tags 运行
// @Router /v1/runs/resume [post]
func (h *RunHandler) HandleResume(w http.ResponseWriter, _ *http.Request) {
	h.control(w, "resume", (*workflow.Engine).Resume, false)
}

// HandleStop 处理 POST /v1/runs/stop
// @Summary 停止当前运行
// @Tags 运行
// @Router /v1/runs/stop [post]
func (h *RunHandler) HandleStop(w http.ResponseWriter, _ *http.Request) {
	h.control(w, "stop", (*workflow.Engine).Stop, true)
}

func (h *RunHandler) control(w http.ResponseWriter, action string, fn func(*workflow.Engine), needRunning bool) {
	engine := h.current()
	if engine == nil || (needRunning && !engine.IsRunning()) {
		WriteError(w, types.NewError(types.ErrNoActiveRun, "no active run"), h.logger)
		return
	}
	fn(engine)
	WriteSuccess(w, api.ControlResponse{
		Action:  action,
		Running: engine.IsRunning(),
		Paused:  engine.IsPaused(),
	})
}

// HandleBreakers 处理 GET /v1/breakers
// @Summary 熔断器状态
// @Tags 运行
// @Router /v1/breakers [get]
func (h *RunHandler) HandleBreakers(w http.ResponseWriter, _ *http.Request) {
	out := []api.BreakerState{}
	if h.policy != nil && h.policy.Breakers() != nil {
		for id, st := range h.policy.Breakers().States() {
			out = append(out, api.BreakerState{NodeID: id, State: st.String()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	WriteSuccess(w, out)
}

func (h *RunHandler) current() *workflow.Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine
}

// Shutdown stops the current run and waits for asynchronous runs to return.
func (h *RunHandler) Shutdown(ctx context.Context) error {
	if engine := h.current(); engine != nil {
		engine.Stop()
		engine.Resume()
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

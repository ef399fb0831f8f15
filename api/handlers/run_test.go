package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/api"
	"github.com/BaSui01/runflow/config"
	"github.com/BaSui01/runflow/internal/cache"
	"github.com/BaSui01/runflow/types"
	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/dsl"
	"github.com/BaSui01/runflow/workflow/nodes"
	"github.com/BaSui01/runflow/workflow/recovery"
)

const quickDoc = `
version: "1"
name: quick
variables:
  count: {default: 2}
nodes:
  - {id: start, type: start, next: [double]}
  - id: double
    type: set_variable
    config: {name: x, expr: "count * 2"}
    next: [done]
  - {id: done, type: log, config: {message: "x=${x}"}}
`

const slowDoc = `
version: "1"
name: slow
nodes:
  - {id: start, type: start, next: [wait1]}
  - {id: wait1, type: delay, config: {duration: 150ms}, next: [wait2]}
  - {id: wait2, type: delay, config: {duration: 150ms}, next: [wait3]}
  - {id: wait3, type: delay, config: {duration: 150ms}}
`

const failDoc = `
version: "1"
name: failing
nodes:
  - {id: start, type: start, next: [boom]}
  - {id: boom, type: fail, config: {message: "bad row", code: 3201}}
`

func fastPolicy() *recovery.Policy {
	return recovery.NewPolicy(recovery.WithDefaultHandler(&recovery.DefaultHandler{
		Backoff:      &recovery.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond},
		UnknownDelay: time.Millisecond,
	}))
}

func newTestRunHandler(t *testing.T, opts ...RunHandlerOption) *RunHandler {
	t.Helper()
	policy := fastPolicy()
	factory := func(wf *dsl.Workflow, vars map[string]any) (*workflow.Engine, error) {
		return workflow.NewEngine(wf.Graph,
			workflow.WithSettings(wf.Settings),
			workflow.WithInitialVariables(vars),
			workflow.WithPolicy(policy),
		)
	}
	h := NewRunHandler(dsl.NewParser(nodes.NewRegistry()), factory, zap.NewNop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func newMux(h *RunHandler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func postRun(t *testing.T, mux http.Handler, req api.RunRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func do(mux http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.True(t, resp.Success)
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

func TestRunHandler_WaitFullRun(t *testing.T) {
	h := newTestRunHandler(t)
	mux := newMux(h)

	w := postRun(t, mux, api.RunRequest{Definition: quickDoc, Wait: true, Variables: map[string]any{"count": 5}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var sum workflow.ExecutionSummary
	decodeData(t, w, &sum)
	assert.Equal(t, workflow.RunCompleted, sum.Status)
	assert.Equal(t, []string{"start", "double", "done"}, sum.ExecutedPath)
	assert.InDelta(t, 100.0, sum.Progress, 0.001)
	assert.Equal(t, 10.0, h.current().Context().Variables().Snapshot()["x"], "request variables override defaults")

	w = do(mux, http.MethodGet, "/v1/runs/"+sum.RunID)
	require.Equal(t, http.StatusOK, w.Code)
	var got workflow.ExecutionSummary
	decodeData(t, w, &got)
	assert.Equal(t, sum.RunID, got.RunID)

	w = do(mux, http.MethodGet, "/v1/runs/current")
	var status api.RunStatus
	decodeData(t, w, &status)
	assert.False(t, status.Running)
	require.NotNil(t, status.Summary)
	assert.Equal(t, sum.RunID, status.Summary.RunID)
}

func TestRunHandler_Modes(t *testing.T) {
	tests := []struct {
		name string
		req  api.RunRequest
		path []string
	}{
		{name: "run to", req: api.RunRequest{Mode: "to", Node: "double"}, path: []string{"start", "double"}},
		{name: "single", req: api.RunRequest{Mode: "single", Node: "done"}, path: []string{"done"}},
		{name: "from", req: api.RunRequest{Mode: "from", Node: "double"}, path: []string{"double", "done"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newMux(newTestRunHandler(t))
			tt.req.Definition = quickDoc
			tt.req.Wait = true
			w := postRun(t, mux, tt.req)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var sum workflow.ExecutionSummary
			decodeData(t, w, &sum)
			assert.Equal(t, tt.path, sum.ExecutedPath)
		})
	}
}

func TestRunHandler_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		req    api.RunRequest
		status int
		code   types.ErrorCode
	}{
		{name: "missing definition", req: api.RunRequest{}, status: http.StatusBadRequest, code: types.ErrInvalidRequest},
		{name: "mode needs node", req: api.RunRequest{Definition: quickDoc, Mode: "to"}, status: http.StatusBadRequest, code: types.ErrInvalidRequest},
		{name: "unknown mode", req: api.RunRequest{Definition: quickDoc, Mode: "sideways"}, status: http.StatusBadRequest, code: types.ErrInvalidRequest},
		{name: "cache outside from", req: api.RunRequest{Definition: quickDoc, UseCache: true}, status: http.StatusBadRequest, code: types.ErrInvalidRequest},
		{name: "malformed yaml", req: api.RunRequest{Definition: "nodes: [", Wait: true}, status: http.StatusUnprocessableEntity, code: types.ErrInvalidGraph},
		{name: "json format", req: api.RunRequest{Definition: "{", Format: "json"}, status: http.StatusUnprocessableEntity, code: types.ErrInvalidGraph},
		{name: "unknown node type", req: api.RunRequest{Definition: "version: \"1\"\nname: x\nnodes:\n  - {id: a, type: nope}\n", Wait: true}, status: http.StatusUnprocessableEntity, code: types.ErrInvalidGraph},
		{name: "unknown target", req: api.RunRequest{Definition: quickDoc, Mode: "single", Node: "ghost", Wait: true}, status: http.StatusNotFound, code: types.ErrNodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newMux(newTestRunHandler(t))
			w := postRun(t, mux, tt.req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.code), resp.Error.Code)
		})
	}
}

func TestRunHandler_FailedRunReturnsSummary(t *testing.T) {
	mux := newMux(newTestRunHandler(t))
	w := postRun(t, mux, api.RunRequest{Definition: failDoc, Wait: true})
	require.Equal(t, http.StatusOK, w.Code)

	var sum workflow.ExecutionSummary
	decodeData(t, w, &sum)
	assert.True(t, sum.Failed)
	assert.Equal(t, "boom", sum.FailedNode)
	assert.Equal(t, workflow.RunFailed, sum.Status)
}

func TestRunHandler_AsyncConflictAndStop(t *testing.T) {
	h := newTestRunHandler(t)
	mux := newMux(h)

	w := postRun(t, mux, api.RunRequest{Definition: slowDoc})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted api.RunAccepted
	decodeData(t, w, &accepted)
	assert.Equal(t, "slow", accepted.Workflow)
	assert.Equal(t, api.RunModeFull, accepted.Mode)

	require.Eventually(t, func() bool {
		e := h.current()
		return e != nil && e.IsRunning()
	}, 2*time.Second, 5*time.Millisecond)

	w = postRun(t, mux, api.RunRequest{Definition: quickDoc})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(types.ErrAlreadyRunning), decodeResponse(t, w).Error.Code)

	w = do(mux, http.MethodPost, "/v1/runs/pause")
	require.Equal(t, http.StatusOK, w.Code)
	var ctl api.ControlResponse
	decodeData(t, w, &ctl)
	assert.True(t, ctl.Paused)

	w = do(mux, http.MethodPost, "/v1/runs/stop")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(mux, http.MethodPost, "/v1/runs/resume")
	decodeData(t, w, &ctl)
	assert.False(t, ctl.Paused)

	require.Eventually(t, func() bool { return !h.current().IsRunning() }, 3*time.Second, 10*time.Millisecond)
	sum := h.current().GetExecutionSummary()
	assert.True(t, sum.Stopped)
	assert.Less(t, sum.ExecutedNodes, 4)

	w = do(mux, http.MethodPost, "/v1/runs/stop")
	assert.Equal(t, http.StatusConflict, w.Code, "stop needs a running engine")
}

func TestRunHandler_ControlWithoutSession(t *testing.T) {
	mux := newMux(newTestRunHandler(t))
	for _, path := range []string{"/v1/runs/pause", "/v1/runs/resume", "/v1/runs/stop"} {
		w := do(mux, http.MethodPost, path)
		assert.Equal(t, http.StatusConflict, w.Code, path)
		assert.Equal(t, string(types.ErrNoActiveRun), decodeResponse(t, w).Error.Code)
	}

	w := do(mux, http.MethodGet, "/v1/runs/current")
	var status api.RunStatus
	decodeData(t, w, &status)
	assert.Nil(t, status.Summary)
}

func TestRunHandler_SummaryStore(t *testing.T) {
	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(context.Background(), cache.DefaultOptions(config.RedisConfig{Addr: mr.Addr()}), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	first := newMux(newTestRunHandler(t, WithSummaryStore(mgr, time.Hour)))
	w := postRun(t, first, api.RunRequest{Definition: quickDoc, Wait: true})
	require.Equal(t, http.StatusOK, w.Code)
	var sum workflow.ExecutionSummary
	decodeData(t, w, &sum)
	assert.True(t, mr.Exists(summaryKeyPrefix+sum.RunID))

	// 新会话只能从缓存读取
	second := newMux(newTestRunHandler(t, WithSummaryStore(mgr, time.Hour)))
	w = do(second, http.MethodGet, "/v1/runs/"+sum.RunID)
	require.Equal(t, http.StatusOK, w.Code)
	var got workflow.ExecutionSummary
	decodeData(t, w, &got)
	assert.Equal(t, sum.ExecutedPath, got.ExecutedPath)

	w = do(second, http.MethodGet, "/v1/runs/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(types.ErrRunNotFound), decodeResponse(t, w).Error.Code)
}

func TestRunHandler_RecentIsBounded(t *testing.T) {
	h := newTestRunHandler(t)
	for i := 0; i < recentLimit+5; i++ {
		h.remember(workflow.ExecutionSummary{RunID: string(rune('A' + i))})
	}
	assert.Len(t, h.recent, recentLimit)
	assert.Len(t, h.order, recentLimit)
	_, ok := h.recent["A"]
	assert.False(t, ok)
}

func TestRunHandler_Breakers(t *testing.T) {
	cfg := recovery.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxProbes: 1, SuccessThreshold: 1}
	policy := recovery.NewPolicy(recovery.WithCircuitBreaker(cfg, nil))
	policy.Decide(&recovery.ErrorContext{NodeID: "fetch", Code: recovery.CodeConnectionTimeout, MaxRetries: 3})
	policy.Decide(&recovery.ErrorContext{NodeID: "auth", Code: recovery.CodeConnectionReset, MaxRetries: 3})

	mux := newMux(newTestRunHandler(t, WithBreakerPolicy(policy)))
	w := do(mux, http.MethodGet, "/v1/breakers")
	require.Equal(t, http.StatusOK, w.Code)

	var states []api.BreakerState
	decodeData(t, w, &states)
	assert.Equal(t, []api.BreakerState{
		{NodeID: "auth", State: "open"},
		{NodeID: "fetch", State: "open"},
	}, states)
}

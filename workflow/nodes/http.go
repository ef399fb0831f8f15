package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/internal/tlsutil"
	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/dsl"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

// TypeHTTPRequest 网络请求节点类型名
const TypeHTTPRequest = "http_request"

// maxBodyBytes 响应体读取上限
const maxBodyBytes = 4 << 20

// HTTPClientProvider opens an *http.Client for every network lease. A nil
// Transport uses the hardened TLS transport.
type HTTPClientProvider struct {
	Timeout   time.Duration
	Transport http.RoundTripper
}

// Open implements resource.Provider.
func (p *HTTPClientProvider) Open(_ context.Context, _ resource.Class, _ string) (any, error) {
	if p.Transport == nil {
		return tlsutil.SecureHTTPClient(p.Timeout), nil
	}
	return &http.Client{Timeout: p.Timeout, Transport: p.Transport}, nil
}

// Close implements resource.Provider.
func (p *HTTPClientProvider) Close(_ resource.Class, handle any) error {
	if c, ok := handle.(*http.Client); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// HTTPRequestNode performs one HTTP call. It uses the client leased by a
// connected http_client_resource when its "client" input is wired, and
// otherwise takes a network slot for the duration of the call.
//
// Config: url, method (GET), body, headers, result_var, timeout.
// A JSON response body is decoded; anything else is returned as a string.
type HTTPRequestNode struct {
	*workflow.BaseNode
}

// NewHTTPRequestNode 创建网络请求节点
func NewHTTPRequestNode(id string, cfg map[string]any) (workflow.Node, error) {
	n := &HTTPRequestNode{BaseNode: workflow.NewBaseNode(id, TypeHTTPRequest, cfg)}
	if n.ConfigString("url", "") == "" {
		return nil, fmt.Errorf("http_request: url is required")
	}
	return n, nil
}

func (n *HTTPRequestNode) DefinePorts() {
	n.BaseNode.DefinePorts()
	_ = n.Ports().AddInput("client", workflow.PortKindData, workflow.DataTypeResource)
	_ = n.Ports().AddOutput("status", workflow.PortKindData, workflow.DataTypeNumber)
	_ = n.Ports().AddOutput("body", workflow.PortKindData, workflow.DataTypeAny)
}

func (n *HTTPRequestNode) Execute(ctx context.Context, ec *workflow.ExecutionContext) *workflow.ExecutionResult {
	if lease, ok := LeaseFor(ec, "client"); ok {
		return n.do(ctx, ec, clientOf(lease))
	}
	if ec.Manager() == nil {
		return workflow.Fail(recovery.CodeResourceMissing, "no resource manager in execution context")
	}
	var res *workflow.ExecutionResult
	err := ec.Manager().WithNetwork(ctx, n.ID(), n.ConfigDuration("acquire_timeout", 0), func(l *resource.Lease) error {
		res = n.do(ctx, ec, clientOf(l))
		return nil
	})
	if err != nil {
		return workflow.FailWith(recovery.CodeResourceBusy, err)
	}
	return res
}

func clientOf(l *resource.Lease) *http.Client {
	if c, ok := l.Handle().(*http.Client); ok {
		return c
	}
	return http.DefaultClient
}

func (n *HTTPRequestNode) do(ctx context.Context, ec *workflow.ExecutionContext, client *http.Client) *workflow.ExecutionResult {
	vars := ec.Variables().Snapshot()
	url := fmt.Sprint(dsl.Interpolate(n.ConfigString("url", ""), vars))
	method := strings.ToUpper(n.ConfigString("method", http.MethodGet))

	var body io.Reader
	if b, ok := n.Config()["body"]; ok && b != nil {
		b = dsl.Interpolate(b, vars)
		if s, isStr := b.(string); isStr {
			body = strings.NewReader(s)
		} else {
			raw, err := json.Marshal(b)
			if err != nil {
				return workflow.FailWith(recovery.CodeInvalidData, fmt.Errorf("encode request body: %w", err))
			}
			body = bytes.NewReader(raw)
		}
	}

	if d := n.ConfigDuration("timeout", 0); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return workflow.FailWith(recovery.CodeInvalidConfig, fmt.Errorf("build request: %w", err))
	}
	if headers, ok := n.Config()["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(dsl.Interpolate(v, vars)))
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return workflow.FailWith(recovery.CodeConnectionTimeout, err)
		}
		return workflow.FailWith(recovery.CodeConnectionReset, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return workflow.FailWith(recovery.CodeConnectionReset, fmt.Errorf("read response: %w", err))
	}
	ec.Logger().Debug("http request finished",
		zap.String("node_id", n.ID()),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if code, failed := statusCode(resp.StatusCode); failed {
		return workflow.Fail(code, "%s %s: %s", method, url, resp.Status)
	}

	var payload any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			payload = decoded
		}
	}
	if name := n.ConfigString("result_var", ""); name != "" {
		ec.SetVariable(name, payload)
	}
	return workflow.Succeed(map[string]any{"status": resp.StatusCode, "body": payload}, workflow.PortExecOut)
}

// statusCode maps a failing HTTP status to an error code.
func statusCode(status int) (recovery.Code, bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return recovery.CodeRateLimited, true
	case status == http.StatusNotFound:
		return recovery.CodeNotFound, true
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return recovery.CodeUnauthorized, true
	case status >= 500:
		return recovery.CodeConnectionReset, true
	case status >= 400:
		return recovery.CodeInvalidData, true
	}
	return 0, false
}

package nodes

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/runflow/workflow"
	"github.com/BaSui01/runflow/workflow/recovery"
	"github.com/BaSui01/runflow/workflow/resource"
)

func TestHTTPRequestWithLeasedClient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "eu", r.Header.Get("X-Region"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "eu", body["region"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"count": 2}`))
	}))
	defer srv.Close()

	e := newEngine(t, `
version: "1"
name: fetch
variables:
  base: {default: "`+srv.URL+`"}
  region: {default: eu}
nodes:
  - {id: start, type: start, next: [req]}
  - {id: client, type: http_client_resource}
  - id: req
    type: http_request
    config:
      url: "${base}/orders"
      method: post
      headers: {X-Region: "${region}"}
      body: {region: "${region}"}
      result_var: data
    next: [check]
  - id: check
    type: if
    config: {condition: "data.count == 2"}
    outputs:
      "true": [ok]
  - {id: ok, type: set_variable, config: {name: ok, value: true}}
edges:
  - {from: client.resource, to: req.client, kind: data}
`, workflow.WithResourceProvider(resource.ClassNetwork, &HTTPClientProvider{}))

	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, sum.Status)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, true, vars(e)["ok"])

	status, _ := e.Context().PortValue("req", "status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, e.Gates().InUse(resource.ClassNetwork))
}

func TestHTTPRequestWithoutClientTakesNetworkSlot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	mgr := resource.NewManager(resource.DefaultConfig())
	ec := workflow.NewExecutionContext("ping", workflow.WithResourceManager(mgr))
	n, err := NewHTTPRequestNode("ping", map[string]any{"url": srv.URL})
	require.NoError(t, err)
	n.DefinePorts()

	res := n.Execute(context.Background(), ec)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "pong", res.Data["body"])
	assert.Equal(t, 0, mgr.Gates().InUse(resource.ClassNetwork))
	assert.Equal(t, 0, mgr.HeldBy("ping"))
}

func TestHTTPRequestStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		code   recovery.Code
	}{
		{http.StatusTooManyRequests, recovery.CodeRateLimited},
		{http.StatusNotFound, recovery.CodeNotFound},
		{http.StatusUnauthorized, recovery.CodeUnauthorized},
		{http.StatusForbidden, recovery.CodeUnauthorized},
		{http.StatusBadGateway, recovery.CodeConnectionReset},
		{http.StatusBadRequest, recovery.CodeInvalidData},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			ec := workflow.NewExecutionContext("status")
			n, err := NewHTTPRequestNode("call", map[string]any{"url": srv.URL})
			require.NoError(t, err)
			res := n.Execute(context.Background(), ec)
			require.False(t, res.Success)
			assert.Equal(t, tt.code, res.ErrorCode)
		})
	}

	_, failed := statusCode(http.StatusNoContent)
	assert.False(t, failed)
}

func TestHTTPNotFoundSkippedWithContinueOnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e := newEngine(t, `
version: "1"
name: tolerant
settings: {continue_on_error: true}
variables:
  base: {default: "`+srv.URL+`"}
nodes:
  - {id: start, type: start, next: [req]}
  - {id: req, type: http_request, config: {url: "${base}/missing"}, next: [after]}
  - {id: after, type: set_variable, config: {name: after, value: true}}
`)
	sum, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, sum.Status)
	assert.Equal(t, true, vars(e)["after"])

	rec, ok := e.Histories().Get(sum.RunID)
	require.True(t, ok)
	last, ok := rec.LastForNode("req")
	require.True(t, ok)
	assert.Equal(t, workflow.RecordSkipped, last.Status)
}

func TestHTTPClientProvider(t *testing.T) {
	p := &HTTPClientProvider{}
	h, err := p.Open(context.Background(), resource.ClassNetwork, "x")
	require.NoError(t, err)
	c, ok := h.(*http.Client)
	require.True(t, ok)
	tr, ok := c.Transport.(*http.Transport)
	require.True(t, ok, "default transport is the hardened one")
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.NoError(t, p.Close(resource.ClassNetwork, h))

	custom := &HTTPClientProvider{Transport: http.DefaultTransport, Timeout: time.Second}
	h, err = custom.Open(context.Background(), resource.ClassNetwork, "y")
	require.NoError(t, err)
	assert.Equal(t, http.DefaultTransport, h.(*http.Client).Transport)
}

package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPolicy() *Policy {
	h := NewDefaultHandler()
	h.Backoff.WithRand(func() float64 { return 0 })
	return NewPolicy(WithDefaultHandler(h), WithLogger(zap.NewNop()))
}

func TestPolicy_CriticalAborts(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	d := p.Decide(&ErrorContext{NodeID: "n1", Code: CodeDesktopSessionLost, MaxRetries: 3})
	assert.Equal(t, ActionAbort, d.Action)
}

func TestPolicy_CriticalBeatsCustomHandler(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()
	p.Register("click", HandlerFunc(func(*ErrorContext) Decision { return Decision{Action: ActionSkip} }))

	d := p.Decide(&ErrorContext{NodeType: "click", Code: CodeBrowserCrashed})
	assert.Equal(t, ActionAbort, d.Action)
}

func TestPolicy_PermanentSkips(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	d := p.Decide(&ErrorContext{Code: CodeElementNotFound, MaxRetries: 3})
	assert.Equal(t, ActionSkip, d.Action)
}

func TestPolicy_TransientRetriesThenEscalates(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	ec := &ErrorContext{NodeID: "fetch", NodeType: "http", Code: CodeConnectionTimeout, MaxRetries: 3}
	for i := 0; i < 3; i++ {
		d := p.Decide(ec)
		require.Equal(t, ActionRetry, d.Action, "attempt %d", i)
		exp := float64(time.Second) * float64(int(1)<<i)
		assert.Equal(t, time.Duration(exp+exp*0.10), d.Delay)
		ec = ec.NextAttempt()
	}

	d := p.Decide(ec)
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Contains(t, d.EscalationMessage, "fetch")
}

func TestPolicy_UnknownRetriesOnceFlat(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	ec := &ErrorContext{Message: "mysterious failure", Kind: KindUnexpected, MaxRetries: 5}
	d := p.Decide(ec)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, time.Second, d.Delay)

	d = p.Decide(ec.NextAttempt())
	assert.Equal(t, ActionEscalate, d.Action)
}

func TestPolicy_AcquireTimeoutNeverRetried(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	d := p.Decide(&ErrorContext{Kind: KindAcquireTimeout, Message: "desktop gate busy", MaxRetries: 3})
	assert.Equal(t, ActionEscalate, d.Action)
}

func TestPolicy_ConfigurationAborts(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	d := p.Decide(&ErrorContext{Kind: KindConfiguration, Message: "target unreachable"})
	assert.Equal(t, ActionAbort, d.Action)
}

func TestPolicy_HandlersByTypeInRegistrationOrder(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()

	p.Register("http", &CodeHandler{
		Codes:    []Code{CodeRateLimited},
		Decision: func(*ErrorContext) Decision { return Decision{Action: ActionRetry, Delay: 5 * time.Second} },
	})
	p.Register("http", HandlerFunc(func(*ErrorContext) Decision { return Decision{Action: ActionEscalate} }))
	p.Register("http", HandlerFunc(func(*ErrorContext) Decision { return Decision{Action: ActionAbort} }))
	p.Register(AnyNodeType, HandlerFunc(func(*ErrorContext) Decision { return Decision{Action: ActionSkip, Reason: "wildcard"} }))

	d := p.Decide(&ErrorContext{NodeType: "http", Code: CodeRateLimited})
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 5*time.Second, d.Delay)

	d = p.Decide(&ErrorContext{NodeType: "http", Code: CodeNotFound})
	assert.Equal(t, ActionEscalate, d.Action)

	d = p.Decide(&ErrorContext{NodeType: "log", Code: CodeConnectionTimeout, MaxRetries: 3})
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "wildcard", d.Reason)
}

func TestPolicy_DefaultCoversUnmatchedTypes(t *testing.T) {
	t.Parallel()
	p := newTestPolicy()
	p.Register("http", HandlerFunc(func(*ErrorContext) Decision { return Decision{Action: ActionAbort} }))

	d := p.Decide(&ErrorContext{NodeType: "browser_click", Code: CodeStaleElement, MaxRetries: 2})
	assert.Equal(t, ActionRetry, d.Action)
}

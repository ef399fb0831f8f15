package recovery

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  2,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	var mu sync.Mutex
	var changes []CircuitState
	done := make(chan struct{}, 8)
	cb := NewCircuitBreaker("n1", testBreakerConfig(), func(_ string, _, to CircuitState, _ string) {
		mu.Lock()
		changes = append(changes, to)
		mu.Unlock()
		done <- struct{}{}
	}, nil)
	cb.now = func() time.Time { return now }

	ok, err := cb.Allow()
	assert.True(t, ok)
	assert.NoError(t, err)

	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, 2, cb.Failures())

	ok, err = cb.Allow()
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "circuit open")

	now = now.Add(time.Minute)
	ok, _ = cb.Allow()
	assert.True(t, ok, "first probe after recovery timeout")
	assert.Equal(t, CircuitHalfOpen, cb.State())
	ok, _ = cb.Allow()
	assert.False(t, ok, "probe budget exhausted")

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())

	for i := 0; i < 3; i++ {
		<-done
	}
	mu.Lock()
	assert.ElementsMatch(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, changes)
	mu.Unlock()
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker("n1", testBreakerConfig(), nil, nil)
	cb.now = func() time.Time { return now }
	cb.RecordFailure()
	cb.RecordFailure()
	now = now.Add(2 * time.Minute)
	_, _ = cb.Allow()
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
}

func TestBreakerHandler_OpenCircuitEscalatesRetries(t *testing.T) {
	t.Parallel()
	h := NewDefaultHandler()
	h.Backoff.WithRand(func() float64 { return 0 })
	p := NewPolicy(WithDefaultHandler(h), WithCircuitBreaker(testBreakerConfig(), nil))
	require.NotNil(t, p.Breakers())

	failure := func() *ErrorContext {
		return &ErrorContext{NodeID: "fetch", NodeType: "http_request", Code: CodeConnectionTimeout, MaxRetries: 5}
	}

	assert.Equal(t, ActionRetry, p.Decide(failure()).Action)
	d := p.Decide(failure())
	assert.Equal(t, ActionEscalate, d.Action)
	assert.Contains(t, d.Reason, "circuit open")
	assert.Equal(t, CircuitOpen, p.Breakers().States()["fetch"])

	// 其他节点不受影响
	other := failure()
	other.NodeID = "other"
	assert.Equal(t, ActionRetry, p.Decide(other).Action)

	p.Breakers().ResetAll()
	assert.Equal(t, ActionRetry, p.Decide(failure()).Action)
}

func TestBreakerHandler_SuccessResetsStreak(t *testing.T) {
	t.Parallel()
	p := NewPolicy(WithCircuitBreaker(testBreakerConfig(), nil))
	ec := &ErrorContext{NodeID: "n", Code: CodeConnectionReset, MaxRetries: 5}

	p.Decide(ec)
	p.RecordSuccess("n")
	p.RecordSuccess("never-failed")
	assert.Equal(t, 0, p.Breakers().Breaker("n").Failures())
	assert.Equal(t, CircuitClosed, p.Breakers().Breaker("n").State())
}

func TestBreakerHandler_NonRetryDecisionsPassThrough(t *testing.T) {
	t.Parallel()
	p := NewPolicy(WithCircuitBreaker(testBreakerConfig(), nil))
	for i := 0; i < 3; i++ {
		d := p.Decide(&ErrorContext{NodeID: "n", Code: CodeInvalidData})
		assert.Equal(t, ActionSkip, d.Action)
	}
	assert.Nil(t, NewPolicy().Breakers())
}

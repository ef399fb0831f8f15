package recovery

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState 熔断器状态
type CircuitState int

const (
	// CircuitClosed 正常状态，允许重试
	CircuitClosed CircuitState = iota
	// CircuitOpen 熔断状态，拒绝重试
	CircuitOpen
	// CircuitHalfOpen 半开状态，允许有限的探测重试
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// RecoveryTimeout 熔断后等待恢复的时间
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测次数
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" json:"half_open_max_probes"`
	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

// StateChangeFunc is called after a breaker changes state. It runs on its
// own goroutine.
type StateChangeFunc func(nodeID string, from, to CircuitState, reason string)

// CircuitBreaker tracks consecutive failures of one node across runs.
type CircuitBreaker struct {
	nodeID      string
	config      BreakerConfig
	state       CircuitState
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
	onChange    StateChangeFunc
	now         func() time.Time
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(nodeID string, config BreakerConfig, onChange StateChangeFunc, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		nodeID:   nodeID,
		config:   config,
		onChange: onChange,
		now:      time.Now,
		logger:   logger.With(zap.String("node_id", nodeID)),
	}
}

// Allow reports whether another attempt may be made.
func (cb *CircuitBreaker) Allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil

	case CircuitOpen:
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probes = 1
			cb.successes = 0
			return true, nil
		}
		return false, fmt.Errorf("circuit open for node %s: %d consecutive failures, retry after %v",
			cb.nodeID, cb.failures, cb.config.RecoveryTimeout-elapsed)

	case CircuitHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxProbes {
			cb.probes++
			return true, nil
		}
		return false, fmt.Errorf("circuit half-open for node %s: max probes (%d) reached",
			cb.nodeID, cb.config.HalfOpenMaxProbes)

	default:
		return false, fmt.Errorf("unknown circuit state: %d", cb.state)
	}
}

// RecordSuccess 记录成功
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}
	case CircuitHalfOpen:
		// 半开状态下任何失败都重新熔断
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(to CircuitState, reason string) {
	from := cb.state
	cb.state = to

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", from.String()),
		zap.String("new_state", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.onChange != nil {
		go cb.onChange(cb.nodeID, from, to, reason)
	}
}

// BreakerHandler wraps another handler with one circuit breaker per node.
// Every failure counts against the node's breaker; while the breaker refuses
// attempts, retry decisions of the wrapped handler become escalations.
type BreakerHandler struct {
	next     Handler
	config   BreakerConfig
	onChange StateChangeFunc
	logger   *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerHandler wraps next. A nil next uses NewDefaultHandler.
func NewBreakerHandler(next Handler, config BreakerConfig, onChange StateChangeFunc, logger *zap.Logger) *BreakerHandler {
	if next == nil {
		next = NewDefaultHandler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerHandler{
		next:     next,
		config:   config,
		onChange: onChange,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

func (h *BreakerHandler) CanHandle(ec *ErrorContext) bool { return h.next.CanHandle(ec) }

func (h *BreakerHandler) Handle(ec *ErrorContext) Decision {
	cb := h.Breaker(ec.NodeID)
	cb.RecordFailure()
	d := h.next.Handle(ec)
	if d.Action != ActionRetry {
		return d
	}
	if ok, err := cb.Allow(); !ok {
		return escalate(ec, err.Error())
	}
	return d
}

// RecordSuccess resets the failure streak of nodeID.
func (h *BreakerHandler) RecordSuccess(nodeID string) {
	h.mu.RLock()
	cb, ok := h.breakers[nodeID]
	h.mu.RUnlock()
	if ok {
		cb.RecordSuccess()
	}
}

// Breaker returns the breaker of nodeID, creating it on first use.
func (h *BreakerHandler) Breaker(nodeID string) *CircuitBreaker {
	h.mu.RLock()
	if cb, ok := h.breakers[nodeID]; ok {
		h.mu.RUnlock()
		return cb
	}
	h.mu.RUnlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[nodeID]; ok {
		return cb
	}
	cb := NewCircuitBreaker(nodeID, h.config, h.onChange, h.logger)
	h.breakers[nodeID] = cb
	return cb
}

// States returns the state of every breaker.
func (h *BreakerHandler) States() map[string]CircuitState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]CircuitState, len(h.breakers))
	for id, cb := range h.breakers {
		out[id] = cb.State()
	}
	return out
}

// ResetAll closes every breaker.
func (h *BreakerHandler) ResetAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cb := range h.breakers {
		cb.Reset()
	}
}

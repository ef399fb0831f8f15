package recovery

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// AnyNodeType registers a handler that applies to every node type.
const AnyNodeType = "*"

// Handler decides how to recover from one failure.
type Handler interface {
	// CanHandle reports whether this handler applies to ec.
	CanHandle(ec *ErrorContext) bool
	// Handle returns the decision for ec.
	Handle(ec *ErrorContext) Decision
}

// HandlerFunc adapts a function into a Handler that applies to everything.
type HandlerFunc func(ec *ErrorContext) Decision

func (f HandlerFunc) CanHandle(*ErrorContext) bool { return true }

func (f HandlerFunc) Handle(ec *ErrorContext) Decision { return f(ec) }

// CodeHandler applies only to the listed codes.
type CodeHandler struct {
	Codes    []Code
	Decision func(ec *ErrorContext) Decision
}

func (h *CodeHandler) CanHandle(ec *ErrorContext) bool {
	for _, c := range h.Codes {
		if c == ec.Code {
			return true
		}
	}
	return false
}

func (h *CodeHandler) Handle(ec *ErrorContext) Decision { return h.Decision(ec) }

// DefaultHandler implements the engine-wide recovery rules.
type DefaultHandler struct {
	Backoff      *Backoff
	UnknownDelay time.Duration
}

// NewDefaultHandler returns the default handler with the engine backoff.
func NewDefaultHandler() *DefaultHandler {
	return &DefaultHandler{
		Backoff:      DefaultBackoff(),
		UnknownDelay: time.Second,
	}
}

func (h *DefaultHandler) CanHandle(*ErrorContext) bool { return true }

// Handle applies, in order: critical aborts, acquisition timeouts escalate,
// configuration errors abort, permanent failures skip, transient failures
// retry with backoff until MaxRetries then escalate, unknown failures retry
// once then escalate.
func (h *DefaultHandler) Handle(ec *ErrorContext) Decision {
	if ec.Severity == SeverityCritical {
		return abort("critical severity")
	}

	switch ec.Kind {
	case KindAcquireTimeout:
		return escalate(ec, "resource acquisition timed out; caller may retry")
	case KindConfiguration:
		return abort("configuration error")
	}

	switch ec.Classification {
	case Permanent:
		return skip("permanent failure")
	case Transient:
		if ec.RetryCount < ec.MaxRetries {
			return retry(h.Backoff.Delay(ec.RetryCount), "transient failure")
		}
		return escalate(ec, "retries exhausted")
	case Unknown:
		if ec.RetryCount == 0 {
			return retry(h.UnknownDelay, "unknown failure, retrying once")
		}
		return escalate(ec, "unknown failure repeated")
	default:
		return skip("unclassified failure")
	}
}

// Policy maps a failure to a recovery decision.
//
// Handlers are scoped by node type and tried in registration order; the first
// applicable one wins. Handlers registered for AnyNodeType are tried after the
// type-specific ones, and the default handler covers everything else.
type Policy struct {
	handlers map[string][]Handler
	fallback Handler
	breaker  *BreakerHandler
	logger   *zap.Logger
	mu       sync.RWMutex

	breakerCfg      *BreakerConfig
	breakerOnChange StateChangeFunc
}

// SuccessRecorder is implemented by handlers that track node health across
// attempts.
type SuccessRecorder interface {
	RecordSuccess(nodeID string)
}

// Option configures a Policy.
type Option func(*Policy)

// WithDefaultHandler replaces the fallback handler.
func WithDefaultHandler(h Handler) Option {
	return func(p *Policy) {
		if h != nil {
			p.fallback = h
		}
	}
}

// WithLogger sets the policy logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Policy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCircuitBreaker wraps the default handler in a BreakerHandler so that
// nodes failing repeatedly stop being retried.
func WithCircuitBreaker(cfg BreakerConfig, onChange StateChangeFunc) Option {
	return func(p *Policy) {
		p.breakerCfg = &cfg
		p.breakerOnChange = onChange
	}
}

// NewPolicy creates a policy backed by NewDefaultHandler.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		handlers: make(map[string][]Handler),
		fallback: NewDefaultHandler(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "recovery_policy"))
	if p.breakerCfg != nil {
		p.breaker = NewBreakerHandler(p.fallback, *p.breakerCfg, p.breakerOnChange, p.logger)
		p.fallback = p.breaker
	}
	return p
}

// Breakers returns the circuit breaker handler, nil unless the policy was
// built with WithCircuitBreaker.
func (p *Policy) Breakers() *BreakerHandler { return p.breaker }

// RecordSuccess tells every health-tracking handler that nodeID succeeded.
func (p *Policy) RecordSuccess(nodeID string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if r, ok := p.fallback.(SuccessRecorder); ok {
		r.RecordSuccess(nodeID)
	}
	for _, hs := range p.handlers {
		for _, h := range hs {
			if r, ok := h.(SuccessRecorder); ok {
				r.RecordSuccess(nodeID)
			}
		}
	}
}

// Register adds a handler for nodeType (or AnyNodeType).
func (p *Policy) Register(nodeType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[nodeType] = append(p.handlers[nodeType], h)
}

// Decide classifies ec and returns the recovery decision.
// Critical severity aborts regardless of any registered handler.
func (p *Policy) Decide(ec *ErrorContext) Decision {
	Classify(ec)

	if ec.Severity == SeverityCritical {
		return abort("critical severity")
	}

	d := p.handlerFor(ec).Handle(ec)

	p.logger.Debug("recovery decision",
		zap.String("node_id", ec.NodeID),
		zap.String("node_type", ec.NodeType),
		zap.String("category", string(ec.Category)),
		zap.String("classification", string(ec.Classification)),
		zap.String("severity", string(ec.Severity)),
		zap.Int("retry_count", ec.RetryCount),
		zap.String("action", string(d.Action)),
		zap.Duration("delay", d.Delay),
	)
	return d
}

func (p *Policy) handlerFor(ec *ErrorContext) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, key := range []string{ec.NodeType, AnyNodeType} {
		for _, h := range p.handlers[key] {
			if h.CanHandle(ec) {
				return h
			}
		}
	}
	return p.fallback
}

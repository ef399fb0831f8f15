package recovery

import (
	"fmt"
	"time"
)

// Category groups failures by the subsystem they originate from.
type Category string

const (
	CategoryBrowser       Category = "browser"
	CategoryDesktop       Category = "desktop"
	CategoryData          Category = "data"
	CategoryConfiguration Category = "configuration"
	CategoryNetwork       Category = "network"
	CategoryResource      Category = "resource"
	CategoryExecution     Category = "execution"
)

// Classification drives retry eligibility.
type Classification string

const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
	Unknown   Classification = "unknown"
)

// Severity of a failure. Critical always aborts.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Kind distinguishes how a failure surfaced at the execution boundary.
type Kind string

const (
	// KindBusiness is a failure reported by the node through its result.
	KindBusiness Kind = "business"
	// KindUnexpected is a panic or error caught at the execution boundary.
	KindUnexpected Kind = "unexpected"
	// KindNodeTimeout means the node exceeded the per-node timeout.
	KindNodeTimeout Kind = "node_timeout"
	// KindAcquireTimeout means a resource gate was not granted in time.
	KindAcquireTimeout Kind = "acquire_timeout"
	// KindConfiguration covers subgraph and graph configuration errors.
	KindConfiguration Kind = "configuration"
)

// Action is the recovery verdict for one failure.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionSkip     Action = "skip"
	ActionEscalate Action = "escalate"
	ActionAbort    Action = "abort"
)

// ErrorContext describes one failed node execution.
type ErrorContext struct {
	NodeID         string         `json:"node_id"`
	NodeType       string         `json:"node_type"`
	Message        string         `json:"message"`
	ErrorType      string         `json:"error_type,omitempty"`
	Code           Code           `json:"code,omitempty"`
	Kind           Kind           `json:"kind"`
	Category       Category       `json:"category"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	Err            error          `json:"-"`
}

// Error implements error so an ErrorContext can travel through error returns.
func (e *ErrorContext) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("node %s (%s) failed [%d]: %s", e.NodeID, e.NodeType, e.Code, e.Message)
	}
	return fmt.Sprintf("node %s (%s) failed: %s", e.NodeID, e.NodeType, e.Message)
}

// Unwrap returns the original error, if any.
func (e *ErrorContext) Unwrap() error {
	return e.Err
}

// NextAttempt returns a copy with RetryCount incremented.
func (e *ErrorContext) NextAttempt() *ErrorContext {
	next := *e
	next.RetryCount++
	return &next
}

// Decision is the outcome of the recovery policy.
type Decision struct {
	Action            Action        `json:"action"`
	Reason            string        `json:"reason"`
	Delay             time.Duration `json:"delay,omitempty"`
	EscalationMessage string        `json:"escalation_message,omitempty"`
}

func retry(delay time.Duration, reason string) Decision {
	return Decision{Action: ActionRetry, Delay: delay, Reason: reason}
}

func skip(reason string) Decision {
	return Decision{Action: ActionSkip, Reason: reason}
}

func abort(reason string) Decision {
	return Decision{Action: ActionAbort, Reason: reason}
}

func escalate(ec *ErrorContext, reason string) Decision {
	return Decision{
		Action:            ActionEscalate,
		Reason:            reason,
		EscalationMessage: fmt.Sprintf("node %q (%s) needs attention after %d attempt(s): %s",
			ec.NodeID, ec.NodeType, ec.RetryCount+1, ec.Message),
	}
}

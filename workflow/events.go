package workflow

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType 执行事件类型
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventNodeStarted   EventType = "node_started"
	EventNodeCompleted EventType = "node_completed"
	EventNodeFailed    EventType = "node_failed"
	EventNodeRetry     EventType = "node_retry"
	EventNodeSkipped   EventType = "node_skipped"
	EventEscalation    EventType = "escalation"
	EventProgress      EventType = "progress"
	EventPaused        EventType = "paused"
	EventResumed       EventType = "resumed"
	EventStopped       EventType = "stopped"
	EventBranchFailed  EventType = "branch_failed"
	EventRunCompleted  EventType = "run_completed"
)

// Event 执行事件
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	NodeType  string         `json:"node_type,omitempty"`
	Message   string         `json:"message,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Delay     time.Duration  `json:"delay,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventSink receives execution events. Emit must never block execution.
type EventSink interface {
	Emit(Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// FuncSink adapts a function. The function must not block.
type FuncSink func(Event)

func (f FuncSink) Emit(e Event) { f(e) }

// ChannelSink delivers events to a buffered channel, dropping them when the
// buffer is full.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
	mu      sync.RWMutex
	closed  bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit 非阻塞投递
func (s *ChannelSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side.
func (s *ChannelSink) Events() <-chan Event { return s.ch }

// Dropped returns how many events were dropped.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// Close closes the channel; later events are discarded.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

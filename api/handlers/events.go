package handlers

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/runflow/workflow"
)

// =============================================================================
// 📡 事件推送（WebSocket）
// =============================================================================

const (
	subscriberBuffer = 128
	writeTimeout     = 5 * time.Second
)

// EventHub 把引擎事件扇出给 WebSocket 订阅者。EventHub 实现
// workflow.EventSink，慢订阅者的事件会被丢弃，不阻塞引擎。
type EventHub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Int64
}

type subscriber struct {
	ch    chan workflow.Event
	runID string
}

// NewEventHub 创建事件中心
func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		logger: logger.With(zap.String("component", "event_hub")),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Emit implements workflow.EventSink.
func (h *EventHub) Emit(e workflow.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.runID != "" && s.runID != e.RunID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. An empty runID receives every event.
// The returned cancel func unregisters it and closes the channel.
func (h *EventHub) Subscribe(runID string) (<-chan workflow.Event, func()) {
	s := &subscriber{ch: make(chan workflow.Event, subscriberBuffer), runID: runID}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many events were dropped for slow subscribers.
func (h *EventHub) Dropped() int64 { return h.dropped.Load() }

// HandleEvents 处理 GET /v1/events[?run_id=...]，升级为 WebSocket 并推送事件
// @Summary 事件流
// @Tags 运行
// @Router /v1/events [get]
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	runID := r.URL.Query().Get("run_id")
	events, cancel := h.Subscribe(runID)
	defer cancel()

	// 只写不读；CloseRead 在客户端断开时取消 ctx
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug("event subscriber connected", zap.String("run_id", runID))

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(ctx, conn, e); err != nil {
				h.logger.Debug("event subscriber gone", zap.Error(err))
				return
			}
		}
	}
}

func (h *EventHub) write(ctx context.Context, conn *websocket.Conn, e workflow.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}

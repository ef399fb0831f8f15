package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/runflow/types"
)

// Provider opens and closes the concrete handle behind a lease.
// A nil provider for a class yields leases without a handle.
type Provider interface {
	Open(ctx context.Context, class Class, callerID string) (any, error)
	Close(class Class, handle any) error
}

// PartitionProvider is implemented by providers that can carve independently
// closeable sub-handles (browser tabs, desktop windows) out of a handle.
type PartitionProvider interface {
	OpenPartition(ctx context.Context, class Class, handle any, name string) (any, error)
	ClosePartition(class Class, partition any) error
}

// Metrics receives gate acquisition observations.
type Metrics interface {
	RecordAcquire(class string, wait time.Duration, result string)
	SetInUse(class string, n int)
}

// Acquisition results reported to Metrics.
const (
	ResultGranted  = "granted"
	ResultTimeout  = "timeout"
	ResultCanceled = "canceled"
	ResultFailed   = "failed"
)

// Manager enforces per-class concurrency caps. Managers obtained through
// Derive share gates with their parent but track their own leases, so
// cleanup in one execution context never releases another context's leases.
type Manager struct {
	gates     *Gates
	cfg       Config
	providers map[Class]Provider
	metrics   Metrics
	logger    *zap.Logger

	mu     sync.Mutex
	leases map[string][]*Lease
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithProvider installs the handle provider for class.
func WithProvider(class Class, p Provider) Option {
	return func(m *Manager) { m.providers[class] = p }
}

// WithMetrics installs a metrics hook.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithGates makes the manager use existing session gates.
func WithGates(g *Gates) Option {
	return func(m *Manager) {
		if g != nil {
			m.gates = g
		}
	}
}

// NewManager creates a manager with fresh gates built from cfg.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	m := &Manager{
		cfg:       cfg,
		providers: make(map[Class]Provider),
		logger:    zap.NewNop(),
		leases:    make(map[string][]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.gates == nil {
		m.gates = NewGates(cfg)
	}
	m.logger = m.logger.With(zap.String("component", "resource_manager"))
	return m
}

// Derive returns a manager sharing this manager's gates, providers and hooks
// with an empty lease set.
func (m *Manager) Derive() *Manager {
	providers := make(map[Class]Provider, len(m.providers))
	for k, v := range m.providers {
		providers[k] = v
	}
	return &Manager{
		gates:     m.gates,
		cfg:       m.cfg,
		providers: providers,
		metrics:   m.metrics,
		logger:    m.logger,
		leases:    make(map[string][]*Lease),
	}
}

// Gates returns the shared session gates.
func (m *Manager) Gates() *Gates { return m.gates }

// Acquire waits up to timeout for a slot of class. A non-positive timeout
// uses the configured default. On timeout an *AcquireTimeoutError is returned;
// if ctx itself ends first, ctx's error is returned instead.
func (m *Manager) Acquire(ctx context.Context, class Class, callerID string, timeout time.Duration) (*Lease, error) {
	sem, err := m.gates.gate(class)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.cfg.AcquireTimeout
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, types.NewError(types.ErrResourceUnavailable, "resource manager closed")
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sem.Acquire(actx, 1); err != nil {
		return nil, m.waitFailed(ctx, class, callerID, timeout, start)
	}

	if class == ClassNetwork && m.gates.limiter != nil {
		if err := m.gates.limiter.Wait(actx); err != nil {
			sem.Release(1)
			return nil, m.waitFailed(ctx, class, callerID, timeout, start)
		}
	}

	lease := &Lease{
		class:      class,
		callerID:   callerID,
		mgr:        m,
		acquiredAt: time.Now(),
	}

	if p := m.providers[class]; p != nil {
		handle, err := p.Open(ctx, class, callerID)
		if err != nil {
			sem.Release(1)
			m.observe(class, time.Since(start), ResultFailed)
			return nil, types.NewError(types.ErrResourceInitFailed,
				fmt.Sprintf("open %s for %q", class, callerID)).WithCause(err)
		}
		lease.handle = handle
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		// Close 已完成调用方快照，晚到的授予不能再登记
		if p := m.providers[class]; p != nil && lease.handle != nil {
			if err := p.Close(class, lease.handle); err != nil {
				m.logger.Warn("closing late handle failed", zap.String("caller_id", callerID), zap.Error(err))
			}
		}
		sem.Release(1)
		m.observe(class, time.Since(start), ResultFailed)
		return nil, types.NewError(types.ErrResourceUnavailable, "resource manager closed")
	}
	n := m.gates.inUse[class].Add(1)
	m.leases[callerID] = append(m.leases[callerID], lease)
	m.mu.Unlock()

	m.observe(class, time.Since(start), ResultGranted)
	if m.metrics != nil {
		m.metrics.SetInUse(string(class), int(n))
	}
	m.logger.Debug("resource acquired",
		zap.String("class", string(class)),
		zap.String("caller_id", callerID),
		zap.Duration("wait", time.Since(start)),
	)
	return lease, nil
}

func (m *Manager) waitFailed(ctx context.Context, class Class, callerID string, timeout time.Duration, start time.Time) error {
	if err := ctx.Err(); err != nil {
		m.observe(class, time.Since(start), ResultCanceled)
		return err
	}
	m.observe(class, time.Since(start), ResultTimeout)
	m.logger.Warn("resource acquire timed out",
		zap.String("class", string(class)),
		zap.String("caller_id", callerID),
		zap.Duration("timeout", timeout),
	)
	return &AcquireTimeoutError{Class: class, CallerID: callerID, Timeout: timeout}
}

func (m *Manager) observe(class Class, wait time.Duration, result string) {
	if m.metrics != nil {
		m.metrics.RecordAcquire(string(class), wait, result)
	}
}

// AcquireBrowser acquires a browser slot.
func (m *Manager) AcquireBrowser(ctx context.Context, callerID string, timeout time.Duration) (*Lease, error) {
	return m.Acquire(ctx, ClassBrowser, callerID, timeout)
}

// AcquireDesktop acquires the single desktop slot.
func (m *Manager) AcquireDesktop(ctx context.Context, callerID string, timeout time.Duration) (*Lease, error) {
	return m.Acquire(ctx, ClassDesktop, callerID, timeout)
}

// AcquireNetwork acquires a network client slot.
func (m *Manager) AcquireNetwork(ctx context.Context, callerID string, timeout time.Duration) (*Lease, error) {
	return m.Acquire(ctx, ClassNetwork, callerID, timeout)
}

// With runs fn while holding a lease of class. The lease is released on every
// exit path, panics included.
func (m *Manager) With(ctx context.Context, class Class, callerID string, timeout time.Duration, fn func(*Lease) error) error {
	lease, err := m.Acquire(ctx, class, callerID, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			m.logger.Warn("release failed", zap.String("caller_id", callerID), zap.Error(rerr))
		}
	}()
	return fn(lease)
}

// WithBrowser runs fn holding a browser lease.
func (m *Manager) WithBrowser(ctx context.Context, callerID string, timeout time.Duration, fn func(*Lease) error) error {
	return m.With(ctx, ClassBrowser, callerID, timeout, fn)
}

// WithDesktop runs fn holding the desktop lease.
func (m *Manager) WithDesktop(ctx context.Context, callerID string, timeout time.Duration, fn func(*Lease) error) error {
	return m.With(ctx, ClassDesktop, callerID, timeout, fn)
}

// WithNetwork runs fn holding a network lease.
func (m *Manager) WithNetwork(ctx context.Context, callerID string, timeout time.Duration, fn func(*Lease) error) error {
	return m.With(ctx, ClassNetwork, callerID, timeout, fn)
}

// CleanupCallerResources releases every lease (and its partitions) still held
// by callerID. It returns the number of leases released.
func (m *Manager) CleanupCallerResources(callerID string) (int, error) {
	m.mu.Lock()
	leases := append([]*Lease(nil), m.leases[callerID]...)
	m.mu.Unlock()

	var errs []error
	n := 0
	// 按获取顺序逆序释放
	for i := len(leases) - 1; i >= 0; i-- {
		if leases[i].Released() {
			continue
		}
		if err := leases[i].Release(); err != nil {
			errs = append(errs, err)
		}
		n++
	}
	if n > 0 {
		m.logger.Debug("caller resources cleaned up", zap.String("caller_id", callerID), zap.Int("released", n))
	}
	return n, errors.Join(errs...)
}

// HeldBy returns the number of live leases held by callerID.
func (m *Manager) HeldBy(callerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases[callerID])
}

// Close releases every lease this manager handed out and rejects further
// acquisitions. Gates shared with other managers are left untouched.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	callers := make([]string, 0, len(m.leases))
	for id := range m.leases {
		callers = append(callers, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range callers {
		if _, err := m.CleanupCallerResources(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.leases[l.callerID]
	for i, x := range list {
		if x == l {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(m.leases, l.callerID)
	} else {
		m.leases[l.callerID] = list
	}
}

package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/runflow/types"
)

// Lease is a held gate slot. Release is idempotent.
type Lease struct {
	class      Class
	callerID   string
	handle     any
	mgr        *Manager
	acquiredAt time.Time

	once     sync.Once
	released atomic.Bool
	relErr   error

	mu         sync.Mutex
	partitions []*Partition
}

// Class returns the leased class.
func (l *Lease) Class() Class { return l.class }

// CallerID returns the caller the lease was acquired for.
func (l *Lease) CallerID() string { return l.callerID }

// Handle returns the provider handle, or nil when no provider is installed.
func (l *Lease) Handle() any { return l.handle }

// AcquiredAt returns when the gate was granted.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Released reports whether Release has run.
func (l *Lease) Released() bool { return l.released.Load() }

// Partition opens a named sub-handle scoped to this lease. The provider for
// the class must implement PartitionProvider.
func (l *Lease) Partition(ctx context.Context, name string) (*Partition, error) {
	if l.Released() {
		return nil, types.Errorf(types.ErrLeaseReleased, "lease for %q already released", l.callerID)
	}
	pp, ok := l.mgr.providers[l.class].(PartitionProvider)
	if !ok {
		return nil, types.Errorf(types.ErrResourceUnavailable, "%s provider does not support partitions", l.class)
	}
	h, err := pp.OpenPartition(ctx, l.class, l.handle, name)
	if err != nil {
		return nil, types.NewError(types.ErrResourceInitFailed,
			fmt.Sprintf("open %s partition %q", l.class, name)).WithCause(err)
	}
	p := &Partition{name: name, lease: l, handle: h}

	l.mu.Lock()
	l.partitions = append(l.partitions, p)
	l.mu.Unlock()
	return p, nil
}

// Release closes open partitions, closes the handle and returns the slot.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.released.Store(true)

		l.mu.Lock()
		parts := l.partitions
		l.partitions = nil
		l.mu.Unlock()

		var errs []error
		for i := len(parts) - 1; i >= 0; i-- {
			if err := parts[i].Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if p := l.mgr.providers[l.class]; p != nil && l.handle != nil {
			if err := p.Close(l.class, l.handle); err != nil {
				errs = append(errs, err)
			}
		}

		l.mgr.forget(l)
		n := l.mgr.gates.inUse[l.class].Add(-1)
		l.mgr.gates.sems[l.class].Release(1)
		if l.mgr.metrics != nil {
			l.mgr.metrics.SetInUse(string(l.class), int(n))
		}
		l.relErr = errors.Join(errs...)
	})
	return l.relErr
}

// Partition is an independently closeable sub-handle of a lease.
type Partition struct {
	name   string
	lease  *Lease
	handle any
	once   sync.Once
	err    error
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.name }

// Handle returns the provider's partition handle.
func (p *Partition) Handle() any { return p.handle }

// Close closes the partition. Safe to call more than once.
func (p *Partition) Close() error {
	p.once.Do(func() {
		pp, ok := p.lease.mgr.providers[p.lease.class].(PartitionProvider)
		if ok {
			p.err = pp.ClosePartition(p.lease.class, p.handle)
		}
		l := p.lease
		l.mu.Lock()
		for i, x := range l.partitions {
			if x == p {
				l.partitions = append(l.partitions[:i], l.partitions[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
	})
	return p.err
}

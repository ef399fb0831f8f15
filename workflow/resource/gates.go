package resource

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/runflow/types"
)

// Class identifies a scarce external resource type.
type Class string

const (
	// ClassBrowser is a pooled browser instance.
	ClassBrowser Class = "browser"
	// ClassDesktop is the desktop automation slot. OS input focus cannot be
	// shared, so the class is globally exclusive.
	ClassDesktop Class = "desktop"
	// ClassNetwork is a pooled network client.
	ClassNetwork Class = "network"
)

// Classes lists every class in a stable order.
var Classes = []Class{ClassBrowser, ClassDesktop, ClassNetwork}

// Config holds gate capacities and acquisition defaults.
type Config struct {
	// MaxBrowsers 浏览器实例上限
	MaxBrowsers int `yaml:"max_browsers" json:"max_browsers"`
	// MaxNetworkClients 网络客户端上限
	MaxNetworkClients int `yaml:"max_network_clients" json:"max_network_clients"`
	// AcquireTimeout 未显式指定时的获取超时
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// NetworkRate 网络客户端每秒获取速率（0 表示不限）
	NetworkRate float64 `yaml:"network_rate" json:"network_rate"`
	// NetworkBurst 速率限制突发量
	NetworkBurst int `yaml:"network_burst" json:"network_burst"`
}

// DefaultConfig returns the default gate capacities.
func DefaultConfig() Config {
	return Config{
		MaxBrowsers:       3,
		MaxNetworkClients: 10,
		AcquireTimeout:    30 * time.Second,
	}
}

// Gates holds one counting gate per class. A single Gates value is shared by
// every manager derived within one orchestrator session.
type Gates struct {
	sems    map[Class]*semaphore.Weighted
	limits  map[Class]int64
	inUse   map[Class]*atomic.Int64
	limiter *rate.Limiter
}

// NewGates creates gates from cfg. The desktop gate always has capacity 1.
func NewGates(cfg Config) *Gates {
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = DefaultConfig().MaxBrowsers
	}
	if cfg.MaxNetworkClients <= 0 {
		cfg.MaxNetworkClients = DefaultConfig().MaxNetworkClients
	}

	g := &Gates{
		sems:   make(map[Class]*semaphore.Weighted, len(Classes)),
		limits: map[Class]int64{
			ClassBrowser: int64(cfg.MaxBrowsers),
			ClassDesktop: 1,
			ClassNetwork: int64(cfg.MaxNetworkClients),
		},
		inUse: make(map[Class]*atomic.Int64, len(Classes)),
	}
	for _, c := range Classes {
		g.sems[c] = semaphore.NewWeighted(g.limits[c])
		g.inUse[c] = new(atomic.Int64)
	}
	if cfg.NetworkRate > 0 {
		burst := cfg.NetworkBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.NetworkRate), burst)
	}
	return g
}

// Capacity returns the configured capacity of class.
func (g *Gates) Capacity(class Class) int {
	return int(g.limits[class])
}

// InUse returns how many slots of class are currently held.
func (g *Gates) InUse(class Class) int {
	if c, ok := g.inUse[class]; ok {
		return int(c.Load())
	}
	return 0
}

func (g *Gates) gate(class Class) (*semaphore.Weighted, error) {
	s, ok := g.sems[class]
	if !ok {
		return nil, types.Errorf(types.ErrResourceUnavailable, "unknown resource class %q", class)
	}
	return s, nil
}

// ErrAcquireTimeout matches every *AcquireTimeoutError via errors.Is.
var ErrAcquireTimeout = types.NewError(types.ErrAcquireTimeout, "resource acquisition timed out").WithRetryable(true)

// AcquireTimeoutError is returned when a gate is not granted in time.
// It is a distinct, caller-retryable failure kind.
type AcquireTimeoutError struct {
	Class    Class
	CallerID string
	Timeout  time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("acquire %s for %q timed out after %s", e.Class, e.CallerID, e.Timeout)
}

// Is matches ErrAcquireTimeout.
func (e *AcquireTimeoutError) Is(target error) bool {
	return target == ErrAcquireTimeout
}

// Unwrap exposes the structured error so types.GetErrorCode works.
func (e *AcquireTimeoutError) Unwrap() error {
	return types.NewError(types.ErrAcquireTimeout, e.Error()).WithRetryable(true)
}

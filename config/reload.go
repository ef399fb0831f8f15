// 配置热重载。
//
// Reloader 在配置文件变更后重新加载、校验并通知回调。回调失败时
// 自动回滚到上一份配置。
package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConfigChange 单个字段的变更
type ConfigChange struct {
	Path            string    `json:"path"`
	OldValue        any       `json:"old_value,omitempty"`
	NewValue        any       `json:"new_value,omitempty"`
	RequiresRestart bool      `json:"requires_restart"`
	Source          string    `json:"source"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReloadCallback 在新配置生效后调用
type ReloadCallback func(oldConfig, newConfig *Config) error

// hotReloadable 列出无需重启即可生效的字段，其余字段的变更只记录警告
var hotReloadable = map[string]bool{
	"Log.Level":                true,
	"Engine.ContinueOnError":   true,
	"Engine.NodeTimeout":       true,
	"Engine.MaxRetries":        true,
	"Engine.MaxNodeExecutions": true,
}

// sensitive 字段在日志和变更记录中脱敏
var sensitive = map[string]bool{
	"Redis.Password":    true,
	"Database.Password": true,
	"Mongo.URI":         true,
	"Server.JWT.Secret": true,
}

// IsHotReloadable reports whether a change to path applies without restart.
func IsHotReloadable(path string) bool { return hotReloadable[path] }

// Reloader 配置热重载管理器
type Reloader struct {
	mu sync.Mutex

	path      string
	config    *Config
	version   int
	changes   []ConfigChange
	callbacks []ReloadCallback
	watcher   *FileWatcher
	watchOpts []WatcherOption
	logger    *zap.Logger
}

// ReloaderOption configures a Reloader.
type ReloaderOption func(*Reloader)

// WithReloaderLogger 设置日志
func WithReloaderLogger(logger *zap.Logger) ReloaderOption {
	return func(r *Reloader) { r.logger = logger }
}

// WithWatcherOptions 传递给内部 FileWatcher 的选项
func WithWatcherOptions(opts ...WatcherOption) ReloaderOption {
	return func(r *Reloader) { r.watchOpts = append(r.watchOpts, opts...) }
}

// NewReloader 创建热重载管理器，initial 为当前生效的配置
func NewReloader(initial *Config, path string, opts ...ReloaderOption) *Reloader {
	r := &Reloader{
		path:    path,
		config:  initial,
		version: 1,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "config_reloader"))
	return r
}

// OnReload 注册回调
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start 开始监听配置文件
func (r *Reloader) Start(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("no config path set")
	}
	opts := append([]WatcherOption{WithWatcherLogger(r.logger), WithDebounceDelay(500 * time.Millisecond)}, r.watchOpts...)
	w, err := NewFileWatcher([]string{r.path}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.OnChange(func(evt FileEvent) {
		if evt.Op == FileOpRemove {
			return
		}
		if err := r.ReloadFromFile(); err != nil {
			r.logger.Error("failed to reload configuration", zap.Error(err))
		}
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

// Stop 停止监听
func (r *Reloader) Stop() error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

// ReloadFromFile 从文件重新加载；加载或校验失败时保留当前配置
func (r *Reloader) ReloadFromFile() error {
	next, err := NewLoader().WithConfigPath(r.path).Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return r.Apply(next, "file")
}

// Apply 应用新配置。回调返回错误或 panic 时回滚。
func (r *Reloader) Apply(next *Config, source string) error {
	r.mu.Lock()
	prev := r.config
	changes := diffConfigs(prev, next)
	if len(changes) == 0 {
		r.mu.Unlock()
		return nil
	}
	now := time.Now()
	restart := false
	for i := range changes {
		changes[i].Source = source
		changes[i].Timestamp = now
		changes[i].RequiresRestart = !hotReloadable[changes[i].Path]
		restart = restart || changes[i].RequiresRestart
		r.logChange(changes[i])
	}
	r.config = next
	r.version++
	r.changes = append(r.changes, changes...)
	if len(r.changes) > 1000 {
		r.changes = r.changes[len(r.changes)-1000:]
	}
	callbacks := append([]ReloadCallback(nil), r.callbacks...)
	r.mu.Unlock()

	if err := notifySafe(callbacks, prev, next); err != nil {
		r.mu.Lock()
		if r.config == next {
			r.config = prev
			r.version++
			r.logger.Error("reload callback failed, rolled back", zap.Error(err))
		}
		r.mu.Unlock()
		return fmt.Errorf("config applied but callback failed: %w", err)
	}

	if restart {
		r.logger.Warn("some configuration changes require restart to take effect")
	}
	r.logger.Info("configuration reloaded", zap.Int("changes", len(changes)))
	return nil
}

func notifySafe(callbacks []ReloadCallback, prev, next *Config) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("callback panicked: %v", rec)
		}
	}()
	for _, cb := range callbacks {
		if err := cb(prev, next); err != nil {
			return err
		}
	}
	return nil
}

// Current 返回当前配置
func (r *Reloader) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// Version 返回配置版本号，每次应用或回滚递增
func (r *Reloader) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Changes 返回最近 limit 条变更（limit<=0 返回全部）
func (r *Reloader) Changes(limit int) []ConfigChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.changes
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]ConfigChange(nil), out...)
}

func (r *Reloader) logChange(c ConfigChange) {
	fields := []zap.Field{
		zap.String("path", c.Path),
		zap.String("source", c.Source),
		zap.Bool("requires_restart", c.RequiresRestart),
	}
	if !sensitive[c.Path] {
		fields = append(fields, zap.Any("old_value", c.OldValue), zap.Any("new_value", c.NewValue))
	}
	r.logger.Info("configuration changed", fields...)
}

// diffConfigs 递归比较两份配置，敏感字段的值被替换为 [REDACTED]
func diffConfigs(prev, next *Config) []ConfigChange {
	var out []ConfigChange
	compareStructs("", reflect.ValueOf(prev).Elem(), reflect.ValueOf(next).Elem(), &out)
	return out
}

func compareStructs(prefix string, a, b reflect.Value, out *[]ConfigChange) {
	t := a.Type()
	for i := 0; i < a.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		path := f.Name
		if prefix != "" {
			path = prefix + "." + f.Name
		}
		av, bv := a.Field(i), b.Field(i)
		if av.Kind() == reflect.Struct {
			compareStructs(path, av, bv, out)
			continue
		}
		if reflect.DeepEqual(av.Interface(), bv.Interface()) {
			continue
		}
		c := ConfigChange{Path: path, OldValue: av.Interface(), NewValue: bv.Interface()}
		if sensitive[path] {
			c.OldValue, c.NewValue = "[REDACTED]", "[REDACTED]"
		}
		*out = append(*out, c)
	}
}

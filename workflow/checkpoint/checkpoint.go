package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/runflow/types"
)

// Snapshot 执行上下文快照（既用于崩溃恢复，也作为部分执行的运行缓存）
type Snapshot struct {
	ID              string                    `json:"id"`
	RunID           string                    `json:"run_id"`
	Workflow        string                    `json:"workflow"`
	CurrentNode     string                    `json:"current_node,omitempty"`
	Status          string                    `json:"status"`
	Variables       map[string]any            `json:"variables"`
	VariableOrigins map[string]string         `json:"variable_origins,omitempty"`
	PortValues      map[string]map[string]any `json:"port_values,omitempty"`
	ExecutedPath    []string                  `json:"executed_path,omitempty"`
	Final           bool                      `json:"final"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// Store 检查点存储接口
type Store interface {
	// Save 保存快照
	Save(ctx context.Context, snap *Snapshot) error

	// Load 按 ID 加载快照
	Load(ctx context.Context, id string) (*Snapshot, error)

	// LoadLatest 加载工作流最新快照
	LoadLatest(ctx context.Context, workflow string) (*Snapshot, error)

	// List 按时间倒序列出快照
	List(ctx context.Context, workflow string, limit int) ([]*Snapshot, error)

	// Delete 删除快照
	Delete(ctx context.Context, id string) error
}

// ErrNotFound matches every "no such checkpoint" error returned by the stores.
var ErrNotFound = types.NewError(types.ErrCheckpointNotFound, "checkpoint not found")

func notFound(format string, args ...any) error {
	return types.Errorf(types.ErrCheckpointNotFound, format, args...)
}

// prepare fills in ID and CreatedAt.
func prepare(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if snap.Workflow == "" {
		return fmt.Errorf("snapshot workflow cannot be empty")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	return nil
}

func encode(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ====== 内存实现 ======

// MemoryStore 进程内快照存储，进程退出即丢失
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*Snapshot
	limit int
}

// NewMemoryStore 创建内存存储；limit 为每个工作流保留的快照数（<=0 不限）
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Snapshot), limit: limit}
}

// Save 保存快照
func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	if err := prepare(snap); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}
	cp, _ := decode(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.ID] = cp
	if s.limit > 0 {
		list := s.sortedLocked(cp.Workflow)
		for _, old := range list[min(len(list), s.limit):] {
			delete(s.byID, old.ID)
		}
	}
	return nil
}

// Load 按 ID 加载
func (s *MemoryStore) Load(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[id]
	if !ok {
		return nil, notFound("checkpoint %s not found", id)
	}
	return clone(snap), nil
}

// LoadLatest 加载最新快照
func (s *MemoryStore) LoadLatest(_ context.Context, workflow string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.sortedLocked(workflow)
	if len(list) == 0 {
		return nil, notFound("no checkpoints found for workflow: %s", workflow)
	}
	return clone(list[0]), nil
}

// List 列出快照
func (s *MemoryStore) List(_ context.Context, workflow string, limit int) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.sortedLocked(workflow)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]*Snapshot, len(list))
	for i, snap := range list {
		out[i] = clone(snap)
	}
	return out, nil
}

// Delete 删除快照
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *MemoryStore) sortedLocked(workflow string) []*Snapshot {
	var list []*Snapshot
	for _, snap := range s.byID {
		if snap.Workflow == workflow {
			list = append(list, snap)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

func clone(snap *Snapshot) *Snapshot {
	data, err := json.Marshal(snap)
	if err != nil {
		return snap
	}
	cp, err := decode(data)
	if err != nil {
		return snap
	}
	return cp
}

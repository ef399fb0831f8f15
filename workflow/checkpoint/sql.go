package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TableName 快照表名，与 internal/migration 中的迁移脚本保持一致
const TableName = "runflow_checkpoints"

// Record 快照表行
type Record struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Workflow    string    `gorm:"size:255;not null;index:idx_runflow_checkpoints_workflow_created,priority:1"`
	RunID       string    `gorm:"size:64;not null;index"`
	CurrentNode string    `gorm:"size:255"`
	Status      string    `gorm:"size:32"`
	Final       bool      `gorm:"not null;default:false"`
	Payload     string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null;index:idx_runflow_checkpoints_workflow_created,priority:2"`
}

// TableName implements gorm's tabler.
func (Record) TableName() string { return TableName }

// SQLStore gorm 快照存储（postgres / mysql / sqlite）
type SQLStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLStore 创建 SQL 快照存储
func NewSQLStore(db *gorm.DB, logger *zap.Logger) *SQLStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		logger: logger.With(zap.String("store", "sql_checkpoint")),
	}
}

// AutoMigrate 创建快照表。生产环境应使用 runflow migrate。
func (s *SQLStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Record{})
}

// Save 保存快照
func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := prepare(snap); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}

	rec := Record{
		ID:          snap.ID,
		Workflow:    snap.Workflow,
		RunID:       snap.RunID,
		CurrentNode: snap.CurrentNode,
		Status:      snap.Status,
		Final:       snap.Final,
		Payload:     string(data),
		CreatedAt:   snap.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", snap.ID),
		zap.String("workflow", snap.Workflow),
	)
	return nil
}

// Load 加载快照
func (s *SQLStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode([]byte(rec.Payload))
}

// LoadLatest 加载最新快照
func (s *SQLStore) LoadLatest(ctx context.Context, workflow string) (*Snapshot, error) {
	list, err := s.List(ctx, workflow, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, notFound("no checkpoints found for workflow: %s", workflow)
	}
	return list[0], nil
}

// List 按创建时间倒序列出快照
func (s *SQLStore) List(ctx context.Context, workflow string, limit int) ([]*Snapshot, error) {
	q := s.db.WithContext(ctx).
		Where("workflow = ?", workflow).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		snap, err := decode([]byte(rec.Payload))
		if err != nil {
			s.logger.Warn("skipping corrupt checkpoint", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete 删除快照
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Record{}).Error
}

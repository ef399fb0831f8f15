package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore Redis 快照存储。快照以 JSON 保存，工作流索引为按创建时间排序的有序集合。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore 创建 Redis 快照存储
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "runflow"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}
}

// Save 保存快照
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := prepare(snap); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapshotKey(snap.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.workflowKey(snap.Workflow), redis.Z{
		Score:  float64(snap.CreatedAt.UnixMicro()),
		Member: snap.ID,
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.workflowKey(snap.Workflow), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved to redis",
		zap.String("checkpoint_id", snap.ID),
		zap.String("workflow", snap.Workflow),
	)
	return nil
}

// Load 加载快照
func (s *RedisStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode(data)
}

// LoadLatest 加载最新快照
func (s *RedisStore) LoadLatest(ctx context.Context, workflow string) (*Snapshot, error) {
	list, err := s.List(ctx, workflow, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, notFound("no checkpoints found for workflow: %s", workflow)
	}
	return list[0], nil
}

// List 列出快照。已过期的快照会从索引中清理。
func (s *RedisStore) List(ctx context.Context, workflow string, limit int) ([]*Snapshot, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.workflowKey(workflow), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, s.workflowKey(workflow), id)
			continue
		}
		if err != nil {
			s.logger.Warn("failed to load checkpoint", zap.String("id", id), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete 删除快照
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	snap, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.snapshotKey(id))
	pipe.ZRem(ctx, s.workflowKey(snap.Workflow), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) snapshotKey(id string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.prefix, id)
}

func (s *RedisStore) workflowKey(workflow string) string {
	return fmt.Sprintf("%s:workflow:%s", s.prefix, workflow)
}

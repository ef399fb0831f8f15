package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// MongoCollection is the subset of *mongo.Collection used by MongoStore.
type MongoCollection interface {
	InsertOne(ctx context.Context, document any, opts ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) *mongo.SingleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (*mongo.Cursor, error)
	DeleteOne(ctx context.Context, filter any, opts ...options.Lister[options.DeleteOneOptions]) (*mongo.DeleteResult, error)
}

// mongoDocument 集合中的文档。payload 保留完整 JSON，避免 bson 改变变量的数值类型。
type mongoDocument struct {
	ID        string    `bson:"_id"`
	Workflow  string    `bson:"workflow"`
	RunID     string    `bson:"run_id"`
	Status    string    `bson:"status"`
	Final     bool      `bson:"final"`
	Payload   string    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

// MongoStore MongoDB 快照存储
type MongoStore struct {
	coll   MongoCollection
	logger *zap.Logger
}

// NewMongoStore 创建 MongoDB 快照存储
func NewMongoStore(coll MongoCollection, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		coll:   coll,
		logger: logger.With(zap.String("store", "mongo_checkpoint")),
	}
}

// ConnectMongo 连接 MongoDB 并返回快照集合
func ConnectMongo(ctx context.Context, uri, database, collection string) (*mongo.Client, *mongo.Collection, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, client.Database(database).Collection(collection), nil
}

// Save 保存快照
func (s *MongoStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := prepare(snap); err != nil {
		return err
	}
	data, err := encode(snap)
	if err != nil {
		return err
	}
	doc := mongoDocument{
		ID:        snap.ID,
		Workflow:  snap.Workflow,
		RunID:     snap.RunID,
		Status:    snap.Status,
		Final:     snap.Final,
		Payload:   string(data),
		CreatedAt: snap.CreatedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved to mongo",
		zap.String("checkpoint_id", snap.ID),
		zap.String("workflow", snap.Workflow),
	)
	return nil
}

// Load 加载快照
func (s *MongoStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	var doc mongoDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("checkpoint %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode([]byte(doc.Payload))
}

// LoadLatest 加载最新快照
func (s *MongoStore) LoadLatest(ctx context.Context, workflow string) (*Snapshot, error) {
	var doc mongoDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	err := s.coll.FindOne(ctx, bson.M{"workflow": workflow}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("no checkpoints found for workflow: %s", workflow)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return decode([]byte(doc.Payload))
}

// List 按创建时间倒序列出快照
func (s *MongoStore) List(ctx context.Context, workflow string, limit int) ([]*Snapshot, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{"workflow": workflow}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var docs []mongoDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}

	out := make([]*Snapshot, 0, len(docs))
	for _, doc := range docs {
		snap, err := decode([]byte(doc.Payload))
		if err != nil {
			s.logger.Warn("skipping corrupt checkpoint", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Delete 删除快照
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

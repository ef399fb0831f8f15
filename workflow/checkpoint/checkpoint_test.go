package checkpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/runflow/types"
)

// storeContract 所有存储实现共享的行为约束
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := store.LoadLatest(ctx, "wf")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, types.IsErrorCode(err, types.ErrCheckpointNotFound))

	first := &Snapshot{
		RunID:           "run-1",
		Workflow:        "wf",
		CurrentNode:     "a",
		Status:          "running",
		Variables:       map[string]any{"count": float64(1), "name": "x"},
		VariableOrigins: map[string]string{"count": "a"},
		CreatedAt:       base,
	}
	require.NoError(t, store.Save(ctx, first))
	assert.NotEmpty(t, first.ID)

	second := &Snapshot{
		RunID:        "run-1",
		Workflow:     "wf",
		CurrentNode:  "b",
		Status:       "completed",
		Variables:    map[string]any{"count": float64(2)},
		PortValues:   map[string]map[string]any{"a": {"out": "v"}},
		ExecutedPath: []string{"a", "b"},
		Final:        true,
		CreatedAt:    base.Add(time.Second),
	}
	require.NoError(t, store.Save(ctx, second))
	require.NoError(t, store.Save(ctx, &Snapshot{Workflow: "other", CreatedAt: base.Add(time.Hour)}))

	latest, err := store.LoadLatest(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.True(t, latest.Final)
	assert.Equal(t, []string{"a", "b"}, latest.ExecutedPath)
	assert.Equal(t, "v", latest.PortValues["a"]["out"])
	assert.Equal(t, float64(2), latest.Variables["count"])

	loaded, err := store.Load(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", loaded.VariableOrigins["count"])

	list, err := store.List(ctx, "wf", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	require.NoError(t, store.Delete(ctx, second.ID))
	latest, err = store.LoadLatest(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)

	_, err = store.Load(ctx, second.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.Error(t, store.Save(ctx, &Snapshot{}))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore(0))
}

func TestMemoryStore_Limit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, &Snapshot{Workflow: "wf", CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}
	list, err := s.List(ctx, "wf", 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	snap := &Snapshot{Workflow: "wf", Variables: map[string]any{"k": "v"}}
	require.NoError(t, s.Save(ctx, snap))

	snap.Variables["k"] = "changed"
	got, err := s.LoadLatest(ctx, "wf")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Variables["k"])
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	storeContract(t, NewRedisStore(client, "test", time.Hour, zap.NewNop()))
	assert.True(t, mr.Exists("test:workflow:wf"))
}

func TestRedisStore_ExpiredEntriesPruned(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	s := NewRedisStore(client, "", 0, nil)
	snap := &Snapshot{Workflow: "wf"}
	require.NoError(t, s.Save(ctx, snap))
	mr.Del("runflow:checkpoint:" + snap.ID)

	list, err := s.List(ctx, "wf", 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, err := mr.ZMembers("runflow:workflow:wf")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestSQLStore(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:checkpoint_store?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := NewSQLStore(db, zap.NewNop())
	require.NoError(t, s.AutoMigrate(context.Background()))
	assert.True(t, db.Migrator().HasTable(TableName))

	storeContract(t, s)
}

// fakeCollection 内存版 MongoCollection
type fakeCollection struct {
	mu   sync.Mutex
	docs []mongoDocument
}

func (f *fakeCollection) InsertOne(_ context.Context, document any, _ ...options.Lister[options.InsertOneOptions]) (*mongo.InsertOneResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := document.(mongoDocument)
	for _, d := range f.docs {
		if d.ID == doc.ID {
			return nil, errors.New("duplicate key")
		}
	}
	f.docs = append(f.docs, doc)
	return &mongo.InsertOneResult{InsertedID: doc.ID}, nil
}

func (f *fakeCollection) match(filter any) []mongoDocument {
	m := filter.(bson.M)
	var out []mongoDocument
	for _, d := range f.docs {
		if id, ok := m["_id"]; ok && d.ID != id {
			continue
		}
		if wf, ok := m["workflow"]; ok && d.Workflow != wf {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (f *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) *mongo.SingleResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := f.match(filter)
	if len(docs) == 0 {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}
	return mongo.NewSingleResultFromDocument(docs[0], nil, nil)
}

func (f *fakeCollection) Find(_ context.Context, filter any, _ ...options.Lister[options.FindOptions]) (*mongo.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs := f.match(filter)
	items := make([]any, len(docs))
	for i, d := range docs {
		items[i] = d
	}
	return mongo.NewCursorFromDocuments(items, nil, nil)
}

func (f *fakeCollection) DeleteOne(_ context.Context, filter any, _ ...options.Lister[options.DeleteOneOptions]) (*mongo.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := filter.(bson.M)["_id"]
	for i, d := range f.docs {
		if d.ID == id {
			f.docs = append(f.docs[:i], f.docs[i+1:]...)
			return &mongo.DeleteResult{DeletedCount: 1}, nil
		}
	}
	return &mongo.DeleteResult{}, nil
}

func TestMongoStore(t *testing.T) {
	storeContract(t, NewMongoStore(&fakeCollection{}, zap.NewNop()))
}

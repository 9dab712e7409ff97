package database

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const recordsCollection = "records"

// CloverStore keeps records in an embedded clover document store. The
// store holds an exclusive lock on its directory, so it serves a single
// process only.
type CloverStore struct {
	db     *clover.DB
	logger types.Logger
	config *types.RecordsConfig
	state  atomic.Value
	mu     sync.Mutex
	now    func() time.Time
}

func NewCloverStore(ctx context.Context, logger types.Logger, config *types.RecordsConfig) (*CloverStore, error) {
	if err := os.MkdirAll(config.Path, 0o755); err != nil {
		return nil, types.WrapError(errors.WithStack(err), "failed to create clover directory")
	}

	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(errors.WithStack(err), "failed to open clover records store")
	}

	s := &CloverStore{
		db:     db,
		logger: logger,
		config: config,
		now:    time.Now,
	}

	s.state.Store(StateStopped)
	return s, nil
}

func (c *CloverStore) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	exists, err := c.db.HasCollection(recordsCollection)
	if err == nil && !exists {
		err = c.db.CreateCollection(recordsCollection)
	}
	if err != nil {
		c.setState(StateStopped)
		return types.WrapError(errors.WithStack(err), "failed to prepare records collection")
	}

	c.setState(StateRunning)
	c.logger.Info("Clover records store started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverStore) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.setState(StateStopped)

	if err := c.db.Close(); err != nil {
		return types.WrapError(errors.WithStack(err), "failed to close clover records store")
	}

	c.logger.Info("Clover records store stopped gracefully")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverStore) Upsert(ctx context.Context, key, recordType string, value float64) (*types.Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := &types.Record{Key: key, Type: recordType, Value: value, UpdatedAt: c.now().UTC()}
	stamp := record.UpdatedAt.Format(time.RFC3339Nano)

	query := c.db.Query(recordsCollection).
		Where(clover.Field("key").Eq(key).And(clover.Field("type").Eq(recordType)))

	existing, err := query.FindFirst()
	if err != nil {
		return nil, false, errors.WithStack(err)
	}

	if existing != nil {
		record.ID, _ = existing.Get("id").(string)
		err = query.Update(map[string]interface{}{"value": value, "updated_at": stamp})
		return record, false, errors.WithStack(err)
	}

	record.ID = uuid.NewString()

	doc := clover.NewDocument()
	doc.Set("id", record.ID)
	doc.Set("key", key)
	doc.Set("type", recordType)
	doc.Set("value", value)
	doc.Set("updated_at", stamp)

	if err := c.db.Insert(recordsCollection, doc); err != nil {
		return nil, false, errors.WithStack(err)
	}
	return record, true, nil
}

func (c *CloverStore) FindByKey(ctx context.Context, key string) ([]types.Record, error) {
	return c.find(c.db.Query(recordsCollection).Where(clover.Field("key").Eq(key)), utils.NewGlob("*"))
}

// List and ListByType filter keys with the same glob matcher the cache
// store uses for KEYS, so both backends agree on pattern semantics.
func (c *CloverStore) List(ctx context.Context, pattern string) ([]types.Record, error) {
	return c.find(c.db.Query(recordsCollection), utils.NewGlob(pattern))
}

func (c *CloverStore) ListByType(ctx context.Context, recordType, pattern string) ([]types.Record, error) {
	return c.find(c.db.Query(recordsCollection).Where(clover.Field("type").Eq(recordType)), utils.NewGlob(pattern))
}

func (c *CloverStore) DeleteByKey(ctx context.Context, key string) (int, error) {
	return c.delete(c.db.Query(recordsCollection).Where(clover.Field("key").Eq(key)))
}

func (c *CloverStore) DeleteByID(ctx context.Context, id string) (int, error) {
	return c.delete(c.db.Query(recordsCollection).Where(clover.Field("id").Eq(id)))
}

func (c *CloverStore) Flush(ctx context.Context) (int, error) {
	return c.delete(c.db.Query(recordsCollection))
}

func (c *CloverStore) Count(ctx context.Context) (int, error) {
	n, err := c.db.Query(recordsCollection).Count()
	return n, errors.WithStack(err)
}

func (c *CloverStore) find(query *clover.Query, keys utils.Glob) ([]types.Record, error) {
	docs, err := query.Sort(
		clover.SortOption{Field: "key", Direction: 1},
		clover.SortOption{Field: "type", Direction: 1},
	).FindAll()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	records := make([]types.Record, 0, len(docs))
	for _, doc := range docs {
		record := documentToRecord(doc)
		if keys.Match(record.Key) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (c *CloverStore) delete(query *clover.Query) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := query.Count()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if n == 0 {
		return 0, nil
	}

	if err := query.Delete(); err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

func documentToRecord(doc *clover.Document) types.Record {
	record := types.Record{}
	record.ID, _ = doc.Get("id").(string)
	record.Key, _ = doc.Get("key").(string)
	record.Type, _ = doc.Get("type").(string)
	record.Value, _ = toFloat64(doc.Get("value"))

	if stamp, ok := doc.Get("updated_at").(string); ok {
		record.UpdatedAt, _ = time.Parse(time.RFC3339Nano, stamp)
	}
	return record
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func (c *CloverStore) getState() State {
	return c.state.Load().(State)
}

func (c *CloverStore) setState(newState State) {
	c.state.Store(newState)
}

func (c *CloverStore) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}

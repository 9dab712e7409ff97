package database

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var customStoreCreators = make(map[string]types.RecordStoreCreator)

func RegisterRecordStore(storeType string, creator types.RecordStoreCreator) {
	customStoreCreators[storeType] = creator
}

// NewRecordStore builds the store named by records.type and wraps it with
// lifecycle tracking and per-operation metrics.
func NewRecordStore(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.RecordStore, error) {
	recordsConfig := config.GetConfig().Records
	if recordsConfig == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "records")
	}

	var impl types.RecordStore
	var err error

	switch recordsConfig.Type {
	case "sqlite", "":
		impl, err = NewSQLiteStore(ctx, logger, recordsConfig)
	case "clover":
		impl, err = NewCloverStore(ctx, logger, recordsConfig)
	default:
		creator, exists := customStoreCreators[recordsConfig.Type]
		if !exists {
			return nil, types.Errorf(types.ErrRecordStoreUnknown, "type: %s", recordsConfig.Type)
		}
		impl, err = creator(recordsConfig)
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedStore(logger, metrics, impl), nil
}

type instrumentedStore struct {
	impl    types.RecordStore
	logger  types.Logger
	metrics types.MetricsManager
	state   atomic.Value
}

func newInstrumentedStore(logger types.Logger, metrics types.MetricsManager, impl types.RecordStore) *instrumentedStore {
	instrumented := &instrumentedStore{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}

	instrumented.state.Store(StateStopped)
	return instrumented
}

func (s *instrumentedStore) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := s.impl.Start(); err != nil {
		s.setState(StateStopped)
		return err
	}

	s.setState(StateRunning)
	s.logger.Info("Record store started")
	return nil
}

func (s *instrumentedStore) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.setState(StateStopped)

	if err := s.impl.Stop(); err != nil {
		s.logger.ErrorWithErrStack("Failed to stop record store", err)
		return err
	}

	s.logger.Info("Record store stopped gracefully")
	return nil
}

func (s *instrumentedStore) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *instrumentedStore) Upsert(ctx context.Context, key, recordType string, value float64) (*types.Record, bool, error) {
	defer s.observe("upsert", time.Now())
	record, created, err := s.impl.Upsert(ctx, key, recordType, value)
	return record, created, s.check("upsert", err)
}

func (s *instrumentedStore) FindByKey(ctx context.Context, key string) ([]types.Record, error) {
	defer s.observe("find_by_key", time.Now())
	records, err := s.impl.FindByKey(ctx, key)
	return records, s.check("find_by_key", err)
}

func (s *instrumentedStore) List(ctx context.Context, pattern string) ([]types.Record, error) {
	defer s.observe("list", time.Now())
	records, err := s.impl.List(ctx, pattern)
	return records, s.check("list", err)
}

func (s *instrumentedStore) ListByType(ctx context.Context, recordType, pattern string) ([]types.Record, error) {
	defer s.observe("list_by_type", time.Now())
	records, err := s.impl.ListByType(ctx, recordType, pattern)
	return records, s.check("list_by_type", err)
}

func (s *instrumentedStore) DeleteByKey(ctx context.Context, key string) (int, error) {
	defer s.observe("delete_by_key", time.Now())
	n, err := s.impl.DeleteByKey(ctx, key)
	return n, s.check("delete_by_key", err)
}

func (s *instrumentedStore) DeleteByID(ctx context.Context, id string) (int, error) {
	defer s.observe("delete_by_id", time.Now())
	n, err := s.impl.DeleteByID(ctx, id)
	return n, s.check("delete_by_id", err)
}

func (s *instrumentedStore) Flush(ctx context.Context) (int, error) {
	defer s.observe("flush", time.Now())
	n, err := s.impl.Flush(ctx)
	return n, s.check("flush", err)
}

func (s *instrumentedStore) Count(ctx context.Context) (int, error) {
	n, err := s.impl.Count(ctx)
	return n, s.check("count", err)
}

func (s *instrumentedStore) observe(op string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.Histogram("records_operation_duration_seconds",
		[]float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		map[string]string{"operation": op},
	).Observe(time.Since(start).Seconds())
}

func (s *instrumentedStore) check(op string, err error) error {
	if err == nil {
		return nil
	}

	if s.metrics != nil {
		s.metrics.Counter("records_errors_total", map[string]string{"operation": op}).Inc()
	}

	if !errors.Is(err, types.ErrRecordNotFound) && !errors.Is(err, context.Canceled) {
		s.logger.ErrorWithErrStack("Record store operation failed", err, zap.String("operation", op))
	}
	return err
}

func (s *instrumentedStore) getState() State {
	return s.state.Load().(State)
}

func (s *instrumentedStore) setState(newState State) {
	s.state.Store(newState)
}

func (s *instrumentedStore) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

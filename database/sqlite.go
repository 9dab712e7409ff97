package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	type       TEXT NOT NULL,
	value      REAL NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE (key, type)
);
CREATE INDEX IF NOT EXISTS records_type ON records (type);
`

const recordColumns = `id, key, type, value, updated_at`

// SQLiteStore keeps records in a single sqlite file. WAL mode and a busy
// timeout let several worker processes share it.
type SQLiteStore struct {
	db     *sql.DB
	logger types.Logger
	config *types.RecordsConfig
	state  atomic.Value
	now    func() time.Time
}

func NewSQLiteStore(ctx context.Context, logger types.Logger, config *types.RecordsConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(config.Path); dir != "." && config.Path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(errors.WithStack(err), "failed to create records directory")
		}
	}

	busy := config.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL", config.Path, busy.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.WrapError(errors.WithStack(err), "failed to open sqlite records store")
	}

	if config.Path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		config: config,
		now:    time.Now,
	}

	s.state.Store(StateStopped)
	return s, nil
}

func (s *SQLiteStore) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if _, err := s.db.Exec(sqliteSchema); err != nil {
		s.setState(StateStopped)
		return types.WrapError(errors.WithStack(err), "failed to create records schema")
	}

	s.setState(StateRunning)
	s.logger.Info("SQLite records store started", zap.String("path", s.config.Path))
	return nil
}

func (s *SQLiteStore) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.setState(StateStopped)

	if err := s.db.Close(); err != nil {
		return types.WrapError(errors.WithStack(err), "failed to close sqlite records store")
	}

	s.logger.Info("SQLite records store stopped gracefully")
	return nil
}

func (s *SQLiteStore) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *SQLiteStore) Upsert(ctx context.Context, key, recordType string, value float64) (*types.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	record := &types.Record{Key: key, Type: recordType, Value: value, UpdatedAt: s.now().UTC()}
	stamp := record.UpdatedAt.Format(time.RFC3339Nano)

	err = tx.QueryRowContext(ctx, `SELECT id FROM records WHERE key = ? AND type = ?`, key, recordType).Scan(&record.ID)
	created := errors.Is(err, sql.ErrNoRows)

	switch {
	case created:
		record.ID = uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?)`,
			record.ID, key, recordType, value, stamp)
	case err == nil:
		_, err = tx.ExecContext(ctx,
			`UPDATE records SET value = ?, updated_at = ? WHERE id = ?`,
			value, stamp, record.ID)
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.WithStack(err)
	}

	return record, created, nil
}

func (s *SQLiteStore) FindByKey(ctx context.Context, key string) ([]types.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM records WHERE key = ? ORDER BY type`, key)
}

func (s *SQLiteStore) List(ctx context.Context, pattern string) ([]types.Record, error) {
	if pattern == "" {
		pattern = "*"
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM records WHERE key GLOB ? ORDER BY key, type`, pattern)
}

func (s *SQLiteStore) ListByType(ctx context.Context, recordType, pattern string) ([]types.Record, error) {
	if pattern == "" {
		pattern = "*"
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM records WHERE type = ? AND key GLOB ? ORDER BY key`, recordType, pattern)
}

func (s *SQLiteStore) DeleteByKey(ctx context.Context, key string) (int, error) {
	return s.exec(ctx, `DELETE FROM records WHERE key = ?`, key)
}

func (s *SQLiteStore) DeleteByID(ctx context.Context, id string) (int, error) {
	return s.exec(ctx, `DELETE FROM records WHERE id = ?`, id)
}

func (s *SQLiteStore) Flush(ctx context.Context) (int, error) {
	return s.exec(ctx, `DELETE FROM records`)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) ([]types.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	records := make([]types.Record, 0)
	for rows.Next() {
		var record types.Record
		var stamp string
		if err := rows.Scan(&record.ID, &record.Key, &record.Type, &record.Value, &stamp); err != nil {
			return nil, errors.WithStack(err)
		}
		record.UpdatedAt, _ = time.Parse(time.RFC3339Nano, stamp)
		records = append(records, record)
	}

	return records, errors.WithStack(rows.Err())
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (int, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(n), nil
}

func (s *SQLiteStore) getState() State {
	return s.state.Load().(State)
}

func (s *SQLiteStore) setState(newState State) {
	s.state.Store(newState)
}

func (s *SQLiteStore) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

package store

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	sweepBatch           = 20
	rewriteCheckInterval = time.Second
	defaultSweepInterval = 100 * time.Millisecond
)

// DB couples the LRU store with its append-only log and runs the commands
// the network server accepts. Writes are serialised so the log records
// them in the order they were applied.
type DB struct {
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	store     *Store
	aof       *AOF
	config    *types.StoreConfig
	logger    types.Logger
	state     atomic.Value
	wg        sync.WaitGroup
	startedAt time.Time
	commands  atomic.Uint64
}

// OpenDB builds the store described by config and, with appendonly on,
// loads the dataset back from the log.
func OpenDB(ctx context.Context, config *types.StoreConfig, logger types.Logger) (*DB, error) {
	if config.MaxMemoryPolicy != "" && config.MaxMemoryPolicy != "allkeys-lru" {
		return nil, types.Errorf(types.ErrEvictionPolicy, "%s", config.MaxMemoryPolicy)
	}

	maxMemory, err := utils.ParseSize(config.MaxMemory)
	if err != nil {
		return nil, types.WrapError(err, "invalid maxmemory")
	}

	dbCtx, cancel := context.WithCancel(ctx)

	db := &DB{
		ctx:       dbCtx,
		cancel:    cancel,
		store:     New(maxMemory),
		config:    config,
		logger:    logger,
		startedAt: time.Now(),
	}
	db.state.Store(StateStopped)

	if config.AppendOnly {
		if err := db.openAOF(); err != nil {
			cancel()
			return nil, err
		}
	}

	db.store.OnRemove(db.logRemoval)

	return db, nil
}

func (db *DB) openAOF() error {
	var minSize uint64
	if db.config.AutoAOFRewriteMinSize != "" {
		size, err := utils.ParseSize(db.config.AutoAOFRewriteMinSize)
		if err != nil {
			return types.WrapError(err, "invalid auto-aof-rewrite-min-size")
		}
		minSize = size
	}

	aof, err := OpenAOF(AOFConfig{
		Path:              filepath.Join(db.config.Dir, db.config.AppendFilename),
		Fsync:             db.config.AppendFsync,
		LoadTruncated:     db.config.AOFLoadTruncated,
		RewritePercentage: db.config.AutoAOFRewritePercentage,
		RewriteMinSize:    minSize,
	}, db.logger)
	if err != nil {
		return err
	}

	started := time.Now()
	discard := redcon.NewWriter(io.Discard)
	replay := &cmdCtx{db: db, w: discard, replaying: true}

	applied, err := aof.Replay(func(args [][]byte) error {
		replay.args = args
		err := db.dispatch(replay)
		_ = discard.Flush()
		return err
	})
	if err != nil {
		_ = aof.Close()
		return err
	}

	db.aof = aof

	db.logger.Info("Dataset loaded from append only file",
		zap.Int("commands", applied),
		zap.Int("keys", db.store.Len()),
		zap.String("used_memory", utils.FormatSize(db.store.UsedMemory())),
		zap.Duration("duration", time.Since(started)),
	)

	return nil
}

func (db *DB) Start() error {
	if !db.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	interval := db.config.ExpireSweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	db.every(interval, db.sweep)

	if db.aof != nil {
		if db.config.AppendFsync == FsyncEverySec {
			db.every(time.Second, db.syncAOF)
		}
		db.every(rewriteCheckInterval, db.maybeRewrite)
	}

	db.setState(StateRunning)

	return nil
}

func (db *DB) Stop() error {
	if !db.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer db.setState(StateStopped)

	db.cancel()
	db.wg.Wait()

	return db.Close()
}

func (db *DB) IsRunning() bool {
	return db.getState() == StateRunning
}

// Close releases the log. Start/Stop callers do not need it.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.aof == nil {
		return nil
	}
	return db.aof.Close()
}

func (db *DB) Store() *Store {
	return db.store
}

func (db *DB) every(interval time.Duration, fn func()) {
	db.wg.Add(1)
	go func() {
		defer db.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-db.ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (db *DB) sweep() {
	for db.store.SweepExpired(sweepBatch) == sweepBatch {
		// A full batch means many keys are due; keep going, like the
		// active expire cycle.
		select {
		case <-db.ctx.Done():
			return
		default:
		}
	}
}

func (db *DB) syncAOF() {
	if err := db.aof.Sync(); err != nil {
		db.logger.Error("Failed to fsync append only file", zap.Error(err))
	}
}

func (db *DB) maybeRewrite() {
	if !db.aof.NeedsRewrite() {
		return
	}
	if err := db.RewriteAOF(); err != nil {
		db.logger.Error("Failed to rewrite append only file", zap.Error(err))
	}
}

// RewriteAOF compacts the log to one SET per live key, least recently used
// first.
func (db *DB) RewriteAOF() error {
	if db.aof == nil {
		return types.Errorf(types.ErrNotSupported, "appendonly is disabled")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	return db.aof.Rewrite(func(emit func(args ...[]byte) error) error {
		return db.store.Each(func(key string, value []byte, expiresAt time.Time) error {
			if expiresAt.IsZero() {
				return emit([]byte("SET"), []byte(key), value)
			}
			return emit([]byte("SET"), []byte(key), value, []byte("PXAT"), formatMillis(expiresAt))
		})
	})
}

// logRemoval runs under the store lock for evictions and expirations so
// the log replays to the same dataset.
func (db *DB) logRemoval(key string, reason RemoveReason) {
	if db.aof == nil {
		return
	}
	if err := db.aof.Append([]byte("DEL"), []byte(key)); err != nil {
		db.logger.Error("Failed to log key removal",
			zap.String("key", key),
			zap.String("reason", reason.String()),
			zap.Error(err),
		)
	}
}

func (db *DB) appendLog(args ...[]byte) {
	if db.aof == nil {
		return
	}
	if err := db.aof.Append(args...); err != nil {
		db.logger.Error("Failed to append to append only file", zap.Error(err))
	}
}

func (db *DB) getState() State {
	return db.state.Load().(State)
}

func (db *DB) setState(newState State) bool {
	currentState := db.getState()
	return db.state.CompareAndSwap(currentState, newState)
}

func (db *DB) transitionState(from, to State) bool {
	return db.state.CompareAndSwap(from, to)
}

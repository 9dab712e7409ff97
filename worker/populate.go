package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddasdkimo/keyvalueserver/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type populateTask struct {
	ctx     context.Context
	key     string
	value   []byte
	ttl     time.Duration
	epoch   string
	tracked bool
}

// Populator writes computed results back to the cache off the request
// path. The queue is bounded; when it is full the write is dropped, since a
// missing entry only costs a recomputation.
type Populator struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.PopulateConfig
	cache           types.CacheClient
	logger          types.Logger
	metrics         types.MetricsManager
	queue           chan populateTask
	wg              sync.WaitGroup
	state           atomic.Value
	dropped         atomic.Uint64
	written         atomic.Uint64
	shutdownTimeout time.Duration
}

func NewPopulator(ctx context.Context, config *types.PopulateConfig, cache types.CacheClient, logger types.Logger, metrics types.MetricsManager) *Populator {
	populatorCtx, cancel := context.WithCancel(ctx)

	p := &Populator{
		ctx:             populatorCtx,
		cancel:          cancel,
		config:          config,
		cache:           cache,
		logger:          logger,
		metrics:         metrics,
		queue:           make(chan populateTask, config.QueueSize),
		shutdownTimeout: 5 * time.Second,
	}
	p.state.Store(StateStopped)

	return p
}

func (p *Populator) Start() error {
	if !p.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.run()
	}

	p.setState(StateRunning)

	p.logger.Debug("Cache populator started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))

	return nil
}

// Stop lets the workers flush what is already queued, bounded by the
// shutdown timeout.
func (p *Populator) Stop() error {
	if !p.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer p.setState(StateStopped)

	p.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		p.logger.Warn("Cache populator shutdown timeout", zap.Int("pending", len(p.queue)))
	} else {
		p.logger.Info("Cache populator stopped gracefully",
			zap.Uint64("written", p.written.Load()),
			zap.Uint64("dropped", p.dropped.Load()))
	}

	return nil
}

func (p *Populator) IsRunning() bool {
	return p.getState() == StateRunning
}

// Enqueue schedules a cache write and returns at once. The write keeps the
// request's values but not its cancellation: a client hanging up does not
// abort it.
func (p *Populator) Enqueue(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	return p.enqueue(populateTask{
		ctx:   context.WithoutCancel(ctx),
		key:   key,
		value: value,
		ttl:   ttl,
	})
}

// EnqueueSince is Enqueue for a value computed under epoch. The write is
// skipped, or withdrawn once stored, if an invalidation advanced the epoch
// in the meantime.
func (p *Populator) EnqueueSince(ctx context.Context, epoch, key string, value []byte, ttl time.Duration) bool {
	return p.enqueue(populateTask{
		ctx:     context.WithoutCancel(ctx),
		key:     key,
		value:   value,
		ttl:     ttl,
		epoch:   epoch,
		tracked: true,
	})
}

func (p *Populator) enqueue(task populateTask) bool {
	if !p.IsRunning() {
		p.record("dropped")
		return false
	}

	select {
	case p.queue <- task:
		return true
	default:
		p.dropped.Add(1)
		p.record("dropped")
		p.logger.Debug("Cache populate queue full, dropping write", zap.String("key", task.key))
		return false
	}
}

func (p *Populator) Pending() int {
	return len(p.queue)
}

func (p *Populator) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Populator) run() {
	defer p.wg.Done()

	for {
		select {
		case task := <-p.queue:
			p.write(task)
		case <-p.ctx.Done():
			p.drain()
			return
		}
	}
}

func (p *Populator) drain() {
	for {
		select {
		case task := <-p.queue:
			p.write(task)
		default:
			return
		}
	}
}

func (p *Populator) write(task populateTask) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Cache populate panic", zap.String("key", task.key), zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(task.ctx, p.config.Timeout)
	defer cancel()

	if task.tracked && !p.current(ctx, task) {
		p.record("superseded")
		return
	}

	if err := p.cache.Set(ctx, task.key, task.value, task.ttl); err != nil {
		p.record("error")
		p.logger.Debug("Cache populate failed", zap.String("key", task.key), zap.Error(err))
		return
	}

	// An invalidation may have deleted the key between the check and the
	// write; its epoch change is visible now, so the stale value goes.
	if task.tracked && !p.current(ctx, task) {
		if err := p.cache.Delete(ctx, task.key); err != nil {
			p.logger.Warn("Failed to withdraw superseded cache write", zap.String("key", task.key), zap.Error(err))
		}
		p.record("superseded")
		return
	}

	p.written.Add(1)
	p.record("success")
}

func (p *Populator) current(ctx context.Context, task populateTask) bool {
	epoch, ok := currentEpoch(ctx, p.cache)
	return ok && epoch == task.epoch
}

func (p *Populator) record(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Counter("cache_populate_total", map[string]string{"result": result}).Inc()
}

func (p *Populator) getState() State {
	return p.state.Load().(State)
}

func (p *Populator) setState(newState State) bool {
	currentState := p.getState()
	return p.state.CompareAndSwap(currentState, newState)
}

func (p *Populator) transitionState(from, to State) bool {
	return p.state.CompareAndSwap(from, to)
}

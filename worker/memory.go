package worker

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const memoryJobName = "worker_memory_sample"

// MemoryGuard keeps the process inside its memory limits. The hard limit
// becomes the runtime's soft memory limit so the GC works harder near it;
// above the high watermark new cache entries are refused.
type MemoryGuard struct {
	ctx       context.Context
	cancel    context.CancelFunc
	config    *types.MemoryConfig
	cron      types.CronManager
	logger    types.Logger
	metrics   types.MetricsManager
	soft      uint64
	hard      uint64
	highWater uint64
	usage     atomic.Pointer[types.MemoryUsage]
	pressure  atomic.Bool
	prevLimit int64
	state     atomic.Value
	read      func() (heapInUse, total uint64)
}

func NewMemoryGuard(ctx context.Context, config *types.MemoryConfig, cron types.CronManager, logger types.Logger, metrics types.MetricsManager) (*MemoryGuard, error) {
	soft, err := utils.ParseSize(config.SoftLimit)
	if err != nil {
		return nil, types.WrapError(err, "invalid memory soft limit")
	}

	hard, err := utils.ParseSize(config.HardLimit)
	if err != nil {
		return nil, types.WrapError(err, "invalid memory hard limit")
	}

	if soft > hard {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "soft limit %s above hard limit %s", config.SoftLimit, config.HardLimit)
	}

	guardCtx, cancel := context.WithCancel(ctx)

	g := &MemoryGuard{
		ctx:       guardCtx,
		cancel:    cancel,
		config:    config,
		cron:      cron,
		logger:    logger,
		metrics:   metrics,
		soft:      soft,
		hard:      hard,
		highWater: uint64(float64(hard) * config.HighWatermark),
		read:      readRuntimeMemory,
	}
	g.state.Store(StateStopped)
	g.usage.Store(&types.MemoryUsage{SoftLimit: soft, HardLimit: hard, HighWatermark: g.highWater})

	return g, nil
}

func (g *MemoryGuard) Start() error {
	if !g.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	limit := int64(math.MaxInt64)
	if g.hard < math.MaxInt64 {
		limit = int64(g.hard)
	}
	g.prevLimit = debug.SetMemoryLimit(limit)

	g.Sample()

	if g.cron != nil {
		spec := fmt.Sprintf("@every %s", g.config.SampleInterval)
		if err := g.cron.Add(memoryJobName, spec, g.Sample); err != nil {
			g.logger.Warn("Failed to schedule memory sampling, falling back to ticker", zap.Error(err))
			go g.sampleLoop()
		}
	} else {
		go g.sampleLoop()
	}

	g.setState(StateRunning)

	g.logger.Info("Memory guard started",
		zap.String("soft_limit", utils.FormatSize(g.soft)),
		zap.String("hard_limit", utils.FormatSize(g.hard)),
		zap.String("high_watermark", utils.FormatSize(g.highWater)))

	return nil
}

func (g *MemoryGuard) Stop() error {
	if !g.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer g.setState(StateStopped)

	g.cancel()

	if g.cron != nil {
		_ = g.cron.Remove(memoryJobName)
	}

	debug.SetMemoryLimit(g.prevLimit)

	g.logger.Info("Memory guard stopped gracefully")
	return nil
}

func (g *MemoryGuard) IsRunning() bool {
	return g.getState() == StateRunning
}

func (g *MemoryGuard) AllowPopulate() bool {
	return !g.pressure.Load()
}

func (g *MemoryGuard) Usage() types.MemoryUsage {
	return *g.usage.Load()
}

// Sample reads process memory and updates the pressure flag.
func (g *MemoryGuard) Sample() {
	heap, total := g.read()

	usage := &types.MemoryUsage{
		HeapInUse:     heap,
		TotalRuntime:  total,
		SoftLimit:     g.soft,
		HardLimit:     g.hard,
		HighWatermark: g.highWater,
		OverSoft:      total > g.soft,
		Pressure:      total >= g.highWater,
	}
	if g.hard > 0 {
		usage.Ratio = float64(total) / float64(g.hard)
	}
	g.usage.Store(usage)

	was := g.pressure.Swap(usage.Pressure)
	switch {
	case usage.Pressure && !was:
		g.logger.Warn("Memory pressure, refusing new cache entries",
			zap.String("in_use", utils.FormatSize(total)),
			zap.String("high_watermark", utils.FormatSize(g.highWater)))
	case !usage.Pressure && was:
		g.logger.Info("Memory pressure cleared",
			zap.String("in_use", utils.FormatSize(total)))
	}

	if g.metrics != nil {
		g.metrics.Gauge("process_memory_bytes", map[string]string{"kind": "heap_inuse"}).Set(float64(heap))
		g.metrics.Gauge("process_memory_bytes", map[string]string{"kind": "runtime_total"}).Set(float64(total))
	}
}

func (g *MemoryGuard) sampleLoop() {
	ticker := time.NewTicker(g.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.Sample()
		}
	}
}

// readRuntimeMemory returns what the memory limit is measured against:
// everything the runtime holds from the OS minus what it already returned.
func readRuntimeMemory() (heapInUse, total uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse, ms.Sys - ms.HeapReleased
}

func (g *MemoryGuard) getState() State {
	return g.state.Load().(State)
}

func (g *MemoryGuard) setState(newState State) bool {
	currentState := g.getState()
	return g.state.CompareAndSwap(currentState, newState)
}

func (g *MemoryGuard) transitionState(from, to State) bool {
	return g.state.CompareAndSwap(from, to)
}

package middleware

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const shardCount = 64

type RateLimitMiddleware struct {
	ctx             context.Context
	config          types.ConfigManager
	logger          types.Logger
	metrics         types.MetricsManager
	rateLimitConfig *RateLimitConfig
	shards          [shardCount]*rateLimitShard
	limit           rate.Limit
	weight          int
	now             func() time.Time
}

type rateLimitShard struct {
	clients map[string]*clientLimiter
	mu      sync.Mutex
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess atomic.Int64
}

type RateLimitConfig struct {
	RequestsPerMinute int           `json:"requests_per_minute"`
	Burst             int           `json:"burst"`
	IdleTTL           time.Duration `json:"idle_ttl"`
}

// NewRateLimitMiddleware keeps one token bucket per client address. Buckets
// idle for longer than idle_ttl are dropped until ctx is done.
func NewRateLimitMiddleware(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *RateLimitMiddleware {
	var rateLimitConfig = &RateLimitConfig{
		RequestsPerMinute: 6000,
		Burst:             100,
		IdleTTL:           10 * time.Minute,
	}

	item := config.GetConfig().Middlewares.RateLimit
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, rateLimitConfig); err != nil {
			logger.Error("Failed to unmarshal RateLimit middleware config", zap.Error(err))
		}
	}

	if rateLimitConfig.Burst <= 0 {
		rateLimitConfig.Burst = 1
	}

	rl := &RateLimitMiddleware{
		ctx:             ctx,
		config:          config,
		logger:          logger,
		metrics:         metrics,
		rateLimitConfig: rateLimitConfig,
		limit:           rate.Limit(float64(rateLimitConfig.RequestsPerMinute) / 60),
		weight:          item.Weight,
		now:             time.Now,
	}

	for i := range rl.shards {
		rl.shards[i] = &rateLimitShard{clients: make(map[string]*clientLimiter)}
	}

	if rateLimitConfig.IdleTTL > 0 {
		go rl.cleanupWorker()
	}

	return rl
}

func (rl *RateLimitMiddleware) Name() string { return types.MiddlewareRateLimit }
func (rl *RateLimitMiddleware) Weight() int  { return rl.weight }

func (rl *RateLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	client := remoteAddr(ctx)

	limiter := rl.limiterFor(client)
	reservation := limiter.ReserveN(rl.now(), 1)

	if delay := reservation.DelayFrom(rl.now()); delay > 0 {
		reservation.Cancel()

		if rl.metrics != nil {
			rl.metrics.Counter("http_rate_limited_total", nil).Inc()
		}

		seconds := int(delay/time.Second) + 1
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(seconds))
		utils.WriteError(ctx, fasthttp.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	next(ctx)
}

func (rl *RateLimitMiddleware) limiterFor(client string) *rate.Limiter {
	h := fnv.New32a()
	_, _ = h.Write([]byte(client))
	shard := rl.shards[h.Sum32()%shardCount]

	shard.mu.Lock()
	entry, ok := shard.clients[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.rateLimitConfig.Burst)}
		shard.clients[client] = entry
	}
	shard.mu.Unlock()

	entry.lastAccess.Store(rl.now().UnixNano())
	return entry.limiter
}

func (rl *RateLimitMiddleware) cleanupWorker() {
	ticker := time.NewTicker(rl.rateLimitConfig.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimitMiddleware) cleanup() int {
	cutoff := rl.now().Add(-rl.rateLimitConfig.IdleTTL).UnixNano()

	removed := 0
	for _, shard := range rl.shards {
		shard.mu.Lock()
		for client, entry := range shard.clients {
			if entry.lastAccess.Load() < cutoff {
				delete(shard.clients, client)
				removed++
			}
		}
		shard.mu.Unlock()
	}

	if removed > 0 {
		rl.logger.Debug("Rate limit buckets expired", zap.Int("removed", removed))
	}
	return removed
}

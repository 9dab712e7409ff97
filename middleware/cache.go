package middleware

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
	"github.com/ddasdkimo/keyvalueserver/worker"
)

// CacheMiddleware sends GET requests of cache-enabled routes through the
// worker: hits are answered from the store, everything else runs the rest
// of the chain and is written back in the background.
type CacheMiddleware struct {
	ctx     context.Context
	config  types.ConfigManager
	logger  types.Logger
	metrics types.MetricsManager
	worker  types.Worker
	keyFunc worker.KeyFunc
	weight  int
}

func NewCacheMiddleware(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, w types.Worker) *CacheMiddleware {
	return &CacheMiddleware{
		ctx:     ctx,
		config:  config,
		logger:  logger,
		metrics: metrics,
		worker:  w,
		keyFunc: worker.DeriveKey,
		weight:  config.GetConfig().Middlewares.Cache.Weight,
	}
}

func (c *CacheMiddleware) Name() string { return types.MiddlewareCache }
func (c *CacheMiddleware) Weight() int  { return c.weight }

func (c *CacheMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	if !ctx.IsGet() || config == nil || config.Cache == nil || !config.Cache.Enabled {
		next(ctx)
		return
	}

	rc := &types.RequestContext{StartedAt: time.Now()}
	rc.Key = config.Cache.KeyPrefix + c.keyFunc(string(ctx.Method()), string(ctx.Path()), queryValues(ctx))
	ctx.SetUserValue(types.RequestContextKey, rc)

	reqCtx := c.ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(c.ctx, config.Timeout)
		defer cancel()
	}

	response, outcome, err := c.worker.Serve(reqCtx, rc.Key, config.Cache.TTL, func(context.Context) (*types.Response, error) {
		rc.Computed = true
		next(ctx)
		return captureResponse(ctx)
	})

	rc.Outcome = outcome
	ctx.Response.Header.Set("X-Cache", outcome.String())

	if err != nil {
		var compErr *types.ComputationError
		if !errors.As(err, &compErr) {
			c.logger.Error("Cached route failed", zap.String("key", rc.Key), zap.Error(err))
			utils.CreateErrorResponse(ctx)
			return
		}

		if len(compErr.Payload) == 0 {
			utils.WriteError(ctx, compErr.Status, fasthttp.StatusMessage(compErr.Status))
			return
		}

		ctx.SetStatusCode(compErr.Status)
		if len(ctx.Response.Header.ContentType()) == 0 {
			ctx.SetContentType("application/json")
		}
		ctx.SetBody(compErr.Payload)
		return
	}

	ctx.SetStatusCode(response.Status)
	if response.ContentType != "" {
		ctx.SetContentType(response.ContentType)
	}
	ctx.SetBody(response.Body)
}

// captureResponse turns what the handler wrote into a cacheable response.
// Server errors come back as a ComputationError so they are never stored.
func captureResponse(ctx *fasthttp.RequestCtx) (*types.Response, error) {
	status := ctx.Response.StatusCode()
	body := append([]byte(nil), ctx.Response.Body()...)

	if status >= fasthttp.StatusInternalServerError {
		return nil, &types.ComputationError{Status: status, Payload: body}
	}

	return &types.Response{
		Status:      status,
		ContentType: string(ctx.Response.Header.ContentType()),
		Body:        body,
	}, nil
}

// CachedRequest returns the cache bookkeeping of a request that went
// through a cache-enabled route.
func CachedRequest(ctx *fasthttp.RequestCtx) (*types.RequestContext, bool) {
	rc, ok := ctx.UserValue(types.RequestContextKey).(*types.RequestContext)
	return rc, ok
}

func queryValues(ctx *fasthttp.RequestCtx) url.Values {
	args := ctx.QueryArgs()
	if args.Len() == 0 {
		return nil
	}

	values := make(url.Values, args.Len())
	args.VisitAll(func(key, value []byte) {
		values.Add(string(key), string(value))
	})
	return values
}

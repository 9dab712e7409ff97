package middleware

import (
	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

type BodyLimitMiddleware struct {
	config          types.ConfigManager
	logger          types.Logger
	metrics         types.MetricsManager
	bodyLimitConfig *BodyLimitConfig
	weight          int
	message         string
}

type BodyLimitConfig struct {
	MaxBodySize int64 `json:"max_body_size"`
}

func NewBodyLimitMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *BodyLimitMiddleware {
	var bodyLimitConfig = &BodyLimitConfig{
		MaxBodySize: 1 << 20,
	}

	item := config.GetConfig().Middlewares.BodyLimit
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, bodyLimitConfig); err != nil {
			logger.Error("Failed to unmarshal BodyLimit middleware config", zap.Error(err))
		}
	}

	return &BodyLimitMiddleware{
		config:          config,
		logger:          logger,
		metrics:         metrics,
		bodyLimitConfig: bodyLimitConfig,
		weight:          item.Weight,
		message:         "Request body exceeds " + humanize.IBytes(uint64(bodyLimitConfig.MaxBodySize)),
	}
}

func (bl *BodyLimitMiddleware) Name() string { return types.MiddlewareBodyLimit }
func (bl *BodyLimitMiddleware) Weight() int  { return bl.weight }

func (bl *BodyLimitMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	if ctx.IsGet() || ctx.IsHead() || ctx.IsOptions() {
		next(ctx)
		return
	}

	size := int64(ctx.Request.Header.ContentLength())
	if size < 0 {
		size = int64(len(ctx.PostBody()))
	}

	if size > bl.bodyLimitConfig.MaxBodySize {
		ctx.SetConnectionClose()
		utils.WriteError(ctx, fasthttp.StatusRequestEntityTooLarge, bl.message)
		return
	}

	next(ctx)
}

package middleware

import (
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

const (
	requestIDKey = "request_id"
	realIPKey    = "real_ip"
)

type MetadataMiddleware struct {
	config         types.ConfigManager
	logger         types.Logger
	metrics        types.MetricsManager
	metadataConfig *MetadataConfig
	weight         int
}

type MetadataConfig struct {
	GenerateRequestID bool `json:"generate_request_id"`
}

func NewMetadataMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *MetadataMiddleware {
	var metadataConfig = &MetadataConfig{
		GenerateRequestID: true,
	}

	item := config.GetConfig().Middlewares.Metadata
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, metadataConfig); err != nil {
			logger.Error("Failed to unmarshal Metadata middleware config", zap.Error(err))
		}
	}

	return &MetadataMiddleware{
		config:         config,
		logger:         logger,
		metrics:        metrics,
		metadataConfig: metadataConfig,
		weight:         item.Weight,
	}
}

func (m *MetadataMiddleware) Name() string { return types.MiddlewareMetadata }
func (m *MetadataMiddleware) Weight() int  { return m.weight }

// Handle makes sure every request carries an X-Request-ID, echoed on the
// response, and stores the caller address for handlers.
func (m *MetadataMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	requestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	if requestID == "" && m.metadataConfig.GenerateRequestID {
		requestID = uuid.NewString()
		ctx.Request.Header.Set("X-Request-ID", requestID)
	}

	if requestID != "" {
		ctx.SetUserValue(requestIDKey, requestID)
		ctx.Response.Header.Set("X-Request-ID", requestID)
	}

	ctx.SetUserValue(realIPKey, remoteAddr(ctx))

	next(ctx)
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

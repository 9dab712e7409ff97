package middleware

import (
	"runtime"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

type RecoveryMiddleware struct {
	config         types.ConfigManager
	logger         types.Logger
	metrics        types.MetricsManager
	recoveryConfig *RecoveryConfig
	weight         int
}

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

func NewRecoveryMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *RecoveryMiddleware {
	var recoveryConfig = &RecoveryConfig{
		StackTrace: true,
	}

	item := config.GetConfig().Middlewares.Recovery
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, recoveryConfig); err != nil {
			logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
		}
	}

	return &RecoveryMiddleware{
		config:         config,
		logger:         logger,
		metrics:        metrics,
		recoveryConfig: recoveryConfig,
		weight:         item.Weight,
	}
}

func (r *RecoveryMiddleware) Name() string { return types.MiddlewareRecovery }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}

		fields := []zap.Field{
			zap.Any("panic", rec),
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.String("remote_addr", ctx.RemoteIP().String()),
		}

		if requestID := ctx.Request.Header.Peek("X-Request-ID"); len(requestID) > 0 {
			fields = append(fields, zap.ByteString("request_id", requestID))
		}

		if r.recoveryConfig.StackTrace {
			fields = append(fields, zap.String("stack", stack()))
		}

		r.logger.Error("Recovered from panic", fields...)

		if r.metrics != nil {
			r.metrics.Counter("http_panics_total", nil).Inc()
		}

		ctx.ResetBody()
		utils.CreateErrorResponse(ctx)
	}()

	next(ctx)
}

func stack() string {
	buf := make([]byte, 4096)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) || len(buf) >= 64<<10 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*4)
	}
}

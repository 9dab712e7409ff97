package middleware

import (
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
)

var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

type LoggingMiddleware struct {
	config        types.ConfigManager
	logger        types.Logger
	metrics       types.MetricsManager
	loggingConfig *LoggingConfig
	weight        int
}

type LoggingConfig struct {
	LogLevel   string `json:"log_level"`
	LogHeaders bool   `json:"log_headers"`
	LogBody    bool   `json:"log_body"`
}

func NewLoggingMiddleware(config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) *LoggingMiddleware {
	var loggingConfig = &LoggingConfig{
		LogLevel: "info",
	}

	item := config.GetConfig().Middlewares.Logging
	if item.Params != nil {
		if err := utils.UnmarshalConfig(item.Params, loggingConfig); err != nil {
			logger.Error("Failed to unmarshal Logging middleware config", zap.Error(err))
		}
	}

	return &LoggingMiddleware{
		config:        config,
		logger:        logger,
		metrics:       metrics,
		loggingConfig: loggingConfig,
		weight:        item.Weight,
	}
}

func (l *LoggingMiddleware) Name() string { return types.MiddlewareLogging }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

// Handle logs one line per completed request and records the request
// metrics. The cache outcome set by the Cache middleware is included.
func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	start := time.Now()

	next(ctx)

	duration := time.Since(start)
	status := ctx.Response.StatusCode()

	fields := []zap.Field{
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("remote_addr", remoteAddr(ctx)),
	}

	if query := ctx.QueryArgs().QueryString(); len(query) > 0 {
		fields = append(fields, zap.ByteString("query", query))
	}

	if requestID := ctx.Response.Header.Peek("X-Request-ID"); len(requestID) > 0 {
		fields = append(fields, zap.ByteString("request_id", requestID))
	}

	if rc, ok := CachedRequest(ctx); ok {
		fields = append(fields, zap.String("cache", rc.Outcome.String()), zap.Bool("computed", rc.Computed))
	}

	if l.loggingConfig.LogHeaders {
		fields = append(fields, zap.Any("headers", sanitizeHeaders(ctx)))
	}

	if l.loggingConfig.LogBody {
		if body := ctx.Response.Body(); len(body) > 1000 {
			fields = append(fields, zap.ByteString("response", body[:1000]), zap.Int("response_size", len(body)))
		} else if len(body) > 0 {
			fields = append(fields, zap.ByteString("response", body))
		}
	}

	switch {
	case status >= 500:
		l.logger.Error("Request completed", fields...)
	case status >= 400:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logWithLevel("Request completed", fields...)
	}

	l.record(ctx, status, duration)
}

func (l *LoggingMiddleware) record(ctx *fasthttp.RequestCtx, status int, duration time.Duration) {
	if l.metrics == nil {
		return
	}

	method := string(ctx.Method())

	l.metrics.Counter("http_requests_total", map[string]string{
		"method": method,
		"status": strconv.Itoa(status),
	}).Inc()

	l.metrics.Histogram("http_request_duration_seconds",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		map[string]string{"method": method},
	).Observe(duration.Seconds())
}

func (l *LoggingMiddleware) logWithLevel(msg string, fields ...zap.Field) {
	switch l.loggingConfig.LogLevel {
	case "debug":
		l.logger.Debug(msg, fields...)
	case "warn":
		l.logger.Warn(msg, fields...)
	case "error":
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

func sanitizeHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	sanitized := make(map[string]string)

	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if sensitiveHeaders[strings.ToLower(name)] {
			sanitized[name] = "[REDACTED]"
			return
		}
		sanitized[name] = string(value)
	})

	return sanitized
}

func remoteAddr(ctx *fasthttp.RequestCtx) string {
	if realIP := ctx.Request.Header.Peek("X-Real-IP"); len(realIP) > 0 {
		return string(realIP)
	}

	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	return ctx.RemoteIP().String()
}

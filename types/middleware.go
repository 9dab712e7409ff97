package types

import "github.com/valyala/fasthttp"

// Middleware names. A route lists them in DisabledMiddlewares to opt out,
// which is how the health and metrics routes stay out of the cache.
const (
	MiddlewareRecovery    = "Recovery"
	MiddlewareLogging     = "Logging"
	MiddlewareMetadata    = "Metadata"
	MiddlewareRateLimit   = "RateLimit"
	MiddlewareBodyLimit   = "BodyLimit"
	MiddlewareCompression = "Compression"
	MiddlewareCache       = "Cache"
)

type MiddlewareManager interface {
	RegisterMiddlewares() error
	Register(middleware Middleware) error
	Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *RouteConfig)
	Clear()
}

// Middleware wraps every routed request. Lower weights run first. The
// default weights put the cache middleware last, so a cached reply still
// passes rate and body limits and is logged with its cache outcome.
type Middleware interface {
	Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), config *RouteConfig)
	Name() string
	Weight() int
}

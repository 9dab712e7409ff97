package server

import (
	"time"

	"github.com/ddasdkimo/keyvalueserver/types"
)

const maxMiddlewareSliceSize = 100

type RouteBuilder struct {
	router  *Router
	method  string
	path    string
	handler types.FastHTTPHandler
	config  *types.RouteConfig
}

// WithCache serves the route through the worker cache path; keys are
// keyPrefix followed by the request-derived key.
func (rb *RouteBuilder) WithCache(keyPrefix string, ttl time.Duration) types.RouteBuilder {
	rb.config.Cache = &types.CacheHandlerConfig{
		Enabled:   true,
		KeyPrefix: keyPrefix,
		TTL:       ttl,
	}
	return rb
}

func (rb *RouteBuilder) WithMiddlewares(names ...string) types.RouteBuilder {
	rb.config.Middlewares = append(rb.config.Middlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithoutMiddlewares(names ...string) types.RouteBuilder {
	rb.config.DisabledMiddlewares = append(rb.config.DisabledMiddlewares, names...)
	return rb
}

func (rb *RouteBuilder) WithTimeout(duration time.Duration) types.RouteBuilder {
	rb.config.Timeout = duration
	return rb
}

func (rb *RouteBuilder) finalize() error {
	if len(rb.config.Middlewares) > maxMiddlewareSliceSize ||
		len(rb.config.DisabledMiddlewares) > maxMiddlewareSliceSize {
		return types.ErrMiddlewareOrderInvalid
	}

	if rb.config.Cache != nil && rb.config.Cache.TTL < 0 {
		return types.Errorf(types.ErrRouteFinalizationFailed, "%s %s: negative cache ttl", rb.method, rb.path)
	}

	configCopy := &types.RouteConfig{
		Cache:               rb.config.Cache,
		Middlewares:         append([]string(nil), rb.config.Middlewares...),
		DisabledMiddlewares: append([]string(nil), rb.config.DisabledMiddlewares...),
		Timeout:             rb.config.Timeout,
	}

	rb.router.Add(rb.method, rb.path, rb.handler, configCopy)

	return nil
}

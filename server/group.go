package server

import (
	"time"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// GroupBuilder shares a path prefix and route options. Options set on the
// group apply to routes declared after them.
type GroupBuilder struct {
	router *Router
	prefix string
	config *types.RouteConfig
}

func (gb *GroupBuilder) WithCache(keyPrefix string, ttl time.Duration) types.GroupBuilder {
	gb.config.Cache = &types.CacheHandlerConfig{
		Enabled:   true,
		KeyPrefix: keyPrefix,
		TTL:       ttl,
	}
	return gb
}

func (gb *GroupBuilder) WithMiddlewares(names ...string) types.GroupBuilder {
	gb.config.Middlewares = append(gb.config.Middlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithoutMiddlewares(names ...string) types.GroupBuilder {
	gb.config.DisabledMiddlewares = append(gb.config.DisabledMiddlewares, names...)
	return gb
}

func (gb *GroupBuilder) WithTimeout(duration time.Duration) types.GroupBuilder {
	gb.config.Timeout = duration
	return gb
}

func (gb *GroupBuilder) Route(method, path string, handler types.FastHTTPHandler) types.RouteBuilder {
	rb := gb.router.route(method, gb.prefix+path, handler)

	if gb.config.Cache != nil {
		cacheConfig := *gb.config.Cache
		rb.config.Cache = &cacheConfig
	}
	if gb.config.Timeout > 0 {
		rb.config.Timeout = gb.config.Timeout
	}

	rb.config.Middlewares = append(rb.config.Middlewares, gb.config.Middlewares...)
	rb.config.DisabledMiddlewares = append(rb.config.DisabledMiddlewares, gb.config.DisabledMiddlewares...)

	return rb
}

func (gb *GroupBuilder) GET(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route("GET", path, handler)
}

func (gb *GroupBuilder) POST(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route("POST", path, handler)
}

func (gb *GroupBuilder) PATCH(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route("PATCH", path, handler)
}

func (gb *GroupBuilder) PUT(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route("PUT", path, handler)
}

func (gb *GroupBuilder) DELETE(path string, handler types.FastHTTPHandler) types.RouteBuilder {
	return gb.Route("DELETE", path, handler)
}

func (gb *GroupBuilder) Group(prefix string) types.GroupBuilder {
	inherited := &types.RouteConfig{
		Cache:               gb.config.Cache,
		Middlewares:         append([]string(nil), gb.config.Middlewares...),
		DisabledMiddlewares: append([]string(nil), gb.config.DisabledMiddlewares...),
		Timeout:             gb.config.Timeout,
	}

	return &GroupBuilder{
		router: gb.router,
		prefix: gb.prefix + prefix,
		config: inherited,
	}
}

package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/types"
)

func startTestServer(t *testing.T, register func(*Router)) *fasthttp.Client {
	t.Helper()

	router := NewRouter()
	register(router)

	cfg := config.NewLoader().Defaults()
	srv, err := NewHTTPServer(context.Background(), config.NewStaticManager(cfg), logger.NewNop(), nil, nil, router)
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() { _ = srv.Stop() })

	return &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
}

func get(t *testing.T, client *fasthttp.Client, method, path string) (int, string) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://kvserver" + path)
	require.NoError(t, client.DoTimeout(req, resp, 2*time.Second))

	return resp.StatusCode(), string(resp.Body())
}

func TestServerDispatchesWithParams(t *testing.T) {
	client := startTestServer(t, func(r *Router) {
		r.GET("/get/{key}", func(ctx *fasthttp.RequestCtx) {
			ctx.SetBodyString("key=" + ctx.UserValue("key").(string))
		})
	})

	status, body := get(t, client, "GET", "/get/sensor-1")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "key=sensor-1", body)

	status, body = get(t, client, "GET", "/nowhere")
	assert.Equal(t, fasthttp.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"Not found"}`, body)
}

func TestRouteTimeout(t *testing.T) {
	client := startTestServer(t, func(r *Router) {
		r.GET("/slow", func(ctx *fasthttp.RequestCtx) {
			time.Sleep(200 * time.Millisecond)
			ctx.SetBodyString("late")
		}).WithTimeout(20 * time.Millisecond)
	})

	status, _ := get(t, client, "GET", "/slow")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, status)
}

type tagMiddleware struct{ name string }

func (m tagMiddleware) Name() string { return m.name }
func (m tagMiddleware) Weight() int  { return 1 }

func (m tagMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	ctx.Response.Header.Set("X-Tag", m.name)
	next(ctx)
}

type singleMiddleware struct{ mw types.Middleware }

func (s singleMiddleware) RegisterMiddlewares() error      { return nil }
func (s singleMiddleware) Register(types.Middleware) error { return nil }
func (s singleMiddleware) Clear()                          {}

func (s singleMiddleware) Execute(ctx *fasthttp.RequestCtx, handler func(*fasthttp.RequestCtx), config *types.RouteConfig) {
	s.mw.Handle(ctx, handler, config)
}

func TestMiddlewaresWrapRoutes(t *testing.T) {
	router := NewRouter()
	router.Add("GET", "/", func(ctx *fasthttp.RequestCtx) { ctx.SetBodyString("ok") }, nil)

	srv, err := NewHTTPServer(context.Background(), config.NewStaticManager(config.NewLoader().Defaults()),
		logger.NewNop(), nil, singleMiddleware{mw: tagMiddleware{name: "tagged"}}, router)
	require.NoError(t, err)

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/")
	srv.Handler()(&ctx)

	assert.Equal(t, "ok", string(ctx.Response.Body()))
	assert.Equal(t, "tagged", string(ctx.Response.Header.Peek("X-Tag")))
}

func TestServeTwiceFails(t *testing.T) {
	router := NewRouter()
	srv, err := NewHTTPServer(context.Background(), config.NewStaticManager(config.NewLoader().Defaults()),
		logger.NewNop(), nil, nil, router)
	require.NoError(t, err)

	require.NoError(t, srv.Serve(fasthttputil.NewInmemoryListener()))
	defer srv.Stop()

	assert.ErrorIs(t, srv.Serve(fasthttputil.NewInmemoryListener()), types.ErrServerAlreadyRunning)
	assert.True(t, srv.IsRunning())
}

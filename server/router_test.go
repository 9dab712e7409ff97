package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func noop(*fasthttp.RequestCtx) {}

func TestRouterPrefersLiteralSegments(t *testing.T) {
	r := NewRouter()
	r.Add("DELETE", "/api/v1/records/delete/{key}", noop, nil)
	r.Add("DELETE", "/api/v1/records/delete/id/{id}", noop, nil)
	r.Add("GET", "/api/v1/query/keys", noop, nil)
	r.Add("GET", "/api/v1/query/keys/type/:type", noop, nil)

	info, params := r.Lookup("DELETE", "/api/v1/records/delete/id/0b7c")
	require.NotNil(t, info)
	assert.Equal(t, "/api/v1/records/delete/id/{id}", info.Path)
	assert.Equal(t, []Param{{Name: "id", Value: "0b7c"}}, params)

	info, params = r.Lookup("DELETE", "/api/v1/records/delete/id")
	require.NotNil(t, info)
	assert.Equal(t, []Param{{Name: "key", Value: "id"}}, params)

	info, params = r.Lookup("GET", "/api/v1/query/keys/type/sensor/")
	require.NotNil(t, info)
	assert.Equal(t, "sensor", params[0].Value)

	info, _ = r.Lookup("GET", "/api/v1/query/keys/")
	assert.NotNil(t, info)
}

func TestRouterMethodMismatchAndHead(t *testing.T) {
	r := NewRouter()
	r.Add("GET", "/get/{key}", noop, nil)

	info, _ := r.Lookup("POST", "/get/a")
	assert.Nil(t, info)

	info, params := r.Lookup("HEAD", "/get/a")
	require.NotNil(t, info)
	assert.Equal(t, "a", params[0].Value)

	info, _ = r.Lookup("BREW", "/get/a")
	assert.Nil(t, info)
}

func TestBuildersAreFinalizedLate(t *testing.T) {
	r := NewRouter()

	api := r.Group("/api/v1").WithoutMiddlewares("RateLimit")
	api.GET("/records/get/{key}", noop).WithCache("kv:get:", time.Minute).WithTimeout(time.Second)
	api.Group("/query").WithCache("kv:query:", 5*time.Second).GET("/keys", noop)

	info, _ := r.Lookup("GET", "/api/v1/records/get/a")
	assert.Nil(t, info, "pending until finalized")

	require.NoError(t, r.FinalizePendingRoutes())

	info, _ = r.Lookup("GET", "/api/v1/records/get/a")
	require.NotNil(t, info)
	require.NotNil(t, info.Config.Cache)
	assert.Equal(t, "kv:get:", info.Config.Cache.KeyPrefix)
	assert.Equal(t, time.Second, info.Config.Timeout)
	assert.Equal(t, []string{"RateLimit"}, info.Config.DisabledMiddlewares)

	info, _ = r.Lookup("GET", "/api/v1/query/keys")
	require.NotNil(t, info)
	assert.Equal(t, 5*time.Second, info.Config.Cache.TTL)
	assert.Equal(t, []string{"RateLimit"}, info.Config.DisabledMiddlewares)

	assert.Equal(t, []string{"GET /api/v1/query/keys", "GET /api/v1/records/get/{key}"}, r.Paths())
}

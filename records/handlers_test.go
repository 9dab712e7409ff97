package records

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/ddasdkimo/keyvalueserver/cache"
	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/database"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/middleware"
	"github.com/ddasdkimo/keyvalueserver/server"
	"github.com/ddasdkimo/keyvalueserver/types"
	"github.com/ddasdkimo/keyvalueserver/utils"
	"github.com/ddasdkimo/keyvalueserver/worker"
)

type testEnv struct {
	client *fasthttp.Client
	store  types.RecordStore
	cache  types.CacheClient
}

// slowWriteBack delays every cache write the populator makes.
type slowWriteBack struct {
	types.CacheClient
	delay time.Duration
}

func (s *slowWriteBack) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	time.Sleep(s.delay)
	return s.CacheClient.Set(ctx, key, value, ttl)
}

// startEnv runs the record API behind the real middleware chain, worker
// and an in-process cache backend.
func startEnv(t *testing.T) *testEnv {
	return startEnvWithWriteBackDelay(t, 0)
}

func startEnvWithWriteBackDelay(t *testing.T, delay time.Duration) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.NewLoader().Defaults()
	cfg.Cache.Type = "memory"
	cfg.Records.Path = filepath.Join(t.TempDir(), "records.db")
	manager := config.NewStaticManager(cfg)
	log := logger.NewNop()

	store, err := database.NewRecordStore(ctx, manager, log, nil)
	require.NoError(t, err)
	require.NoError(t, store.Start())
	t.Cleanup(func() { _ = store.Stop() })

	cacheClient, err := cache.NewCacheClient(ctx, manager, log, nil)
	require.NoError(t, err)
	require.NoError(t, cacheClient.Start())
	t.Cleanup(func() { _ = cacheClient.Stop() })

	var writeBack types.CacheClient = cacheClient
	if delay > 0 {
		writeBack = &slowWriteBack{CacheClient: cacheClient, delay: delay}
	}

	populator := worker.NewPopulator(ctx, cfg.Worker.Populate, writeBack, log, nil)
	require.NoError(t, populator.Start())
	t.Cleanup(func() { _ = populator.Stop() })

	w := worker.New(cacheClient, populator, nil, log, nil)

	middlewares, err := middleware.NewManager(ctx, manager, log, nil, w)
	require.NoError(t, err)
	require.NoError(t, middlewares.RegisterMiddlewares())

	router := server.NewRouter()
	NewHandlers(ctx, manager, store, cacheClient, log, nil).RegisterRoutes(router)

	srv, err := server.NewHTTPServer(ctx, manager, log, nil, middlewares, router)
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() { _ = srv.Stop() })

	return &testEnv{
		client: &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }},
		store:  store,
		cache:  cacheClient,
	}
}

type reply struct {
	status int
	cache  string
	body   string
}

func (e *testEnv) do(t *testing.T, method, path, body string) reply {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://kvserver" + path)
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	require.NoError(t, e.client.DoTimeout(req, resp, 2*time.Second))

	return reply{
		status: resp.StatusCode(),
		cache:  string(resp.Header.Peek("X-Cache")),
		body:   string(resp.Body()),
	}
}

// cached waits until path is answered from the cache.
func (e *testEnv) cached(t *testing.T, path string) reply {
	t.Helper()

	var r reply
	require.Eventually(t, func() bool {
		r = e.do(t, "GET", path, "")
		return r.cache == "hit"
	}, 2*time.Second, 10*time.Millisecond)

	return r
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var out T
	require.NoError(t, utils.Unmarshal([]byte(body), &out))
	return out
}

func TestSetThenGetIsServedFromCache(t *testing.T) {
	env := startEnv(t)

	r := env.do(t, "POST", "/api/v1/records/set", `{"key":"temp","type":"celsius","value":21.5}`)
	require.Equal(t, fasthttp.StatusOK, r.status, r.body)
	created := decode[types.RecordResponse](t, r.body)
	assert.Contains(t, created.Message, "Created")
	assert.Equal(t, 21.5, created.Value)

	r = env.do(t, "GET", "/api/v1/records/get/temp", "")
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.Equal(t, "miss", r.cache)

	list := decode[types.RecordList](t, env.cached(t, "/api/v1/records/get/temp").body)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, 21.5, list.Records[0].Value)
}

func TestSetInvalidatesCachedGet(t *testing.T) {
	env := startEnv(t)

	env.do(t, "POST", "/set", `{"key":"temp","type":"celsius","value":1}`)
	env.cached(t, "/get/temp")

	r := env.do(t, "POST", "/set", `{"key":"temp","type":"celsius","value":2}`)
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.Contains(t, decode[types.RecordResponse](t, r.body).Message, "Updated")

	r = env.do(t, "GET", "/get/temp", "")
	assert.Equal(t, "miss", r.cache)
	assert.Equal(t, 2.0, decode[types.RecordList](t, r.body).Records[0].Value)
}

func TestReadAfterWriteIgnoresLateWriteBack(t *testing.T) {
	env := startEnvWithWriteBackDelay(t, 30*time.Millisecond)

	require.Equal(t, fasthttp.StatusOK, env.do(t, "POST", "/set", `{"key":"temp","type":"celsius","value":1}`).status)

	r := env.do(t, "GET", "/get/temp", "")
	assert.Equal(t, "miss", r.cache)
	assert.Equal(t, 1.0, decode[types.RecordList](t, r.body).Records[0].Value)

	// The write-back of value 1 is still in flight.
	require.Equal(t, fasthttp.StatusOK, env.do(t, "POST", "/set", `{"key":"temp","type":"celsius","value":2}`).status)
	time.Sleep(200 * time.Millisecond)

	r = env.do(t, "GET", "/get/temp", "")
	assert.NotEqual(t, "hit", r.cache)
	assert.Equal(t, 2.0, decode[types.RecordList](t, r.body).Records[0].Value)

	r = env.cached(t, "/get/temp")
	assert.Equal(t, 2.0, decode[types.RecordList](t, r.body).Records[0].Value)
}

func TestSetValidation(t *testing.T) {
	env := startEnv(t)

	for _, body := range []string{
		`{"key":"temp","type":"celsius"}`,
		`{"key":"temp","value":3}`,
		`{"key":"temp","type":7,"value":3}`,
		`{"key":"temp","type":"celsius","value":"three"}`,
		`not json`,
	} {
		r := env.do(t, "POST", "/api/v1/records/set", body)
		assert.Equal(t, fasthttp.StatusBadRequest, r.status, body)
		assert.Contains(t, r.body, `"error"`)
	}

	n, err := env.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMissingKeysAre404AndNotCached(t *testing.T) {
	env := startEnv(t)

	for i := 0; i < 2; i++ {
		r := env.do(t, "GET", "/api/v1/records/get/nothing", "")
		assert.Equal(t, fasthttp.StatusNotFound, r.status)
		assert.NotEqual(t, "hit", r.cache)
	}

	assert.Equal(t, fasthttp.StatusNotFound, env.do(t, "DELETE", "/api/v1/records/delete/nothing", "").status)
	assert.Equal(t, fasthttp.StatusNotFound, env.do(t, "DELETE", "/api/v1/records/delete/id/nothing", "").status)
}

func TestQueriesAndDeletes(t *testing.T) {
	env := startEnv(t)

	for _, body := range []string{
		`{"key":"sensor:1","type":"reading","value":1}`,
		`{"key":"sensor:2","type":"reading","value":2}`,
		`{"key":"sensor:1","type":"battery","value":0.5}`,
		`{"key":"meter:1","type":"reading","value":9}`,
	} {
		require.Equal(t, fasthttp.StatusOK, env.do(t, "POST", "/api/v1/records/set", body).status)
	}

	all := decode[types.RecordList](t, env.cached(t, "/api/v1/query/keys").body)
	assert.Equal(t, 4, all.Count)

	sensors := decode[types.RecordList](t, env.cached(t, "/keys?pattern=sensor:*").body)
	assert.Equal(t, 3, sensors.Count)

	typed := decode[types.RecordList](t, env.cached(t, "/api/v1/query/keys/type/reading?pattern=sensor:?").body)
	assert.Equal(t, "reading", typed.Type)
	assert.Equal(t, 2, typed.Count)

	r := env.do(t, "DELETE", "/api/v1/records/delete/sensor:1", "")
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.Contains(t, r.body, "Deleted 2 records")

	all = decode[types.RecordList](t, env.cached(t, "/api/v1/query/keys").body)
	assert.Equal(t, 2, all.Count)

	id := all.Records[0].ID
	assert.Equal(t, fasthttp.StatusOK, env.do(t, "DELETE", "/api/v1/records/delete/id/"+id, "").status)

	r = env.do(t, "POST", "/flush", "")
	require.Equal(t, fasthttp.StatusOK, r.status)
	assert.Contains(t, r.body, "Flushed 1 records")

	r = env.do(t, "POST", "/api/v1/records/flush", "")
	assert.Contains(t, r.body, "No records to flush")

	all = decode[types.RecordList](t, env.do(t, "GET", "/keys", "").body)
	assert.Zero(t, all.Count)
}

func TestRootReportsCacheConnectivity(t *testing.T) {
	env := startEnv(t)

	r := env.do(t, "GET", "/", "")
	require.Equal(t, fasthttp.StatusOK, r.status)

	body := decode[map[string]interface{}](t, r.body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["cache_connected"])
	assert.Equal(t, APIPrefix, body["api_prefix"])
}

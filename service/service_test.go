package service

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/health"
	"github.com/ddasdkimo/keyvalueserver/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testServiceConfig(t *testing.T) *types.ServiceConfig {
	cfg := config.NewLoader().Defaults()
	cfg.Server.HTTP.Host = "127.0.0.1"
	cfg.Server.HTTP.Port = freePort(t)
	cfg.Server.HTTP.ShutdownTimeout = 1
	cfg.Cache.Type = "memory"
	cfg.Records.Path = filepath.Join(t.TempDir(), "records.db")
	cfg.Logger.Level = "error"
	return cfg
}

func startService(t *testing.T, cfg *types.ServiceConfig) (*Service, string) {
	t.Helper()

	svc, err := NewServiceWithConfig(context.Background(), config.NewStaticManager(cfg))
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- svc.Start() }()

	require.Eventually(t, svc.IsRunning, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		if svc.IsRunning() {
			_ = svc.Stop()
		}
		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("service did not stop")
		}
	})

	return svc, fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.HTTP.Port)
}

func call(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	require.NoError(t, fasthttp.DoTimeout(req, resp, 3*time.Second))

	return resp.StatusCode(), append([]byte(nil), resp.Body()...)
}

func TestServiceServesRecordsAndHealth(t *testing.T) {
	svc, base := startService(t, testServiceConfig(t))

	status, _ := call(t, "POST", base+"/api/v1/records/set", `{"key":"k","type":"t","value":42}`)
	assert.Equal(t, fasthttp.StatusOK, status)

	status, body := call(t, "GET", base+"/api/v1/records/get/k", "")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), `"value":42`)

	report, err := health.Probe(base+"/health", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "cache")
	assert.Contains(t, report.Checks, "records")

	require.NotNil(t, svc.Container().Cache.Load())
	require.NoError(t, svc.Stop())

	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("service did not finish")
	}
}

func TestServiceWithoutCacheStillAnswers(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Cache.Enabled = false

	svc, base := startService(t, cfg)
	assert.Nil(t, svc.Container().Cache.Load())

	status, _ := call(t, "POST", base+"/set", `{"key":"k","type":"t","value":1}`)
	require.Equal(t, fasthttp.StatusOK, status)

	for i := 0; i < 2; i++ {
		status, _ = call(t, "GET", base+"/get/k", "")
		assert.Equal(t, fasthttp.StatusOK, status)
	}
}

func TestSecondStartIsRejected(t *testing.T) {
	svc, _ := startService(t, testServiceConfig(t))
	assert.ErrorIs(t, svc.Start(), types.ErrServerAlreadyRunning)
}

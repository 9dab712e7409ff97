package cache

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/store"
	"github.com/ddasdkimo/keyvalueserver/types"
)

const responseTimeout = 200 * time.Millisecond

func testCacheConfig(addr string) *types.CacheConfig {
	host, portStr, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(portStr)

	return &types.CacheConfig{
		Enabled:         true,
		Type:            "redis",
		Host:            host,
		Port:            port,
		PoolSize:        2,
		DialTimeout:     responseTimeout,
		ResponseTimeout: responseTimeout,
		IdleTimeout:     300 * time.Second,
		KeepAlive:       60 * time.Second,
		BackoffBase:     50 * time.Millisecond,
		DefaultTTL:      time.Minute,
		KeyPrefix:       "test:",
		Compression:     &types.CacheCompressionConfig{Algorithm: "lz4", Threshold: 1024},
	}
}

func newStartedClient(t *testing.T, config *types.CacheConfig) *Client {
	t.Helper()

	backend, err := NewBackend(config)
	require.NoError(t, err)

	client := NewClient(context.Background(), config, backend, logger.NewNop())
	require.NoError(t, client.Start())
	t.Cleanup(func() { _ = client.Stop() })

	return client
}

// startStore runs the embedded cache store on a loopback port.
func startStore(t *testing.T, maxMemory string) string {
	t.Helper()

	cfg := &types.StoreConfig{
		Host:            "127.0.0.1",
		Port:            0,
		Dir:             t.TempDir(),
		AppendFsync:     store.FsyncNo,
		MaxMemory:       maxMemory,
		MaxMemoryPolicy: "allkeys-lru",
		TCPKeepAlive:    60,
		Timeout:         300,
	}

	db, err := store.OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Start())

	srv := store.NewServer(context.Background(), db, cfg, logger.NewNop())
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		_ = srv.Stop()
		_ = db.Stop()
	})

	return srv.Addr()
}

// hangingListener accepts connections and never answers.
func hangingListener(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	return ln.Addr().String()
}

func closedPort(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return addr
}

func TestMissThenHitWithoutRecompute(t *testing.T) {
	client := newStartedClient(t, testCacheConfig(startStore(t, "512mb")))
	ctx := context.Background()

	result := client.Get(ctx, "req:42")
	assert.Equal(t, types.CacheMiss, result.Outcome)

	require.NoError(t, client.Set(ctx, "req:42", []byte("result-42"), 0))

	result = client.Get(ctx, "req:42")
	require.Equal(t, types.CacheHit, result.Outcome)
	assert.Equal(t, "result-42", string(result.Value))
	assert.Equal(t, types.StateConnected, client.State())
}

func TestSetIsIdempotentOverTheWire(t *testing.T) {
	client := newStartedClient(t, testCacheConfig(startStore(t, "512mb")))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Set(ctx, "req:42", []byte("result-42"), time.Minute))
	}

	result := client.Get(ctx, "req:42")
	require.Equal(t, types.CacheHit, result.Outcome)
	assert.Equal(t, "result-42", string(result.Value))
}

func TestLargeValuesRoundTripCompressed(t *testing.T) {
	client := newStartedClient(t, testCacheConfig(startStore(t, "512mb")))
	ctx := context.Background()

	value := []byte(strings.Repeat(`{"key":"a","value":1.5}`, 200))
	require.NoError(t, client.Set(ctx, "big", value, 0))

	result := client.Get(ctx, "big")
	require.Equal(t, types.CacheHit, result.Outcome)
	assert.Equal(t, value, result.Value)
}

func TestCapacityRefusalIsNotAnError(t *testing.T) {
	config := testCacheConfig(startStore(t, "1kb"))
	config.Compression = nil
	client := newStartedClient(t, config)

	err := client.Set(context.Background(), "huge", []byte(strings.Repeat("x", 4096)), 0)
	assert.NoError(t, err)
	assert.Equal(t, types.StateConnected, client.State())
}

func TestDeleteAndDeletePrefix(t *testing.T) {
	client := newStartedClient(t, testCacheConfig(startStore(t, "512mb")))
	ctx := context.Background()

	for _, k := range []string{"get:a", "get:b", "keys:*", "other"} {
		require.NoError(t, client.Set(ctx, k, []byte("v"), 0))
	}

	require.NoError(t, client.Delete(ctx, "other"))
	assert.Equal(t, types.CacheMiss, client.Get(ctx, "other").Outcome)

	require.NoError(t, client.DeletePrefix(ctx, "get:"))
	assert.Equal(t, types.CacheMiss, client.Get(ctx, "get:a").Outcome)
	assert.Equal(t, types.CacheMiss, client.Get(ctx, "get:b").Outcome)
	assert.Equal(t, types.CacheHit, client.Get(ctx, "keys:*").Outcome)
}

func TestDeletePrefixRemovesEveryPage(t *testing.T) {
	client := newStartedClient(t, testCacheConfig(startStore(t, "512mb")))
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		require.NoError(t, client.Set(ctx, "query:"+strconv.Itoa(i), []byte("v"), 0))
	}
	require.NoError(t, client.Set(ctx, "get:kept", []byte("v"), 0))

	require.NoError(t, client.DeletePrefix(ctx, "query:"))

	for i := 0; i < 250; i++ {
		assert.Equal(t, types.CacheMiss, client.Get(ctx, "query:"+strconv.Itoa(i)).Outcome, i)
	}
	assert.Equal(t, types.CacheHit, client.Get(ctx, "get:kept").Outcome)
}

func TestIdleClientReconnectsOnNextUse(t *testing.T) {
	config := testCacheConfig("127.0.0.1:1")
	config.Type = "memory"
	config.IdleTimeout = 50 * time.Millisecond
	client := newStartedClient(t, config)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", []byte("v"), 0))
	assert.Equal(t, types.StateConnected, client.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, types.StateDisconnected, client.State())

	assert.Equal(t, types.CacheHit, client.Get(ctx, "k").Outcome)
	assert.Equal(t, types.StateConnected, client.State())
}

func TestUnreachableStoreReturnsWithinBound(t *testing.T) {
	client := newStartedClient(t, testCacheConfig(closedPort(t)))

	// Wait out the window opened by the startup handshake.
	time.Sleep(60 * time.Millisecond)

	start := time.Now()
	result := client.Get(context.Background(), "req:42")
	elapsed := time.Since(start)

	assert.Equal(t, types.CacheUnavailable, result.Outcome)
	assert.Less(t, elapsed, responseTimeout+100*time.Millisecond)
	assert.Equal(t, types.StateDisconnected, client.State())
	assert.False(t, client.UnavailableSince().IsZero())

	result = client.Get(context.Background(), "req:42")
	assert.Equal(t, types.CacheUnavailable, result.Outcome)
	assert.Equal(t, types.ReasonBackoff, result.Reason, "next attempt waits for the window")

	err := client.Set(context.Background(), "req:42", []byte("result-42"), 0)
	assert.ErrorIs(t, err, types.ErrCacheUnavailable)
}

func TestSilentStoreTimesOut(t *testing.T) {
	client := newStartedClient(t, testCacheConfig(hangingListener(t)))

	time.Sleep(60 * time.Millisecond)

	start := time.Now()
	result := client.Get(context.Background(), "req:42")
	elapsed := time.Since(start)

	assert.Equal(t, types.CacheUnavailable, result.Outcome)
	assert.Equal(t, types.ReasonTimeout, result.Reason)
	assert.Less(t, elapsed, responseTimeout+150*time.Millisecond)
}

func TestReconnectsAfterStoreComesBack(t *testing.T) {
	addr := closedPort(t)
	config := testCacheConfig(addr)
	client := newStartedClient(t, config)

	assert.Equal(t, types.CacheUnavailable, client.Get(context.Background(), "k").Outcome)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s was reused: %v", addr, err)
	}
	_ = ln.Close()

	cfg := &types.StoreConfig{
		Host:            "127.0.0.1",
		Port:            config.Port,
		Dir:             t.TempDir(),
		AppendFsync:     store.FsyncNo,
		MaxMemory:       "512mb",
		MaxMemoryPolicy: "allkeys-lru",
		Timeout:         300,
	}
	db, err := store.OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	srv := store.NewServer(context.Background(), db, cfg, logger.NewNop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	require.Eventually(t, func() bool {
		return client.Get(context.Background(), "k").Outcome == types.CacheMiss
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, types.StateConnected, client.State())
	assert.True(t, client.UnavailableSince().IsZero())
}

func TestEmptyKeyIsUnavailable(t *testing.T) {
	config := testCacheConfig("127.0.0.1:1")
	config.Type = "memory"
	client := newStartedClient(t, config)

	result := client.Get(context.Background(), "")
	assert.Equal(t, types.CacheUnavailable, result.Outcome)
	assert.Equal(t, types.ReasonInvalidKey, result.Reason)

	assert.ErrorIs(t, client.Set(context.Background(), "", []byte("v"), 0), types.ErrCacheKeyEmpty)
}

func TestStoppedClientIsUnavailable(t *testing.T) {
	config := testCacheConfig("127.0.0.1:1")
	config.Type = "memory"

	backend, err := NewBackend(config)
	require.NoError(t, err)
	client := NewClient(context.Background(), config, backend, logger.NewNop())

	result := client.Get(context.Background(), "k")
	assert.Equal(t, types.CacheUnavailable, result.Outcome)
	assert.Equal(t, types.ReasonStopped, result.Reason)
}

func TestUndecodableEntryIsAMiss(t *testing.T) {
	config := testCacheConfig("127.0.0.1:1")
	config.Type = "memory"

	s := store.New(0)
	client := NewClient(context.Background(), config, NewMemoryBackendWithStore(s), logger.NewNop())
	require.NoError(t, client.Start())
	defer client.Stop()

	_, err := s.Set("test:bad", []byte{0x7f, 'x'}, store.SetOptions{})
	require.NoError(t, err)

	result := client.Get(context.Background(), "bad")
	assert.Equal(t, types.CacheMiss, result.Outcome)
	assert.Equal(t, types.ReasonCodec, result.Reason)

	assert.Eventually(t, func() bool {
		_, ok := s.Get("test:bad")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

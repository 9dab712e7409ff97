package store

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/types"
)

func startTestServer(t *testing.T, mutate func(cfg *types.StoreConfig)) (*Server, *redis.Client) {
	t.Helper()

	cfg := testStoreConfig(t.TempDir())
	cfg.AppendOnly = false
	if mutate != nil {
		mutate(cfg)
	}

	db, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Start())

	srv := NewServer(context.Background(), db, cfg, logger.NewNop())
	require.NoError(t, srv.Start())

	client := redis.NewClient(&redis.Options{
		Addr:            srv.Addr(),
		Protocol:        2,
		DisableIdentity: true,
		MaxRetries:      -1,
	})

	t.Cleanup(func() {
		_ = client.Close()
		_ = srv.Stop()
		_ = db.Stop()
	})

	return srv, client
}

func TestServerSetGetOverRESP(t *testing.T) {
	_, client := startTestServer(t, nil)
	ctx := context.Background()

	_, err := client.Get(ctx, "req:42").Result()
	require.ErrorIs(t, err, redis.Nil)

	require.NoError(t, client.Set(ctx, "req:42", "result-42", 0).Err())
	value, err := client.Get(ctx, "req:42").Result()
	require.NoError(t, err)
	assert.Equal(t, "result-42", value)

	require.NoError(t, client.Set(ctx, "ttl", "v", time.Minute).Err())
	ttl, err := client.TTL(ctx, "ttl").Result()
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)

	n, err := client.Del(ctx, "req:42", "missing").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestServerPipeline(t *testing.T) {
	_, client := startTestServer(t, nil)
	ctx := context.Background()

	pipe := client.Pipeline()
	for _, k := range []string{"a", "b", "c"} {
		pipe.Set(ctx, k, k, 0)
	}
	get := pipe.Get(ctx, "b")
	_, err := pipe.Exec(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", get.Val())

	size, err := client.DBSize(ctx).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
}

func TestServerEvictsOverTheWire(t *testing.T) {
	_, client := startTestServer(t, func(cfg *types.StoreConfig) {
		cfg.MaxMemory = "200"
	})
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "A", "v", 0).Err())
	require.NoError(t, client.Set(ctx, "B", "v", 0).Err())
	require.NoError(t, client.Get(ctx, "A").Err())
	require.NoError(t, client.Set(ctx, "C", "v", 0).Err())

	_, err := client.Get(ctx, "B").Result()
	assert.ErrorIs(t, err, redis.Nil)

	keys, err := client.Keys(ctx, "*").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C"}, keys)
}

func TestServerRefusesOversizeValue(t *testing.T) {
	_, client := startTestServer(t, func(cfg *types.StoreConfig) {
		cfg.MaxMemory = "200"
	})
	ctx := context.Background()

	err := client.Set(ctx, "big", strings.Repeat("x", 1024), 0).Err()
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "OOM"))

	require.NoError(t, client.Ping(ctx).Err(), "connection survives the refusal")
}

func TestServerReportsConfiguration(t *testing.T) {
	_, client := startTestServer(t, nil)
	ctx := context.Background()

	policy, err := client.ConfigGet(ctx, "maxmemory-policy").Result()
	require.NoError(t, err)
	assert.Equal(t, "allkeys-lru", policy["maxmemory-policy"])

	info, err := client.Info(ctx, "memory").Result()
	require.NoError(t, err)
	assert.Contains(t, info, "maxmemory:536870912")
}

func TestServerClosesIdleConnections(t *testing.T) {
	srv, _ := startTestServer(t, func(cfg *types.StoreConfig) {
		cfg.Timeout = 1
	})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.ConnectedClients() == 1 }, time.Second, 10*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server hangs up after the idle timeout")

	assert.Eventually(t, func() bool { return srv.ConnectedClients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServerAnswersInlineCommands(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "+PONG\r\n", string(buf[:n]))
}

func TestServerQuitSkipsRestOfPipeline(t *testing.T) {
	srv, client := startTestServer(t, nil)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("*1\r\n$4\r\nQUIT\r\n*3\r\n$3\r\nSET\r\n$1\r\nq\r\n$1\r\nv\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", string(out))

	_, err = client.Get(context.Background(), "q").Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestServerReportsProtocolErrors(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("*1\r\n!3\r\nGET\r\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "-ERR Protocol error"), string(out))
}

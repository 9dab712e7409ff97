package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/redcon"

	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/types"
)

func testStoreConfig(dir string) *types.StoreConfig {
	return &types.StoreConfig{
		Host:                     "127.0.0.1",
		Port:                     0,
		Dir:                      dir,
		AppendOnly:               true,
		AppendFilename:           "appendonly.aof",
		AppendFsync:              FsyncAlways,
		AOFLoadTruncated:         true,
		AutoAOFRewritePercentage: 100,
		AutoAOFRewriteMinSize:    "64mb",
		MaxMemory:                "512mb",
		MaxMemoryPolicy:          "allkeys-lru",
		TCPKeepAlive:             60,
		Timeout:                  300,
	}
}

func exec(t *testing.T, db *DB, args ...string) string {
	t.Helper()

	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}

	var out bytes.Buffer
	w := redcon.NewWriter(&out)
	db.Exec(raw, w)
	require.NoError(t, w.Flush())

	return out.String()
}

func TestAOFRestoresDatasetAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)

	db, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "+OK\r\n", exec(t, db, "SET", "req:42", "result-42"))
	assert.Equal(t, "+OK\r\n", exec(t, db, "SET", "gone", "x"))
	assert.Equal(t, ":1\r\n", exec(t, db, "DEL", "gone"))
	assert.Equal(t, "+OK\r\n", exec(t, db, "SET", "ttl", "x", "EX", "3600"))
	require.NoError(t, db.Close())

	reopened, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	value, ok := reopened.Store().Get("req:42")
	require.True(t, ok)
	assert.Equal(t, "result-42", string(value))

	_, ok = reopened.Store().Get("gone")
	assert.False(t, ok)

	ttl, exists := reopened.Store().TTL("ttl")
	require.True(t, exists)
	assert.Greater(t, ttl.Seconds(), 3500.0)
}

func TestAOFTruncatedTailIsCutWhenAllowed(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)
	path := filepath.Join(dir, cfg.AppendFilename)

	good := AppendCommand(nil, []byte("SET"), []byte("a"), []byte("1"))
	good = AppendCommand(good, []byte("SET"), []byte("b"), []byte("2"))
	torn := []byte("*3\r\n$3\r\nSET\r\n$1\r\nc\r\n$5\r\nab")
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, good...), torn...), 0o644))

	db, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 2, db.Store().Len())
	_, ok := db.Store().Get("c")
	assert.False(t, ok)
	require.NoError(t, db.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, good, data, "file is cut back to the last complete command")
}

func TestAOFCorruptionFailsClosedWhenTruncationDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)
	cfg.AOFLoadTruncated = false
	path := filepath.Join(dir, cfg.AppendFilename)

	content := append(AppendCommand(nil, []byte("SET"), []byte("a"), []byte("1")), []byte("*2\r\n$3\r\nDEL")...)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	_, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.ErrorIs(t, err, types.ErrAOFCorrupted)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, data, "file is left untouched")
}

func TestAOFGarbageIsTreatedAsCorruption(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)
	path := filepath.Join(dir, cfg.AppendFilename)

	good := AppendCommand(nil, []byte("SET"), []byte("a"), []byte("1"))
	require.NoError(t, os.WriteFile(path, append(append([]byte{}, good...), []byte("not a command\r\n")...), 0o644))

	db, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 1, db.Store().Len())
}

func TestAOFReplaysAcrossReadChunks(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)
	path := filepath.Join(dir, cfg.AppendFilename)

	big := bytes.Repeat([]byte("x"), replayChunk+17)
	var content []byte
	for i := 0; i < 3; i++ {
		content = AppendCommand(content, []byte("SET"), []byte{'k', byte('0' + i)}, big)
	}
	content = AppendCommand(content, []byte("DEL"), []byte("k1"))
	require.NoError(t, os.WriteFile(path, content, 0o644))

	db, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer db.Close()

	assert.ElementsMatch(t, []string{"k0", "k2"}, db.Store().Keys("*"))
	value, ok := db.Store().Get("k2")
	require.True(t, ok)
	assert.Equal(t, big, value)
	assert.Equal(t, int64(len(content)), db.aof.Size())
}

func TestEvictionsAreLoggedAsDeletes(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)
	cfg.MaxMemory = "200"

	db, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)

	exec(t, db, "SET", "A", "v")
	exec(t, db, "SET", "B", "v")
	exec(t, db, "GET", "A")
	exec(t, db, "SET", "C", "v")
	require.NoError(t, db.Close())

	reopened, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.ElementsMatch(t, []string{"A", "C"}, reopened.Store().Keys("*"))
}

func TestRewriteCompactsLog(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)

	db, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		exec(t, db, "SET", "counter", "value")
	}
	exec(t, db, "SET", "other", "x", "PX", "600000")
	before := db.aof.Size()

	require.NoError(t, db.RewriteAOF())
	assert.Less(t, db.aof.Size(), before)

	exec(t, db, "SET", "after", "rewrite")
	require.NoError(t, db.Close())

	reopened, err := OpenDB(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.ElementsMatch(t, []string{"after", "counter", "other"}, reopened.Store().Keys("*"))
	ttl, _ := reopened.Store().TTL("other")
	assert.Greater(t, ttl.Seconds(), 500.0)
}

func TestUnsupportedPolicyIsRejected(t *testing.T) {
	cfg := testStoreConfig(t.TempDir())
	cfg.MaxMemoryPolicy = "volatile-ttl"

	_, err := OpenDB(context.Background(), cfg, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrEvictionPolicy)
}

package database

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddasdkimo/keyvalueserver/config"
	"github.com/ddasdkimo/keyvalueserver/logger"
	"github.com/ddasdkimo/keyvalueserver/types"
)

func openStores(t *testing.T) map[string]types.RecordStore {
	t.Helper()

	dir := t.TempDir()
	stores := map[string]types.RecordStore{}

	sqlite, err := NewSQLiteStore(context.Background(), logger.NewNop(), &types.RecordsConfig{
		Type: "sqlite",
		Path: filepath.Join(dir, "records.db"),
	})
	require.NoError(t, err)
	stores["sqlite"] = sqlite

	clover, err := NewCloverStore(context.Background(), logger.NewNop(), &types.RecordsConfig{
		Type: "clover",
		Path: filepath.Join(dir, "clover"),
	})
	require.NoError(t, err)
	stores["clover"] = clover

	for _, s := range stores {
		require.NoError(t, s.Start())
		store := s
		t.Cleanup(func() { _ = store.Stop() })
	}
	return stores
}

func keys(records []types.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Key+"/"+r.Type)
	}
	sort.Strings(out)
	return out
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, created, err := store.Upsert(ctx, "temp", "celsius", 21.5)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Len(t, first.ID, 36)

			second, created, err := store.Upsert(ctx, "temp", "celsius", 23)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first.ID, second.ID)

			_, created, err = store.Upsert(ctx, "temp", "fahrenheit", 73.4)
			require.NoError(t, err)
			assert.True(t, created)

			records, err := store.FindByKey(ctx, "temp")
			require.NoError(t, err)
			require.Len(t, records, 2)
			assert.Equal(t, "celsius", records[0].Type)
			assert.Equal(t, 23.0, records[0].Value)
			assert.False(t, records[0].UpdatedAt.IsZero())

			n, err := store.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestGlobPatterns(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"sensor:1", "sensor:2", "sensor:10", "meter:1"} {
				_, _, err := store.Upsert(ctx, k, "reading", 1)
				require.NoError(t, err)
			}
			_, _, err := store.Upsert(ctx, "sensor:1", "battery", 0.9)
			require.NoError(t, err)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 5)

			single, err := store.List(ctx, "sensor:?")
			require.NoError(t, err)
			assert.Equal(t, []string{"sensor:1/battery", "sensor:1/reading", "sensor:2/reading"}, keys(single))

			class, err := store.List(ctx, "[m]eter:*")
			require.NoError(t, err)
			assert.Equal(t, []string{"meter:1/reading"}, keys(class))

			typed, err := store.ListByType(ctx, "battery", "*")
			require.NoError(t, err)
			assert.Equal(t, []string{"sensor:1/battery"}, keys(typed))
		})
	}
}

func TestDeletes(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, _, err := store.Upsert(ctx, "a", "x", 1)
			require.NoError(t, err)
			_, _, err = store.Upsert(ctx, "a", "y", 2)
			require.NoError(t, err)
			_, _, err = store.Upsert(ctx, "b", "x", 3)
			require.NoError(t, err)

			n, err := store.DeleteByID(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = store.DeleteByID(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = store.DeleteByKey(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			n, err = store.DeleteByKey(ctx, "missing")
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = store.Flush(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			records, err := store.List(ctx, "*")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestNewRecordStoreFactory(t *testing.T) {
	cfg := config.NewLoader().Defaults()
	cfg.Records.Path = filepath.Join(t.TempDir(), "records.db")

	store, err := NewRecordStore(context.Background(), config.NewStaticManager(cfg), logger.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, store.Start())
	assert.True(t, store.IsRunning())
	assert.ErrorIs(t, store.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, store.Stop())

	cfg.Records.Type = "etcd"
	_, err = NewRecordStore(context.Background(), config.NewStaticManager(cfg), logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrRecordStoreUnknown)
}

package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ratio/storage"
	"goa.design/ratio/storage/storagetest"
)

func TestPutJSONGetJSONRoundTrip(t *testing.T) {
	store := storagetest.New()
	ctx := context.Background()
	body := map[string]any{"city": "Lyon", "count": float64(3)}
	require.NoError(t, storage.PutJSON(ctx, store, "tok", "/wd/arguments.aio", storage.FileTypeAgentIO, body))

	var got map[string]any
	require.NoError(t, storage.GetJSON(ctx, store, "tok", "/wd/arguments.aio", &got))
	require.Equal(t, body, got)
}

func TestPutJSONAppendsVersions(t *testing.T) {
	store := storagetest.New()
	ctx := context.Background()
	require.NoError(t, storage.PutJSON(ctx, store, "tok", "/wd/f", storage.FileTypeAgentIO, map[string]any{"n": 1}))
	require.NoError(t, storage.PutJSON(ctx, store, "tok", "/wd/f", storage.FileTypeAgentIO, map[string]any{"n": 2}))

	var got map[string]any
	require.NoError(t, storage.GetJSON(ctx, store, "tok", "/wd/f", &got))
	require.Equal(t, float64(2), got["n"], "reads see the latest version")

	versions, err := store.ListFileVersions(ctx, "tok", "/wd/f")
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestGetJSONMissingFile(t *testing.T) {
	store := storagetest.New()
	var got map[string]any
	err := storage.GetJSON(context.Background(), store, "tok", "/wd/missing", &got)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnsureDirectoryDenied(t *testing.T) {
	store := storagetest.New()
	store.Deny("/locked")
	err := storage.EnsureDirectory(context.Background(), store, "tok", "/locked")
	require.ErrorIs(t, err, storage.ErrAccessDenied)
}

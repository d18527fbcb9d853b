package cache_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nix-community/debuginfod/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *cache.Cache {
	t.Helper()

	dir := t.TempDir()

	c, err := cache.Open(context.Background(), dir, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() { c.Close() })

	return c
}

func TestInstallFileThenOpen(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	key := cache.DebugInfoKey("abc123")

	err := c.InstallFile(ctx, key, strings.NewReader("hello world"))
	require.NoError(t, err)

	rc, err := c.OpenEntry(ctx, key)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestOpenMissingReturnsErrNotFound(t *testing.T) {
	c := openTestCache(t)

	_, err := c.OpenEntry(context.Background(), cache.DebugInfoKey("missing"))
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestStageAndCommitDir(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	key := cache.StorePathContentsKey("/nix/store/abc-hello")

	tmp, err := c.StageDir(key)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(tmp, "file.txt"), []byte("tree"), 0o644))
	require.NoError(t, c.CommitDir(ctx, key, 4))

	dir, err := c.Dir(ctx, key)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tree", string(data))
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	key := cache.DebugInfoKey("stale")
	require.NoError(t, c.InstallFile(ctx, key, strings.NewReader("x")))

	n, err := c.Sweep(ctx, -time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.OpenEntry(ctx, key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSweepSkipsInFlightKeys(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	key := cache.DebugInfoKey("busy")
	require.NoError(t, c.InstallFile(ctx, key, strings.NewReader("x")))

	hash, err := key.Hash()
	require.NoError(t, err)

	n, err := c.Sweep(ctx, -time.Hour, func(k string) bool { return k == hash })
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = c.OpenEntry(ctx, key)
	assert.NoError(t, err)
}

func TestReopenRebuildsFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c1, err := cache.Open(ctx, dir, zerolog.Nop())
	require.NoError(t, err)

	key := cache.DebugInfoKey("persisted")
	require.NoError(t, c1.InstallFile(ctx, key, strings.NewReader("durable")))
	require.NoError(t, c1.Close())

	c2, err := cache.Open(ctx, dir, zerolog.Nop())
	require.NoError(t, err)
	defer c2.Close()

	rc, err := c2.OpenEntry(ctx, key)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "durable", string(data))
}

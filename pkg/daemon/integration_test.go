//go:build integration

package daemon_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/nix-community/debuginfod/pkg/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultSocket = "/nix/var/nix/daemon-socket/socket"

// connectOrSkip connects to the daemon or skips the test.
func connectOrSkip(t *testing.T, opts ...daemon.ConnectOption) *daemon.Client {
	t.Helper()

	client, err := daemon.Connect(defaultSocket, opts...)
	if err != nil {
		t.Skipf("cannot connect to Nix daemon: %v", err)
	}

	t.Cleanup(func() { client.Close() })

	return client
}

// probeStorePath returns a store path to exercise QueryPathInfo/NarFromPath
// against, read from DEBUGINFOD_TEST_STORE_PATH, or skips the test. The
// trimmed client no longer carries QueryAllValidPaths to discover one.
func probeStorePath(t *testing.T) string {
	t.Helper()

	path := os.Getenv("DEBUGINFOD_TEST_STORE_PATH")
	if path == "" {
		t.Skip("DEBUGINFOD_TEST_STORE_PATH not set, skipping")
	}

	return path
}

// --- Connection & Handshake ---

func TestIntegrationConnect(t *testing.T) {
	client := connectOrSkip(t)

	info := client.Info()
	assert.Equal(t, daemon.ProtocolVersion, info.Version)
	assert.NotEmpty(t, info.DaemonNixVersion)
	t.Logf("Nix version: %s, trust: %d", info.DaemonNixVersion, info.Trust)
}

func TestIntegrationLogChannel(t *testing.T) {
	logs := make(chan daemon.LogMessage, 100)
	client := connectOrSkip(t, daemon.WithLogChannel(logs))

	assert.NotNil(t, client.Logs())

	// Run an operation that may produce log messages.
	_, err := client.IsValidPath(context.Background(), "/nix/store/00000000000000000000000000000000-nonexistent")
	assert.NoError(t, err)
}

// --- Validity & Path Info ---

func TestIntegrationIsValidPath(t *testing.T) {
	client := connectOrSkip(t)

	// A path that definitely doesn't exist.
	valid, err := client.IsValidPath(context.Background(), "/nix/store/00000000000000000000000000000000-nonexistent")
	assert.NoError(t, err)
	assert.False(t, valid)
}

func TestIntegrationIsValidPathTrue(t *testing.T) {
	client := connectOrSkip(t)
	path := probeStorePath(t)

	valid, err := client.IsValidPath(context.Background(), path)
	assert.NoError(t, err)
	assert.True(t, valid)
}

func TestIntegrationQueryPathInfo(t *testing.T) {
	client := connectOrSkip(t)
	path := probeStorePath(t)

	info, err := client.QueryPathInfo(context.Background(), path)
	assert.NoError(t, err)
	require.NotNil(t, info)

	assert.Equal(t, path, info.StorePath)
	assert.NotEmpty(t, info.NarHash)
	assert.True(t, info.NarSize > 0)

	t.Logf("Path: %s", info.StorePath)
	t.Logf("  Deriver: %s", info.Deriver)
	t.Logf("  NarHash: %s", info.NarHash)
	t.Logf("  NarSize: %d", info.NarSize)
	t.Logf("  References: %d", len(info.References))
	t.Logf("  Sigs: %d", len(info.Sigs))
	t.Logf("  CA: %q", info.CA)
}

func TestIntegrationQueryPathInfoNotFound(t *testing.T) {
	client := connectOrSkip(t)

	info, err := client.QueryPathInfo(context.Background(), "/nix/store/00000000000000000000000000000000-nonexistent")
	assert.NoError(t, err)
	assert.Nil(t, info)
}

// --- NAR Streaming ---

func TestIntegrationNarFromPath(t *testing.T) {
	client := connectOrSkip(t)
	path := probeStorePath(t)

	// Get expected NAR size.
	info, err := client.QueryPathInfo(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, info)

	rc, err := client.NarFromPath(context.Background(), path)
	assert.NoError(t, err)
	require.NotNil(t, rc)

	// Read all NAR data.
	data, err := io.ReadAll(rc)
	assert.NoError(t, err)
	assert.NoError(t, rc.Close())

	// NAR data should start with the NAR magic header.
	assert.True(t, len(data) > 0, "NAR data should not be empty")
	assert.True(t, bytes.Contains(data[:min(len(data), 64)], []byte("nix-archive-1")),
		"NAR data should start with nix-archive-1 magic")

	// NAR size should match what PathInfo reported.
	assert.Equal(t, info.NarSize, uint64(len(data)),
		"NAR size should match PathInfo.NarSize")

	t.Logf("NAR from %s: %d bytes", path, len(data))
}

// --- Sequential Operations ---
// Verify that multiple operations work on the same connection sequentially.

func TestIntegrationSequentialOperations(t *testing.T) {
	client := connectOrSkip(t)
	ctx := context.Background()
	path := probeStorePath(t)

	// Operation 1: IsValidPath
	valid, err := client.IsValidPath(ctx, path)
	require.NoError(t, err)
	assert.True(t, valid)

	// Operation 2: QueryPathInfo
	info, err := client.QueryPathInfo(ctx, path)
	require.NoError(t, err)
	require.NotNil(t, info)

	// Operation 3: NarFromPath + read + close
	rc, err := client.NarFromPath(ctx, path)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	t.Logf("sequential operations completed successfully on the same connection")
}

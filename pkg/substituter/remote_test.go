package substituter_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/nix-community/debuginfod/pkg/narv2"
	"github.com/nix-community/debuginfod/pkg/substituter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, root string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "debuginfo"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "debuginfo", "abcdef0123456789.debug"),
		[]byte("22222222222222222222222222222222.narinfo\n"), 0o644))

	require.NoError(t, os.WriteFile(filepath.Join(root, "22222222222222222222222222222222.narinfo"), []byte(
		"StorePath: /nix/store/22222222222222222222222222222222-hello-2.12-debug\n"+
			"URL: nar/deadbeef.nar.xz\n"+
			"Compression: xz\n"+
			"NarHash: sha256:0000000000000000000000000000000000000000000000000000000000000000\n"+
			"NarSize: 100\n"+
			"Deriver: 33333333333333333333333333333333-hello-2.12.drv\n"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "nar"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nar", "deadbeef.nar.xz"), []byte("fake-nar-bytes"), 0o644))
}

func TestFileBackendLookupBuildID(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)

	backend := substituter.NewFile(root)

	res, err := backend.LookupBuildID(context.Background(), "abcdef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/22222222222222222222222222222222-hello-2.12-debug", res.DebugStorePath)
	assert.Equal(t, "33333333333333333333333333333333-hello-2.12.drv", res.Deriver)
}

func TestFileBackendLookupBuildIDMiss(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)

	backend := substituter.NewFile(root)

	_, err := backend.LookupBuildID(context.Background(), "0000000000000000")
	assert.ErrorIs(t, err, substituter.ErrNotFound)
}

func TestFileBackendFetchNar(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)

	backend := substituter.NewFile(root)

	rc, compression, err := backend.FetchNar(context.Background(), "/nix/store/22222222222222222222222222222222-hello-2.12-debug")
	require.NoError(t, err)
	defer rc.Close()

	assert.EqualValues(t, "xz", compression)
}

// singleFileNar writes a root-level regular file NAR, the encoding a .drv
// path uses.
func singleFileNar(t *testing.T, content []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := narv2.NewWriter(&buf)
	require.NoError(t, w.File(false, uint64(len(content))))
	_, err := w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	return buf.Bytes()
}

func TestFileBackendFetchDrvThroughCompressedNar(t *testing.T) {
	root := t.TempDir()

	drvBytes := []byte(`Derive([("out","/nix/store/ccc-hello","","")],[],[],"x86_64-linux","/bin/sh",[],[("name","hello")])`)

	require.NoError(t, os.WriteFile(filepath.Join(root, "33333333333333333333333333333333.narinfo"), []byte(
		"StorePath: /nix/store/33333333333333333333333333333333-hello-2.12.drv\n"+
			"URL: nar/hello.drv.nar.gz\n"+
			"Compression: gzip\n"+
			"NarHash: sha256:0000000000000000000000000000000000000000000000000000000000000000\n"+
			"NarSize: 100\n"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "nar"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "nar", "hello.drv.nar.gz"), gzipBytes(t, singleFileNar(t, drvBytes)), 0o644))

	backend := substituter.NewFile(root)

	got, err := backend.FetchDrv(context.Background(), "/nix/store/33333333333333333333333333333333-hello-2.12.drv")
	require.NoError(t, err)
	assert.Equal(t, drvBytes, got)
}

func TestHTTPBackendLookupBuildID(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)

	srv := httptest.NewServer(http.FileServer(http.Dir(root)))
	defer srv.Close()

	backend := substituter.NewHTTP(srv.URL, srv.Client(), 2)

	res, err := backend.LookupBuildID(context.Background(), "abcdef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/22222222222222222222222222222222-hello-2.12-debug", res.DebugStorePath)
}

func TestHTTPBackendLookupBuildIDMiss(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root)

	srv := httptest.NewServer(http.FileServer(http.Dir(root)))
	defer srv.Close()

	backend := substituter.NewHTTP(srv.URL, srv.Client(), 0)

	_, err := backend.LookupBuildID(context.Background(), "0000000000000000")
	assert.ErrorIs(t, err, substituter.ErrNotFound)
}

func TestListAggregationFirstHitWins(t *testing.T) {
	rootA := t.TempDir()
	writeFixture(t, rootA)

	rootB := t.TempDir()

	list := substituter.List{substituter.NewFile(rootA), substituter.NewFile(rootB)}

	res, backend, err := list.LookupBuildID(context.Background(), "abcdef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/22222222222222222222222222222222-hello-2.12-debug", res.DebugStorePath)
	assert.Contains(t, backend.Name(), rootA)
}

func TestListAggregationSkipsMissToNextHit(t *testing.T) {
	rootA := t.TempDir() // empty: definite miss

	rootB := t.TempDir()
	writeFixture(t, rootB)

	list := substituter.List{substituter.NewFile(rootA), substituter.NewFile(rootB)}

	res, _, err := list.LookupBuildID(context.Background(), "abcdef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/22222222222222222222222222222222-hello-2.12-debug", res.DebugStorePath)
}

// Package sourceresolve implements the debuginfod source request
// algorithm: given a debug output's store path and a DWARF-reported
// source path, locate and return the corresponding source bytes, applying
// any patches the originating derivation declares.
package sourceresolve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nix-community/debuginfod/pkg/archive"
	"github.com/nix-community/debuginfod/pkg/cache"
	"github.com/nix-community/debuginfod/pkg/derivation"
	"github.com/nix-community/debuginfod/pkg/narv2"
	"github.com/nix-community/debuginfod/pkg/store"
	"github.com/nix-community/debuginfod/pkg/substituter"
)

// ErrNotFound is returned when no source location could be resolved; this
// is a legitimate, non-error outcome for packages that do not expose a
// deriver or a clean src attribute, per spec.md §4.6.
var ErrNotFound = errors.New("sourceresolve: source not found")

// Resolver implements the source-resolution algorithm against a backend.
type Resolver struct {
	backend substituter.Backend
	cache   *cache.Cache
	log     zerolog.Logger
}

// New builds a Resolver over the given backend (typically the aggregated
// substituter.List the debug output was found through). c may be nil, in
// which case fetched source tarballs are walked fresh on every request
// instead of being unpacked once under a cache.StorePathContentsKey entry.
func New(backend substituter.Backend, c *cache.Cache, log zerolog.Logger) *Resolver {
	return &Resolver{backend: backend, cache: c, log: log}
}

// Resolve implements spec.md §4.6 steps 1-7.
func (r *Resolver) Resolve(ctx context.Context, debugStorePath, requestedPath string) ([]byte, error) {
	ni, err := r.backend.GetNarInfo(ctx, debugStorePath)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: resolving deriver: %w", err)
	}

	if ni.Deriver == "" {
		return nil, ErrNotFound
	}

	drvPath := ni.Deriver
	if !strings.Contains(drvPath, "/") {
		drvPath = store.Dir() + "/" + drvPath
	}

	drvBytes, err := r.backend.FetchDrv(ctx, drvPath)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: fetching derivation: %w", err)
	}

	drv, err := derivation.Parse(drvBytes)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: parsing derivation: %w", err)
	}

	srcPath, stripped := store.StripBuildPrefix(requestedPath)
	if !stripped {
		srcPath = requestedPath
	}

	srcInput, ok := identifySourceInput(drv)
	if !ok {
		return nil, ErrNotFound
	}

	data, err := r.readFromSource(ctx, drv, srcInput, srcPath)
	if err != nil {
		if errors.Is(err, archive.ErrNoMatch) && stripped {
			// Fallback: retry with the unstripped path, per step 7.
			data, err = r.readFromSource(ctx, drv, srcInput, requestedPath)
		}

		if err != nil {
			return nil, err
		}
	}

	return r.applyPatches(ctx, drv, srcPath, data)
}

// identifySourceInput finds the input whose role corresponds to the
// unpacked source tree: the "src" environment variable's value, matched
// against the derivation's declared input paths.
func identifySourceInput(drv *derivation.Derivation) (string, bool) {
	src, ok := drv.Env["src"]
	if !ok || src == "" {
		return "", false
	}

	for _, in := range drv.InputSrcs {
		if in == src {
			return in, true
		}
	}

	for drvPath := range drv.InputDrvs {
		if drvPath == src {
			return src, true
		}
	}

	// The attribute may directly be the store path even if it is not
	// literally listed among InputSrcs (content-addressed fixed outputs).
	if strings.HasPrefix(src, store.Dir()+"/") {
		return src, true
	}

	return "", false
}

// readFromSource fetches relPath from srcInput. Per spec.md §4.6 steps 4-5,
// a source input store path is either a directory (the unpacked tree,
// walked directly out of its NAR) or a single-file archive blob (a
// fetchurl tarball, decompressed and walked with the Archive Extractor in
// selective mode).
func (r *Resolver) readFromSource(ctx context.Context, drv *derivation.Derivation, srcInput, relPath string) ([]byte, error) {
	rc, compression, err := r.backend.FetchNar(ctx, srcInput)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: fetching source nar: %w", err)
	}
	defer rc.Close()

	narStream, err := archive.Decompress(archive.Compression(compression), rc)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: decompressing source nar: %w", err)
	}

	sourceRoot := drv.Env["sourceRoot"]
	target := relPath

	if sourceRoot != "" {
		target = strings.TrimPrefix(relPath, sourceRoot+"/")
	}
	target = path.Clean(target)

	nr := narv2.NewReader(narStream)

	tag, err := nr.Next()
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: reading source nar root: %w", err)
	}

	if tag == narv2.TagDir {
		return readNarFile(nr, target)
	}

	// A single regular file at the root: it is the archive blob itself.
	return r.readFromTarball(ctx, srcInput, nr, target)
}

// readFromTarball extracts target from the tar-shaped archive blob at nr.
// When a cache is configured, the whole tree is unpacked once under a
// cache.StorePathContentsKey entry (via Cache.StageDir/CommitDir) so a
// later request for a different file out of the same tarball reads it
// straight off disk instead of re-decompressing and re-walking the tar
// stream from scratch.
func (r *Resolver) readFromTarball(ctx context.Context, srcInput string, nr io.Reader, target string) ([]byte, error) {
	if r.cache == nil {
		decompressed, err := archive.Decompress(compressionFromName(srcInput), nr)
		if err != nil {
			return nil, fmt.Errorf("sourceresolve: decompressing source archive: %w", err)
		}

		var buf bytes.Buffer
		if err := archive.ExtractFile(archive.FormatTar, decompressed, target, &buf); err != nil {
			return nil, err
		}

		return buf.Bytes(), nil
	}

	treeKey := cache.StorePathContentsKey(srcInput)

	if dir, err := r.cache.Dir(ctx, treeKey); err == nil {
		return readTreeFile(dir, target)
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("sourceresolve: checking source tree cache: %w", err)
	}

	decompressed, err := archive.Decompress(compressionFromName(srcInput), nr)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: decompressing source archive: %w", err)
	}

	stageDir, err := r.cache.StageDir(treeKey)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: staging source tree: %w", err)
	}

	if err := archive.ExtractTree(archive.FormatTar, decompressed, stageDir); err != nil {
		r.cache.Abort(treeKey)

		return nil, fmt.Errorf("sourceresolve: extracting source tree: %w", err)
	}

	size, err := dirSize(stageDir)
	if err != nil {
		r.cache.Abort(treeKey)

		return nil, fmt.Errorf("sourceresolve: measuring staged source tree: %w", err)
	}

	if err := r.cache.CommitDir(ctx, treeKey, size); err != nil {
		return nil, fmt.Errorf("sourceresolve: committing source tree: %w", err)
	}

	dir, err := r.cache.Dir(ctx, treeKey)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: opening committed source tree: %w", err)
	}

	return readTreeFile(dir, target)
}

// readTreeFile reads target (slash-separated, relative to dir) out of an
// already-materialized source tree directory.
func readTreeFile(dir, target string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(target)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, archive.ErrNoMatch
		}

		return nil, fmt.Errorf("sourceresolve: reading source tree entry: %w", err)
	}

	return data, nil
}

// dirSize sums the size of every regular file under dir, for the Meta
// recorded alongside a committed directory-tree cache entry.
func dirSize(dir string) (int64, error) {
	var total int64

	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() {
			total += info.Size()
		}

		return nil
	})

	return total, err
}

// compressionFromName guesses a fetched source tarball's compression from
// its store-path suffix; Nix fixed-output source derivations name the
// output after the upstream tarball's own filename.
func compressionFromName(name string) archive.Compression {
	switch {
	case strings.HasSuffix(name, ".tar.xz") || strings.HasSuffix(name, ".txz"):
		return archive.CompressionXZ
	case strings.HasSuffix(name, ".tar.zst"):
		return archive.CompressionZstd
	case strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".tbz2"):
		return archive.CompressionBzip2
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		return archive.CompressionGzip
	default:
		return archive.CompressionNone
	}
}

// readNarFile walks an already-opened directory-kind NAR reader looking
// for a regular file at targetPath (slash-separated, relative to the tree
// root).
func readNarFile(nr narv2.Reader, targetPath string) ([]byte, error) {
	for {
		tag, err := nr.Next()
		if errors.Is(err, narv2.ErrEndOfDirectory) {
			continue
		}

		if errors.Is(err, io.EOF) {
			return nil, archive.ErrNoMatch
		}

		if err != nil {
			return nil, fmt.Errorf("sourceresolve: walking source nar: %w", err)
		}

		if tag != narv2.TagReg && tag != narv2.TagExe {
			continue
		}

		if strings.TrimPrefix(nr.Path(), "/") != targetPath {
			continue
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, nr); err != nil {
			return nil, fmt.Errorf("sourceresolve: reading matched source file: %w", err)
		}

		return buf.Bytes(), nil
	}
}

// applyPatches replays the derivation's declared patches against raw
// source bytes, in declaration order, and checks prePatch/postPatch
// against the recognized no-op sentinels. A prePatch/postPatch shell
// snippet that is not a recognized no-op means the source was mutated in
// a way this resolver cannot replay, so the file is returned unpatched
// and a warning is logged rather than returning bytes that silently don't
// match what DWARF references (best-effort patching per spec.md §4.6
// step 6).
func (r *Resolver) applyPatches(ctx context.Context, drv *derivation.Derivation, relPath string, data []byte) ([]byte, error) {
	if prePatch := drv.Env["prePatch"]; prePatch != "" && !isNoOpShellSnippet(prePatch) {
		r.log.Warn().Str("path", relPath).Msg("prePatch is not a recognized no-op, returning source unpatched")

		return data, nil
	}

	if postPatch := drv.Env["postPatch"]; postPatch != "" && !isNoOpShellSnippet(postPatch) {
		r.log.Warn().Str("path", relPath).Msg("postPatch is not a recognized no-op, returning source unpatched")

		return data, nil
	}

	if patchesAttr := drv.Env["patches"]; patchesAttr != "" {
		for _, patchPath := range strings.Fields(patchesAttr) {
			patchBytes, err := r.fetchPatchBytes(ctx, patchPath)
			if err != nil {
				// Best-effort: a missing patch input means we can't apply it;
				// return the file as patched so far rather than failing the
				// request outright.
				r.log.Warn().Str("path", relPath).Str("patch", patchPath).Err(err).
					Msg("fetching declared patch failed, returning source as patched so far")

				return data, nil
			}

			patched, touched, err := ApplyUnifiedDiff(data, patchBytes, relPath)
			if err != nil {
				r.log.Warn().Str("path", relPath).Str("patch", patchPath).Err(err).
					Msg("applying declared patch failed, returning source as patched so far")

				return data, nil
			}

			if touched {
				data = patched
			}
		}
	}

	return data, nil
}

// isNoOpShellSnippet reports whether snippet is one of the shell
// constructs that have no effect on file contents: whitespace only, the
// bare ":" no-op command (optionally followed by arguments, the common
// "do nothing" idiom), or a block of comment-only lines.
func isNoOpShellSnippet(snippet string) bool {
	trimmed := strings.TrimSpace(snippet)
	if trimmed == "" {
		return true
	}

	if trimmed == ":" || strings.HasPrefix(trimmed, ": ") {
		return true
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return false
		}
	}

	return true
}

// fetchPatchBytes retrieves a patch file's raw bytes; a patch input is
// always a single regular file at its NAR root.
func (r *Resolver) fetchPatchBytes(ctx context.Context, patchPath string) ([]byte, error) {
	rc, compression, err := r.backend.FetchNar(ctx, patchPath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	narStream, err := archive.Decompress(archive.Compression(compression), rc)
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: decompressing patch nar: %w", err)
	}

	nr := narv2.NewReader(narStream)

	tag, err := nr.Next()
	if err != nil {
		return nil, fmt.Errorf("sourceresolve: reading patch nar: %w", err)
	}

	if tag != narv2.TagReg && tag != narv2.TagExe {
		return nil, fmt.Errorf("sourceresolve: expected a regular file patch nar, got tag %v", tag)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, nr); err != nil {
		return nil, fmt.Errorf("sourceresolve: reading patch nar contents: %w", err)
	}

	return buf.Bytes(), nil
}

// Package orchestrator wires the substituter backends, the on-disk cache,
// and the request coalescer together behind the pkg/debuginfod.Lookup
// interface. DebugInfo and Executable resolve a build-id through the
// aggregated substituter list exactly once per cache key, no matter how
// many concurrent requests ask for it. Source looks the build-id up on every
// request, outside the coalescer and before consulting the cache; only its
// source resolution is coalesced and cached.
package orchestrator

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/nix-community/debuginfod/pkg/archive"
	"github.com/nix-community/debuginfod/pkg/cache"
	"github.com/nix-community/debuginfod/pkg/coalesce"
	"github.com/nix-community/debuginfod/pkg/debuginfod"
	"github.com/nix-community/debuginfod/pkg/derivation"
	"github.com/nix-community/debuginfod/pkg/narv2"
	"github.com/nix-community/debuginfod/pkg/sourceresolve"
	"github.com/nix-community/debuginfod/pkg/store"
	"github.com/nix-community/debuginfod/pkg/substituter"
)

// Orchestrator implements debuginfod.Lookup over a cache.Cache and a
// substituter.List, coalescing concurrent identical requests through a
// pkg/coalesce.Coalescer and bounding concurrent NAR extractions with a
// weighted semaphore.
type Orchestrator struct {
	backends  substituter.List
	cache     *cache.Cache
	coalescer *coalesce.Coalescer[struct{}]
	extractor *semaphore.Weighted
	log       zerolog.Logger
}

// Config holds the orchestrator's construction parameters.
type Config struct {
	Backends             substituter.List
	Cache                *cache.Cache
	Logger               zerolog.Logger
	MaxExtractionWorkers int64
}

// New builds an Orchestrator. MaxExtractionWorkers bounds how many NAR
// decompress-and-walk operations run concurrently; it guards against a
// burst of cache misses exhausting memory on simultaneous xz/zstd streams.
func New(cfg Config) *Orchestrator {
	workers := cfg.MaxExtractionWorkers
	if workers <= 0 {
		workers = 4
	}

	return &Orchestrator{
		backends:  cfg.Backends,
		cache:     cfg.Cache,
		coalescer: coalesce.New[struct{}](),
		extractor: semaphore.NewWeighted(workers),
		log:       cfg.Logger,
	}
}

var _ debuginfod.Lookup = (*Orchestrator)(nil)

// InFlight reports whether a production is currently running for the
// given cache key hash; passed to cache.Cache.Run as the sweep's
// protection predicate.
func (o *Orchestrator) InFlight(key string) bool {
	return o.coalescer.InFlight(key)
}

// DebugInfo resolves buildID to its debug ELF, fetching and caching it on
// first request and serving every later or concurrent request straight
// from the cache.
func (o *Orchestrator) DebugInfo(ctx context.Context, buildID string) (io.ReadCloser, error) {
	key := cache.DebugInfoKey(buildID)

	if rc, err := o.cache.OpenEntry(ctx, key); err == nil {
		return rc, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("orchestrator: opening cached debuginfo: %w", err)
	}

	coalesceKey, err := key.Hash()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hashing cache key: %w", err)
	}

	if _, err := o.coalescer.GetOrInsert(ctx, coalesceKey, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.materializeDebugInfo(ctx, buildID, key)
	}); err != nil {
		o.log.Debug().Str("build_id", buildID).Err(err).Msg("debuginfo lookup failed")

		return nil, translateError(err)
	}

	rc, err := o.cache.OpenEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening freshly cached debuginfo: %w", err)
	}

	return rc, nil
}

func (o *Orchestrator) materializeDebugInfo(ctx context.Context, buildID string, key cache.Key) error {
	id, err := store.ParseBuildID(buildID)
	if err != nil {
		return fmt.Errorf("%w: %s", debuginfod.ErrNotFound, err)
	}

	result, backend, err := o.backends.LookupBuildID(ctx, string(id))
	if err != nil {
		return err
	}

	if err := o.extractor.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("orchestrator: acquiring extraction slot: %w", err)
	}
	defer o.extractor.Release(1)

	rc, compression, err := backend.FetchNar(ctx, result.DebugStorePath)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching debug output nar: %w", err)
	}
	defer rc.Close()

	decompressed, err := archive.Decompress(archive.Compression(compression), rc)
	if err != nil {
		return fmt.Errorf("orchestrator: decompressing debug output nar: %w", err)
	}

	relPath := id.DebugInfoRelPath()

	data, err := extractNarFile(decompressed, relPath)
	if err != nil {
		return fmt.Errorf("orchestrator: extracting %s: %w", relPath, err)
	}

	if err := o.cache.InstallFile(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("orchestrator: installing debuginfo into cache: %w", err)
	}

	return nil
}

// Executable makes a best-effort attempt to find the stripped binary
// matching buildID among the deriver's non-debug outputs, per spec.md
// §4.7's allowance that this route may always 404. When found, the match
// is cached under its own key so repeat requests skip re-scanning the
// output tree.
func (o *Orchestrator) Executable(ctx context.Context, buildID string) (io.ReadCloser, error) {
	key := cache.ExecutableKey(buildID)

	if rc, err := o.cache.OpenEntry(ctx, key); err == nil {
		return rc, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("orchestrator: opening cached executable: %w", err)
	}

	coalesceKey, err := key.Hash()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hashing cache key: %w", err)
	}

	if _, err := o.coalescer.GetOrInsert(ctx, coalesceKey, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.materializeExecutable(ctx, buildID, key)
	}); err != nil {
		o.log.Debug().Str("build_id", buildID).Err(err).Msg("executable lookup failed")

		return nil, translateError(err)
	}

	rc, err := o.cache.OpenEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening freshly cached executable: %w", err)
	}

	return rc, nil
}

func (o *Orchestrator) materializeExecutable(ctx context.Context, buildID string, key cache.Key) error {
	id, err := store.ParseBuildID(buildID)
	if err != nil {
		return fmt.Errorf("%w: %s", debuginfod.ErrNotFound, err)
	}

	result, backend, err := o.backends.LookupBuildID(ctx, string(id))
	if err != nil {
		return err
	}

	if result.Deriver == "" {
		return debuginfod.ErrNotFound
	}

	drvPath := result.Deriver
	if !strings.Contains(drvPath, "/") {
		drvPath = store.Dir() + "/" + drvPath
	}

	drvBytes, err := backend.FetchDrv(ctx, drvPath)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching deriver: %w", err)
	}

	drv, err := derivation.Parse(drvBytes)
	if err != nil {
		return fmt.Errorf("orchestrator: parsing deriver: %w", err)
	}

	out, ok := drv.Outputs["out"]
	if !ok {
		return debuginfod.ErrNotFound
	}

	if err := o.extractor.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("orchestrator: acquiring extraction slot: %w", err)
	}
	defer o.extractor.Release(1)

	rc, compression, err := backend.FetchNar(ctx, out.Path)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching output nar: %w", err)
	}
	defer rc.Close()

	decompressed, err := archive.Decompress(archive.Compression(compression), rc)
	if err != nil {
		return fmt.Errorf("orchestrator: decompressing output nar: %w", err)
	}

	data, found := findMatchingELF(decompressed, string(id))
	if !found {
		return debuginfod.ErrNotFound
	}

	if err := o.cache.InstallFile(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("orchestrator: installing executable into cache: %w", err)
	}

	return nil
}

// Source resolves a requested DWARF source path for buildID via
// pkg/sourceresolve, caching the resolved bytes per (debug store path,
// source path) pair.
func (o *Orchestrator) Source(ctx context.Context, buildID, sourcePath string) (io.ReadCloser, error) {
	id, err := store.ParseBuildID(buildID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", debuginfod.ErrNotFound, err)
	}

	result, backend, err := o.backends.LookupBuildID(ctx, string(id))
	if err != nil {
		return nil, translateError(err)
	}

	key := cache.SourceFileKey(result.DebugStorePath, sourcePath)

	if rc, err := o.cache.OpenEntry(ctx, key); err == nil {
		return rc, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("orchestrator: opening cached source file: %w", err)
	}

	coalesceKey, err := key.Hash()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hashing cache key: %w", err)
	}

	if _, err := o.coalescer.GetOrInsert(ctx, coalesceKey, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.materializeSource(ctx, backend, result.DebugStorePath, sourcePath, key)
	}); err != nil {
		return nil, translateError(err)
	}

	rc, err := o.cache.OpenEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: opening freshly cached source file: %w", err)
	}

	return rc, nil
}

func (o *Orchestrator) materializeSource(ctx context.Context, backend substituter.Backend, debugStorePath, sourcePath string, key cache.Key) error {
	if err := o.extractor.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("orchestrator: acquiring extraction slot: %w", err)
	}
	defer o.extractor.Release(1)

	resolver := sourceresolve.New(backend, o.cache, o.log)

	data, err := resolver.Resolve(ctx, debugStorePath, sourcePath)
	if err != nil {
		return err
	}

	if err := o.cache.InstallFile(ctx, key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("orchestrator: installing source file into cache: %w", err)
	}

	return nil
}

// extractNarFile walks a directory-kind NAR reader for a single regular
// file at relPath (slash-separated, relative to the tree root).
func extractNarFile(r io.Reader, relPath string) ([]byte, error) {
	nr := narv2.NewReader(r)

	for {
		tag, err := nr.Next()
		if errors.Is(err, narv2.ErrEndOfDirectory) {
			continue
		}

		if errors.Is(err, io.EOF) {
			return nil, debuginfod.ErrNotFound
		}

		if err != nil {
			return nil, fmt.Errorf("walking nar: %w", err)
		}

		if tag != narv2.TagReg && tag != narv2.TagExe {
			continue
		}

		if strings.TrimPrefix(nr.Path(), "/") != relPath {
			continue
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, nr); err != nil {
			return nil, fmt.Errorf("reading matched nar entry: %w", err)
		}

		return buf.Bytes(), nil
	}
}

// findMatchingELF walks a directory-kind NAR reader, parsing each regular
// file, executable or not, as an ELF and comparing its .note.gnu.build-id payload
// against wantBuildID (lowercase hex, no dashes).
func findMatchingELF(r io.Reader, wantBuildID string) ([]byte, bool) {
	nr := narv2.NewReader(r)

	for {
		tag, err := nr.Next()
		if errors.Is(err, narv2.ErrEndOfDirectory) {
			continue
		}

		if err != nil {
			return nil, false
		}

		if tag != narv2.TagExe && tag != narv2.TagReg {
			continue
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, nr); err != nil {
			return nil, false
		}

		data := buf.Bytes()

		if id, ok := buildIDFromELF(data); ok && id == wantBuildID {
			return data, true
		}
	}
}

// buildIDFromELF extracts the hex-encoded payload of an ELF's
// .note.gnu.build-id section, per the ELF note format (name size,
// descriptor size, type, name, descriptor, each word padded to 4 bytes).
func buildIDFromELF(data []byte) (string, bool) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	defer f.Close()

	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", false
	}

	note, err := sec.Data()
	if err != nil || len(note) < 12 {
		return "", false
	}

	nameSize := f.ByteOrder.Uint32(note[0:4])
	descSize := f.ByteOrder.Uint32(note[4:8])

	nameEnd := 12 + align4(int(nameSize))
	descEnd := nameEnd + int(descSize)

	if descEnd > len(note) {
		return "", false
	}

	return hex.EncodeToString(note[nameEnd:descEnd]), true
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// translateError maps the internal error sentinels (substituter,
// sourceresolve) onto the debuginfod package's HTTP-facing sentinels.
func translateError(err error) error {
	switch {
	case errors.Is(err, substituter.ErrNotFound), errors.Is(err, sourceresolve.ErrNotFound), errors.Is(err, debuginfod.ErrNotFound):
		return debuginfod.ErrNotFound
	case errors.Is(err, substituter.ErrTransient):
		return debuginfod.ErrTransient
	default:
		return err
	}
}

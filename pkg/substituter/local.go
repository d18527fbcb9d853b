package substituter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/nix-community/debuginfod/pkg/daemon"
	"github.com/nix-community/debuginfod/pkg/narinfo"
	"github.com/nix-community/debuginfod/pkg/narv2"
	"github.com/nix-community/debuginfod/pkg/store"
)

// Local is the "local:" backend: it talks to the Nix daemon over its Unix
// socket and scans the store directly, memoizing the expensive
// build-id-to-debug-path scan in a small badger database keyed by
// build-id, invalidated whenever the store directory's mtime advances
// past the index's last scan.
type Local struct {
	client *daemon.Client
	index  *badger.DB

	mu        sync.Mutex
	lastScan  time.Time
	storeDir  string
}

// NewLocal connects to the Nix daemon at socketPath and opens (creating if
// necessary) a build-id index at indexDir.
func NewLocal(socketPath, indexDir string) (*Local, error) {
	client, err := daemon.Connect(socketPath)
	if err != nil {
		return nil, fmt.Errorf("substituter: connecting to daemon: %w", err)
	}

	opts := badger.DefaultOptions(indexDir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		client.Close()

		return nil, fmt.Errorf("substituter: opening local index: %w", err)
	}

	return &Local{client: client, index: db, storeDir: store.Dir()}, nil
}

// Close releases the daemon connection and index.
func (l *Local) Close() error {
	l.index.Close()

	return l.client.Close()
}

func (l *Local) Name() string { return "local:" }

// LookupBuildID scans "<store>/*-debug/lib/debug/.build-id/xx/yyyy.debug"
// for a matching entry, refreshing the memoized index when the store
// directory has changed since the last scan.
func (l *Local) LookupBuildID(ctx context.Context, buildID string) (LookupResult, error) {
	id, err := store.ParseBuildID(buildID)
	if err != nil {
		return LookupResult{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if err := l.refreshIndexIfStale(); err != nil {
		return LookupResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var debugPath string

	err = l.index.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}

		return item.Value(func(v []byte) error {
			debugPath = string(v)

			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return LookupResult{}, ErrNotFound
	}

	if err != nil {
		return LookupResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	info, err := l.client.QueryPathInfo(ctx, debugPath)
	if err != nil {
		return LookupResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return LookupResult{DebugStorePath: debugPath, Deriver: info.Deriver}, nil
}

// refreshIndexIfStale rescans the store directory if its mtime has moved
// past the last scan time.
func (l *Local) refreshIndexIfStale() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fi, err := os.Stat(l.storeDir)
	if err != nil {
		return err
	}

	if !fi.ModTime().After(l.lastScan) {
		return nil
	}

	entries, err := os.ReadDir(l.storeDir)
	if err != nil {
		return err
	}

	wb := l.index.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), "-debug") {
			continue
		}

		buildIDRoot := filepath.Join(l.storeDir, e.Name(), "lib", "debug", ".build-id")

		shards, err := os.ReadDir(buildIDRoot)
		if err != nil {
			continue
		}

		for _, shard := range shards {
			if !shard.IsDir() {
				continue
			}

			shardDir := filepath.Join(buildIDRoot, shard.Name())

			ids, err := os.ReadDir(shardDir)
			if err != nil {
				continue
			}

			for _, idFile := range ids {
				name := strings.TrimSuffix(idFile.Name(), ".debug")
				if name == idFile.Name() {
					continue
				}

				buildID := shard.Name() + name
				storePath := filepath.Join(l.storeDir, e.Name())

				if err := wb.Set([]byte(buildID), []byte(storePath)); err != nil {
					return err
				}
			}
		}
	}

	if err := wb.Flush(); err != nil {
		return err
	}

	l.lastScan = time.Now()

	return nil
}

// GetNarInfo is synthesized for the local backend: it has no narinfo file
// of its own, so this populates just enough of a NarInfo (StorePath,
// NarHash, NarSize, References, Deriver) from the daemon's QueryPathInfo
// for components that need it, per §4.4's "the abstraction MAY
// short-circuit for this backend" allowance.
func (l *Local) GetNarInfo(ctx context.Context, storePath string) (*narinfo.NarInfo, error) {
	info, err := l.client.QueryPathInfo(ctx, storePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if info == nil {
		return nil, ErrNotFound
	}

	return &narinfo.NarInfo{
		StorePath:   info.StorePath,
		Compression: narinfo.CompressionNone,
		NarHash:     info.NarHash,
		NarSize:     int64(info.NarSize),
		References:  info.References,
		Deriver:     info.Deriver,
	}, nil
}

// FetchNar re-serializes the store path's on-disk tree into a NAR stream
// via the daemon's NarFromPath, uncompressed.
func (l *Local) FetchNar(ctx context.Context, storePath string) (io.ReadCloser, narinfo.Compression, error) {
	rc, err := l.client.NarFromPath(ctx, storePath)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return rc, narinfo.CompressionNone, nil
}

// FetchDrv checks with the daemon that the .drv path is valid, asks the
// daemon for its NAR serialization, and returns the bytes of the single
// regular file at the NAR's root.
func (l *Local) FetchDrv(ctx context.Context, drvPath string) ([]byte, error) {
	valid, err := l.client.IsValidPath(ctx, drvPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	if !valid {
		return nil, ErrNotFound
	}

	rc, err := l.client.NarFromPath(ctx, drvPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer rc.Close()

	return extractSingleFileNar(rc)
}

// extractSingleFileNar reads a NAR known to contain exactly one regular
// file at its root (the case for a .drv path) and returns its bytes.
func extractSingleFileNar(r io.Reader) ([]byte, error) {
	nr := narv2.NewReader(r)

	tag, err := nr.Next()
	if err != nil {
		return nil, fmt.Errorf("substituter: reading drv nar: %w", err)
	}

	if tag != narv2.TagReg && tag != narv2.TagExe {
		return nil, fmt.Errorf("substituter: expected a regular file drv nar, got tag %v", tag)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, nr); err != nil {
		return nil, fmt.Errorf("substituter: reading drv nar contents: %w", err)
	}

	return buf.Bytes(), nil
}

// Package cache implements a content-addressed, on-disk cache of
// debuginfod artifacts. Entries are keyed by a structured Key (see key.go),
// materialized atomically (write to a temp path, then rename), and expired
// on a last-access basis by a background sweeper.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	dataName = "data"
	metaName = "meta"
	tmpPrefix = ".tmp-"
)

// ErrNotFound is returned by OpenEntry and Dir for a key with no cache entry.
var ErrNotFound = errors.New("cache: entry not found")

// Meta records the completion and access-time metadata associated with one
// cache entry; it is persisted both as a small file inside the entry
// directory (so the cache is self-describing after an unclean restart) and
// mirrored into the sqlite side-index for fast sweeper scans.
type Meta struct {
	Key          string
	SizeBytes    int64
	LastAccess   time.Time
	IsDir        bool
	CompletedAt  time.Time
}

// Cache is a content-addressed on-disk store of debuginfod artifacts.
type Cache struct {
	root string
	db   *sql.DB
	log  zerolog.Logger
}

// Open opens (creating if necessary) a cache rooted at dir, rebuilding the
// sqlite side-index from the directory tree if it is missing or stale, and
// removing any entries left over from an unclean shutdown that never
// completed materialization.
func Open(ctx context.Context, dir string, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating root %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "index.sqlite3"))
	if err != nil {
		return nil, fmt.Errorf("cache: opening index: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			size_bytes INTEGER NOT NULL,
			last_access INTEGER NOT NULL,
			is_dir INTEGER NOT NULL
		)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("cache: creating index schema: %w", err)
	}

	c := &Cache{root: dir, db: db, log: log}

	if err := c.reconcileOnStartup(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return c, nil
}

// Close releases the cache's sqlite handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) entryDir(hash string) string {
	return filepath.Join(c.root, hash)
}

// reconcileOnStartup removes entry directories without a completion marker
// (orphaned by a crash between write and rename) and rebuilds missing
// sqlite rows from on-disk meta files, per §6's "entries without completion
// markers are removed; entries with markers are retained" contract.
func (c *Cache) reconcileOnStartup(ctx context.Context) error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("cache: scanning root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		hash := e.Name()
		dir := c.entryDir(hash)

		meta, err := readMeta(dir)
		if err != nil {
			c.log.Warn().Str("entry", hash).Err(err).Msg("removing entry with unreadable metadata")
			os.RemoveAll(dir)

			continue
		}

		if meta.CompletedAt.IsZero() {
			c.log.Warn().Str("entry", hash).Msg("removing incomplete entry left by unclean shutdown")
			os.RemoveAll(dir)

			continue
		}

		if err := c.upsertIndex(ctx, hash, meta); err != nil {
			return err
		}
	}

	return nil
}

// OpenEntry returns a reader for the key's data file and updates its
// last-access time. Returns ErrNotFound if no complete entry exists.
func (c *Cache) OpenEntry(ctx context.Context, key Key) (io.ReadCloser, error) {
	hash, err := key.Hash()
	if err != nil {
		return nil, err
	}

	dir := c.entryDir(hash)

	meta, err := readMeta(dir)
	if err != nil || meta.CompletedAt.IsZero() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filepath.Join(dir, dataName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("cache: opening entry data: %w", err)
	}

	c.touch(ctx, hash)

	return f, nil
}

// Dir returns the materialized directory for a key whose value is a
// directory tree (e.g. an unpacked StorePathContents entry), or
// ErrNotFound.
func (c *Cache) Dir(ctx context.Context, key Key) (string, error) {
	hash, err := key.Hash()
	if err != nil {
		return "", err
	}

	dir := c.entryDir(hash)

	meta, err := readMeta(dir)
	if err != nil || meta.CompletedAt.IsZero() || !meta.IsDir {
		return "", ErrNotFound
	}

	c.touch(ctx, hash)

	return filepath.Join(dir, dataName), nil
}

// touch extends the entry's freshness; failures are logged, not fatal,
// since access tracking is best-effort per §5.
func (c *Cache) touch(ctx context.Context, hash string) {
	now := time.Now()

	if err := updateAccessTime(c.entryDir(hash), now); err != nil {
		c.log.Debug().Str("entry", hash).Err(err).Msg("updating access time on disk")
	}

	if _, err := c.db.ExecContext(ctx,
		`UPDATE entries SET last_access = ? WHERE key = ?`, now.Unix(), hash); err != nil {
		c.log.Debug().Str("entry", hash).Err(err).Msg("updating access time in index")
	}
}

// InstallFile atomically materializes a regular-file entry by writing src
// to a temp path inside the cache root, then renaming it into place, then
// writing its completion marker. src is fully consumed and closed by the
// caller.
func (c *Cache) InstallFile(ctx context.Context, key Key, src io.Reader) error {
	hash, err := key.Hash()
	if err != nil {
		return err
	}

	dir := c.entryDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cache: creating entry dir: %w", err)
	}

	tmp := filepath.Join(dir, tmpPrefix+"data")

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("cache: creating temp file: %w", err)
	}

	size, err := io.Copy(f, src)
	if err != nil {
		f.Close()
		os.Remove(tmp)

		return fmt.Errorf("cache: writing entry: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("cache: closing entry: %w", err)
	}

	final := filepath.Join(dir, dataName)
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("cache: renaming entry into place: %w", err)
	}

	meta := Meta{
		Key:         key.String(),
		SizeBytes:   size,
		LastAccess:  time.Now(),
		IsDir:       false,
		CompletedAt: time.Now(),
	}
	if err := writeMeta(dir, meta); err != nil {
		return err
	}

	return c.upsertIndex(ctx, hash, meta)
}

// StageDir begins the atomic materialization of a directory-tree entry: the
// caller builds the tree under the returned path, then calls CommitDir to
// rename it into place.
func (c *Cache) StageDir(key Key) (string, error) {
	hash, err := key.Hash()
	if err != nil {
		return "", err
	}

	dir := c.entryDir(hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("cache: creating entry dir: %w", err)
	}

	tmp := filepath.Join(dir, tmpPrefix+"data")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", fmt.Errorf("cache: staging directory tree: %w", err)
	}

	return tmp, nil
}

// CommitDir finalizes a directory tree staged via StageDir.
func (c *Cache) CommitDir(ctx context.Context, key Key, size int64) error {
	hash, err := key.Hash()
	if err != nil {
		return err
	}

	dir := c.entryDir(hash)
	tmp := filepath.Join(dir, tmpPrefix+"data")
	final := filepath.Join(dir, dataName)

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("cache: renaming staged tree into place: %w", err)
	}

	meta := Meta{
		Key:         key.String(),
		SizeBytes:   size,
		LastAccess:  time.Now(),
		IsDir:       true,
		CompletedAt: time.Now(),
	}
	if err := writeMeta(dir, meta); err != nil {
		return err
	}

	return c.upsertIndex(ctx, hash, meta)
}

// Abort discards a partial or staged entry, used on producer error.
func (c *Cache) Abort(key Key) {
	hash, err := key.Hash()
	if err != nil {
		return
	}

	os.RemoveAll(c.entryDir(hash))
}

func (c *Cache) upsertIndex(ctx context.Context, hash string, meta Meta) error {
	isDir := 0
	if meta.IsDir {
		isDir = 1
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO entries (key, size_bytes, last_access, is_dir)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET size_bytes = excluded.size_bytes,
			last_access = excluded.last_access, is_dir = excluded.is_dir`,
		hash, meta.SizeBytes, meta.LastAccess.Unix(), isDir)
	if err != nil {
		return fmt.Errorf("cache: updating index: %w", err)
	}

	return nil
}

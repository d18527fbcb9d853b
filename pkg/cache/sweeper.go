package cache

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// graveyardPrefix names the directory entries are renamed into just before
// deletion, so a crash mid-sweep leaves no half-deleted entry at its
// original, still-indexed path.
const graveyardPrefix = ".graveyard-"

// Sweep removes entries whose last access is older than expiration. It
// skips any key present in inFlight, since a producer may be about to
// install or extend one concurrently with the sweep running.
func (c *Cache) Sweep(ctx context.Context, expiration time.Duration, inFlight func(key string) bool) (int, error) {
	cutoff := time.Now().Add(-expiration).Unix()

	rows, err := c.db.QueryContext(ctx, `SELECT key FROM entries WHERE last_access < ?`, cutoff)
	if err != nil {
		return 0, err
	}

	var expired []string

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()

			return 0, err
		}

		expired = append(expired, key)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0

	for _, key := range expired {
		if inFlight != nil && inFlight(key) {
			continue
		}

		if err := c.removeEntry(ctx, key); err != nil {
			c.log.Warn().Str("entry", key).Err(err).Msg("sweeping entry")

			continue
		}

		removed++
	}

	return removed, nil
}

// removeEntry renames the entry directory into a graveyard name (so a
// concurrent reader that already opened the data file is unaffected, and a
// crash between rename and delete leaves an unambiguously dead directory
// rather than a half-visible live one) before deleting it, and drops its
// sqlite row.
func (c *Cache) removeEntry(ctx context.Context, key string) error {
	dir := c.entryDir(key)
	grave := filepath.Join(c.root, graveyardPrefix+key)

	if err := os.Rename(dir, grave); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	} else if err := os.RemoveAll(grave); err != nil {
		return err
	}

	_, err := c.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key)

	return err
}

// Run starts a periodic sweep loop that stops when ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval, expiration time.Duration, inFlight func(key string) bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx, expiration, inFlight)
			if err != nil {
				c.log.Warn().Err(err).Msg("sweep failed")

				continue
			}

			if n > 0 {
				c.log.Debug().Int("removed", n).Msg("sweep removed expired entries")
			}
		}
	}
}

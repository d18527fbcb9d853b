// Package substituter implements the backends debuginfod consults to
// resolve a build-id to a debug StorePath and to fetch its NAR, narinfo,
// and derivation content: the local Nix store, a filesystem binary cache,
// and an HTTP(S) binary cache.
package substituter

import (
	"context"
	"errors"
	"io"

	"github.com/nix-community/debuginfod/pkg/narinfo"
)

// ErrNotFound is a definitive miss: the backend was reachable and is sure
// the artifact does not exist.
var ErrNotFound = errors.New("substituter: not found")

// ErrTransient marks an upstream failure that may succeed on retry
// (network error, 5xx, partial read), as distinct from ErrNotFound.
var ErrTransient = errors.New("substituter: transient upstream error")

// LookupResult is the outcome of resolving a build-id to a debug output.
type LookupResult struct {
	DebugStorePath string
	Deriver        string // store path of the producing .drv, if known
}

// Backend is the capability set every substituter implementation exposes,
// per spec.md §4.4's operation table.
type Backend interface {
	// Name identifies the backend for logging and the Aggregation "first
	// hit wins" ordering contract.
	Name() string

	// LookupBuildID resolves a build-id to its debug output. Returns
	// ErrNotFound for a definitive miss, ErrTransient for a retryable
	// failure.
	LookupBuildID(ctx context.Context, buildID string) (LookupResult, error)

	// GetNarInfo fetches the narinfo for a store path.
	GetNarInfo(ctx context.Context, storePath string) (*narinfo.NarInfo, error)

	// FetchNar streams the (possibly compressed) NAR bytes for a store
	// path, alongside the compression algorithm they are encoded with.
	FetchNar(ctx context.Context, storePath string) (io.ReadCloser, narinfo.Compression, error)

	// FetchDrv returns the raw ATerm bytes of a .drv path.
	FetchDrv(ctx context.Context, drvPath string) ([]byte, error)
}

// List aggregates multiple backends, consulting them in configured order
// and returning the first hit; a transient error on one backend does not
// mask a hit from the next.
type List []Backend

// LookupBuildID tries each backend in order.
func (l List) LookupBuildID(ctx context.Context, buildID string) (LookupResult, Backend, error) {
	var lastErr error

	for _, b := range l {
		res, err := b.LookupBuildID(ctx, buildID)

		switch {
		case err == nil:
			return res, b, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			lastErr = err

			continue
		}
	}

	if lastErr != nil {
		return LookupResult{}, nil, lastErr
	}

	return LookupResult{}, nil, ErrNotFound
}

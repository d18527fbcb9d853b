package substituter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/nix-community/debuginfod/pkg/archive"
	"github.com/nix-community/debuginfod/pkg/narinfo"
)

// fetcher retrieves a named file from a binary cache root, regardless of
// whether that root is a local directory or an HTTP(S) origin.
type fetcher interface {
	fetch(ctx context.Context, name string) (io.ReadCloser, error)
}

// Remote implements the "file://" and "http(s)://" backends, which share
// an identical on-wire layout: "debuginfo/<build-id>.debug" redirects,
// "<hash>.narinfo" metadata, and NAR files referenced therein.
type Remote struct {
	name string
	f    fetcher
}

// NewFile builds a "file://" backend rooted at dir.
func NewFile(dir string) *Remote {
	return &Remote{name: "file://" + dir, f: &fileFetcher{root: dir}}
}

// NewHTTP builds an "http(s)://" backend rooted at baseURL, with bounded
// retries on transient errors.
func NewHTTP(baseURL string, client *http.Client, retries int) *Remote {
	if client == nil {
		client = http.DefaultClient
	}

	return &Remote{name: baseURL, f: &httpFetcher{base: baseURL, client: client, retries: retries}}
}

func (r *Remote) Name() string { return r.name }

func (r *Remote) LookupBuildID(ctx context.Context, buildID string) (LookupResult, error) {
	rc, err := r.f.fetch(ctx, "debuginfo/"+buildID+".debug")
	if err != nil {
		return LookupResult{}, err
	}
	defer rc.Close()

	redirect, err := narinfo.ParseDebugRedirect(rc)
	if err != nil {
		return LookupResult{}, fmt.Errorf("substituter: parsing debug redirect: %w", err)
	}

	ni, err := r.getNarInfoByHash(ctx, redirect.NarInfoHash)
	if err != nil {
		return LookupResult{}, err
	}

	return LookupResult{DebugStorePath: ni.StorePath, Deriver: ni.Deriver}, nil
}

func (r *Remote) GetNarInfo(ctx context.Context, storePath string) (*narinfo.NarInfo, error) {
	hash := hashFromStorePath(storePath)
	if hash == "" {
		return nil, fmt.Errorf("%w: malformed store path %q", ErrNotFound, storePath)
	}

	return r.getNarInfoByHash(ctx, hash)
}

func (r *Remote) getNarInfoByHash(ctx context.Context, hash string) (*narinfo.NarInfo, error) {
	rc, err := r.f.fetch(ctx, hash+".narinfo")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	ni, err := narinfo.Parse(rc)
	if err != nil {
		return nil, fmt.Errorf("substituter: parsing narinfo: %w", err)
	}

	return ni, nil
}

func (r *Remote) FetchNar(ctx context.Context, storePath string) (io.ReadCloser, narinfo.Compression, error) {
	ni, err := r.GetNarInfo(ctx, storePath)
	if err != nil {
		return nil, "", err
	}

	rc, err := r.f.fetch(ctx, ni.URL)
	if err != nil {
		return nil, "", err
	}

	return rc, ni.Compression, nil
}

func (r *Remote) FetchDrv(ctx context.Context, drvPath string) ([]byte, error) {
	hash := hashFromStorePath(drvPath)
	if hash == "" {
		return nil, fmt.Errorf("%w: malformed drv path %q", ErrNotFound, drvPath)
	}

	ni, err := r.getNarInfoByHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	rc, compression, err := r.FetchNar(ctx, ni.StorePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	decompressed, err := archive.Decompress(archive.Compression(compression), rc)
	if err != nil {
		return nil, fmt.Errorf("substituter: decompressing drv nar: %w", err)
	}

	return extractSingleFileNar(decompressed)
}

func hashFromStorePath(p string) string {
	base := path.Base(p)

	idx := strings.IndexByte(base, '-')
	if idx < 32 {
		return ""
	}

	return base[:32]
}

// fileFetcher serves a local directory laid out as a binary cache root.
type fileFetcher struct {
	root string
}

func (f *fileFetcher) fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	file, err := os.Open(path.Join(f.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return file, nil
}

// httpFetcher serves a remote binary cache over HTTP(S), retrying
// transient failures with bounded linear backoff.
type httpFetcher struct {
	base    string
	client  *http.Client
	retries int
}

func (f *httpFetcher) fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	u, err := url.JoinPath(f.base, name)
	if err != nil {
		return nil, fmt.Errorf("substituter: building request url: %w", err)
	}

	var lastErr error

	attempts := f.retries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("substituter: building request: %w", err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrTransient, err)

			if backoff(ctx, attempt) != nil {
				return nil, lastErr
			}

			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()

			return nil, ErrNotFound
		case resp.StatusCode >= 500:
			resp.Body.Close()

			lastErr = fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)

			if backoff(ctx, attempt) != nil {
				return nil, lastErr
			}

			continue
		case resp.StatusCode >= 400:
			resp.Body.Close()

			return nil, fmt.Errorf("%w: status %d", ErrNotFound, resp.StatusCode)
		default:
			return resp.Body, nil
		}
	}

	return nil, lastErr
}

func backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt+1) * 100 * time.Millisecond

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Package debuginfod implements the debuginfod HTTP surface: the
// "/buildid/<build-id>/{debuginfo,executable,source/<path>,section/<name>}"
// routes, backed by a Lookup interface the orchestrator satisfies.
package debuginfod

import (
	"context"
	"debug/elf"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nix-community/debuginfod/pkg/store"
)

// ErrNotFound signals a definitive miss, surfaced as 404.
var ErrNotFound = errors.New("debuginfod: not found")

// ErrTransient signals a retryable upstream failure, surfaced as 503.
var ErrTransient = errors.New("debuginfod: transient upstream error")

// Lookup is the set of operations the orchestrator exposes to the HTTP
// surface; every method streams its result rather than buffering it.
type Lookup interface {
	// DebugInfo streams the debug ELF bytes for a build-id.
	DebugInfo(ctx context.Context, buildID string) (io.ReadCloser, error)
	// Executable streams the stripped ELF bytes for a build-id, if known.
	Executable(ctx context.Context, buildID string) (io.ReadCloser, error)
	// Source streams the bytes of one source file for a build-id.
	Source(ctx context.Context, buildID, sourcePath string) (io.ReadCloser, error)
}

// NewRouter builds the debuginfod HTTP surface.
func NewRouter(lookup Lookup, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Route("/buildid/{buildid}", func(r chi.Router) {
		r.Get("/debuginfo", handleDebugInfo(lookup))
		r.Get("/executable", handleExecutable(lookup))
		r.Get("/source/*", handleSource(lookup))
		r.Get("/section/{name}", handleSection(lookup))
	})

	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger().WithContext(r.Context())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func buildIDFromRequest(r *http.Request) (store.BuildID, bool) {
	id, err := store.ParseBuildID(chi.URLParam(r, "buildid"))
	if err != nil {
		return "", false
	}

	return id, true
}

func handleDebugInfo(lookup Lookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := buildIDFromRequest(r)
		if !ok {
			writeError(w, r, http.StatusNotFound, "malformed build-id")

			return
		}

		rc, err := lookup.DebugInfo(r.Context(), string(id))
		streamOrError(w, r, rc, err)
	}
}

func handleExecutable(lookup Lookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := buildIDFromRequest(r)
		if !ok {
			writeError(w, r, http.StatusNotFound, "malformed build-id")

			return
		}

		rc, err := lookup.Executable(r.Context(), string(id))
		streamOrError(w, r, rc, err)
	}
}

func handleSource(lookup Lookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := buildIDFromRequest(r)
		if !ok {
			writeError(w, r, http.StatusNotFound, "malformed build-id")

			return
		}

		sourcePath := "/" + chi.URLParam(r, "*")

		rc, err := lookup.Source(r.Context(), string(id), sourcePath)
		streamOrError(w, r, rc, err)
	}
}

// handleSection implements the optional "/section/<name>" route by
// fetching the full debug ELF and returning the single named section's
// bytes, read via the standard library's debug/elf rather than buffering
// and re-streaming the whole file to the client.
func handleSection(lookup Lookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := buildIDFromRequest(r)
		if !ok {
			writeError(w, r, http.StatusNotFound, "malformed build-id")

			return
		}

		name := chi.URLParam(r, "name")

		rc, err := lookup.DebugInfo(r.Context(), string(id))
		if err != nil {
			writeLookupError(w, r, err)

			return
		}
		defer rc.Close()

		ra, ok := rc.(io.ReaderAt)
		if !ok {
			// debug/elf needs random access; buffer only when the cache
			// can't hand back a seekable file directly.
			data, err := io.ReadAll(rc)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "reading debug info")

				return
			}

			ra = bytesReaderAt(data)
		}

		f, err := elf.NewFile(ra)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "parsing elf")

			return
		}
		defer f.Close()

		sec := f.Section(name)
		if sec == nil {
			writeError(w, r, http.StatusNotFound, "no such section")

			return
		}

		data, err := sec.Data()
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "reading section")

			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func streamOrError(w http.ResponseWriter, r *http.Request, rc io.ReadCloser, err error) {
	if err != nil {
		writeLookupError(w, r, err)

		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("streaming response body")
	}
}

func writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, ErrTransient):
		writeError(w, r, http.StatusServiceUnavailable, "upstream unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("internal error handling request")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg)
	io.WriteString(w, "\n")
}

// bytesReaderAt adapts a byte slice to io.ReaderAt for the section-read
// fallback path.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}

	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

package archive

import (
	"archive/tar"
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Format identifies an archive container format, independent of the
// compression that may wrap it.
type Format string

const (
	FormatTar Format = "tar"
	FormatZip Format = "zip"
)

// Entry is one file encountered while walking an archive.
type Entry struct {
	Name string // archive-internal path, always slash-separated
	Size int64
	Mode uint32
}

// ErrNoMatch is returned by ExtractFile when no entry matches the
// requested path.
var ErrNoMatch = errors.New("archive: no matching entry")

// WalkFunc is called once per regular-file entry. Returning an error from
// it stops the walk and the error is propagated to the caller of Walk.
type WalkFunc func(Entry, io.Reader) error

// Walk visits every regular file in a tar or zip archive, in archive order,
// without buffering entries in memory.
func Walk(format Format, r io.Reader, fn WalkFunc) error {
	switch format {
	case FormatTar:
		return walkTar(r, fn)
	case FormatZip:
		return walkZip(r, fn)
	default:
		return fmt.Errorf("archive: unsupported container format %q", format)
	}
}

func walkTar(r io.Reader, fn WalkFunc) error {
	tr := tar.NewReader(r)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("archive: reading tar header: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		entry := Entry{Name: strings.TrimPrefix(hdr.Name, "./"), Size: hdr.Size, Mode: uint32(hdr.Mode)}

		if err := fn(entry, tr); err != nil {
			return err
		}
	}
}

// walkZip requires random access, and zip.Reader has no streaming
// constructor, so it first spools the whole stream to a temporary file on
// disk (removed before returning) and reads the archive from there.
func walkZip(r io.Reader, fn WalkFunc) error {
	tmp, err := os.CreateTemp("", "debuginfod-zip-*")
	if err != nil {
		return fmt.Errorf("archive: spooling zip stream: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("archive: spooling zip stream: %w", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return fmt.Errorf("archive: opening zip: %w", err)
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("archive: opening zip entry %s: %w", f.Name, err)
		}

		entry := Entry{Name: f.Name, Size: int64(f.UncompressedSize64), Mode: uint32(f.Mode())}
		err = fn(entry, rc)
		rc.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

// ExtractFile walks the archive looking for an entry whose name, after
// stripping a single top-level directory component (the conventional
// "sourceRoot" prefix tarballs carry), equals relPath. It stops at the
// first match and copies that entry's bytes to w.
func ExtractFile(format Format, r io.Reader, relPath string, w io.Writer) error {
	target := path.Clean(relPath)

	found := errFound{}

	err := Walk(format, r, func(e Entry, content io.Reader) error {
		if stripTopLevel(e.Name) != target && e.Name != target {
			return nil
		}

		if _, err := io.Copy(w, content); err != nil {
			return fmt.Errorf("archive: copying matched entry: %w", err)
		}

		return found
	})

	if errors.Is(err, found) {
		return nil
	}

	if err != nil {
		return err
	}

	return ErrNoMatch
}

// ExtractTree walks the whole archive into targetDir, stripping the same
// single top-level directory component ExtractFile strips, and preserving
// the rest of each entry's path underneath targetDir. Used by cache
// materialization to unpack a fetched source tarball once rather than
// re-walking it on every requested file.
func ExtractTree(format Format, r io.Reader, targetDir string) error {
	return Walk(format, r, func(e Entry, content io.Reader) error {
		rel := stripTopLevel(e.Name)
		if rel == "" || rel == "." {
			return nil
		}

		dest := filepath.Join(targetDir, filepath.FromSlash(rel))

		if !strings.HasPrefix(dest, filepath.Clean(targetDir)+string(filepath.Separator)) {
			return fmt.Errorf("archive: entry %q escapes target directory", e.Name)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("archive: creating directory for %s: %w", rel, err)
		}

		mode := os.FileMode(e.Mode) & 0o777
		if mode == 0 {
			mode = 0o644
		}

		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return fmt.Errorf("archive: creating %s: %w", rel, err)
		}

		_, err = io.Copy(f, content)
		closeErr := f.Close()

		if err != nil {
			return fmt.Errorf("archive: writing %s: %w", rel, err)
		}

		if closeErr != nil {
			return fmt.Errorf("archive: closing %s: %w", rel, closeErr)
		}

		return nil
	})
}

// errFound is a sentinel used to short-circuit Walk once ExtractFile's
// target entry has been copied.
type errFound struct{}

func (errFound) Error() string { return "archive: target entry found" }

// stripTopLevel removes the first path component, the convention most
// source tarballs use for their single top-level directory (sourceRoot).
func stripTopLevel(name string) string {
	name = strings.TrimPrefix(name, "./")

	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return name
	}

	return name[idx+1:]
}

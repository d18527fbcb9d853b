// Package archive provides streaming decompression and archive-tree
// walking for the compressed NAR and source-tarball payloads debuginfod
// substituters serve. Nothing here buffers a whole artifact in memory:
// every entry point returns an io.Reader chained directly onto the
// underlying transport or file.
package archive

import (
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression names a supported stream compression algorithm.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionXZ    Compression = "xz"
	CompressionZstd  Compression = "zstd"
	CompressionBzip2 Compression = "bzip2"
	CompressionGzip  Compression = "gzip"
	CompressionLZ4   Compression = "lz4"
)

// Decompress wraps r in a streaming decoder for algo. The returned reader
// must be read to completion (or the underlying stream drained) before the
// caller relies on any resource tied to r being released; callers that also
// need to Close a decoder (zstd) should type-assert for io.Closer.
func Decompress(algo Compression, r io.Reader) (io.Reader, error) {
	switch algo {
	case CompressionNone, "":
		return r, nil
	case CompressionXZ:
		zr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("archive: opening xz stream: %w", err)
		}

		return zr, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("archive: opening zstd stream: %w", err)
		}

		return &zstdReadCloser{zr}, nil
	case CompressionBzip2:
		return bzip2.NewReader(r), nil
	case CompressionGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("archive: opening gzip stream: %w", err)
		}

		return zr, nil
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	default:
		return nil, fmt.Errorf("archive: unsupported compression %q", algo)
	}
}

// zstdReadCloser adapts klauspost/compress/zstd.Decoder's Close (which
// never returns an error) to io.ReadCloser.
type zstdReadCloser struct {
	d *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.d.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.d.Close()

	return nil
}

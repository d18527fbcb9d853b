// Package narinfo parses the textual metadata files used by Nix binary
// caches: ".narinfo" files describing a single store path's NAR artifact,
// and the small "debuginfo/<build-id>.debug" redirect files that point a
// debuginfod lookup at the narinfo covering the matching debug output.
package narinfo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Compression names a NAR's on-wire compression algorithm, as found in a
// narinfo's "Compression:" field.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionXZ    Compression = "xz"
	CompressionZstd  Compression = "zstd"
	CompressionBzip2 Compression = "bzip2"
	CompressionGzip  Compression = "gzip"
	CompressionLZ4   Compression = "lz4"
)

// NarInfo is the parsed content of a "<hash>.narinfo" file.
type NarInfo struct {
	StorePath   string
	URL         string
	Compression Compression
	FileHash    string
	FileSize    int64
	NarHash     string
	NarSize     int64
	References  []string
	Deriver     string
	Sig         []string
}

// ParseError reports a malformed narinfo line.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("narinfo: line %d: %s", e.Line, e.Msg)
}

// Parse reads a ".narinfo" file: "Key: value" lines, blank lines ignored,
// unknown keys preserved only implicitly (ignored).
func Parse(r io.Reader) (*NarInfo, error) {
	ni := &NarInfo{}

	scanner := bufio.NewScanner(r)
	// narinfo files can carry long signature lines; grow past the default.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, &ParseError{Line: lineNo, Msg: fmt.Sprintf("missing ': ' separator in %q", line)}
		}

		switch key {
		case "StorePath":
			ni.StorePath = val
		case "URL":
			ni.URL = val
		case "Compression":
			ni.Compression = Compression(val)
		case "FileHash":
			ni.FileHash = val
		case "FileSize":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: "invalid FileSize: " + err.Error()}
			}

			ni.FileSize = n
		case "NarHash":
			ni.NarHash = val
		case "NarSize":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, &ParseError{Line: lineNo, Msg: "invalid NarSize: " + err.Error()}
			}

			ni.NarSize = n
		case "References":
			if val != "" {
				ni.References = strings.Fields(val)
			}
		case "Deriver":
			ni.Deriver = val
		case "Sig":
			ni.Sig = append(ni.Sig, val)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if ni.StorePath == "" {
		return nil, &ParseError{Line: lineNo, Msg: "missing StorePath"}
	}

	return ni, nil
}

// DebugRedirect is the content of a "debuginfo/<build-id>.debug" file: a
// one-line pointer at the narinfo hash covering the debug output that
// carries this build-id, per the layout "nix copy --to …?index-debug-info=true"
// produces.
type DebugRedirect struct {
	// NarInfoHash is the "<hash>" component of "<hash>.narinfo".
	NarInfoHash string
}

// ParseDebugRedirect reads a "debuginfo/<build-id>.debug" file. Its content
// is the narinfo filename's hash component, with or without the ".narinfo"
// suffix; surrounding whitespace, such as a trailing newline, is ignored.
func ParseDebugRedirect(r io.Reader) (*DebugRedirect, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	hash := strings.TrimSpace(string(data))
	hash = strings.TrimSuffix(hash, ".narinfo")

	if hash == "" {
		return nil, fmt.Errorf("narinfo: empty debug redirect")
	}

	return &DebugRedirect{NarInfoHash: hash}, nil
}

// Package store implements the Nix store's naming conventions: store paths,
// build-ids, and the handful of path manipulations the rest of this module
// needs (stripping the build sandbox prefix, splitting hash from name).
package store

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultDir is used when NIX_STORE_DIR is unset.
const DefaultDir = "/nix/store"

// DefaultDaemonSocket is the Nix daemon's well-known Unix socket path.
const DefaultDaemonSocket = "/nix/var/nix/daemon-socket/socket"

// Dir returns the configured Nix store directory, from NIX_STORE_DIR or
// DefaultDir.
func Dir() string {
	if d := os.Getenv("NIX_STORE_DIR"); d != "" {
		return strings.TrimRight(d, "/")
	}

	return DefaultDir
}

// hashName matches the 32-character base32 hash plus a dash, at the start of
// a store path's basename.
var hashName = regexp.MustCompile(`^([0-9a-z]{32})-(.*)$`)

// Path is an absolute Nix store path: <store-dir>/<32-char-hash>-<name>.
type Path struct {
	Dir  string
	Hash string
	Name string
}

// String renders the Path back to its absolute form.
func (p Path) String() string {
	return p.Dir + "/" + p.Hash + "-" + p.Name
}

// IsDebugOutput reports whether this path's name ends in "-debug", the
// conventional suffix for the secondary output carrying split debug info.
func (p Path) IsDebugOutput() bool {
	return strings.HasSuffix(p.Name, "-debug")
}

// ErrInvalid is returned by Parse for a string that is not a well-formed
// store path.
var ErrInvalid = fmt.Errorf("store: invalid store path")

// Parse splits an absolute store path into its directory, hash, and name
// components, validating against the configured store directory.
func Parse(s string) (Path, error) {
	dir := Dir()

	if !strings.HasPrefix(s, dir+"/") {
		return Path{}, fmt.Errorf("%w: %q does not start with %q", ErrInvalid, s, dir+"/")
	}

	base := strings.TrimPrefix(s, dir+"/")
	if slash := strings.IndexByte(base, '/'); slash >= 0 {
		base = base[:slash]
	}

	m := hashName.FindStringSubmatch(base)
	if m == nil {
		return Path{}, fmt.Errorf("%w: %q has no valid hash-name component", ErrInvalid, s)
	}

	return Path{Dir: dir, Hash: m[1], Name: m[2]}, nil
}

// BuildID is a lowercase hex ELF build-id, opaque to the rest of the system
// beyond basic shape validation.
type BuildID string

var buildIDPattern = regexp.MustCompile(`^[0-9a-f]{2,64}$`)

// ParseBuildID validates s as a build-id and returns it normalized to
// lowercase.
func ParseBuildID(s string) (BuildID, error) {
	lower := strings.ToLower(s)
	if !buildIDPattern.MatchString(lower) {
		return "", fmt.Errorf("store: invalid build-id %q", s)
	}

	return BuildID(lower), nil
}

// DebugInfoRelPath returns the path, relative to a debug output's store
// path, of the .debug file for this build-id: lib/debug/.build-id/xx/yyyy.debug.
func (b BuildID) DebugInfoRelPath() string {
	s := string(b)

	return "lib/debug/.build-id/" + s[:2] + "/" + s[2:] + ".debug"
}

// StripBuildPrefix removes the "/build/<name>/" sandbox prefix DWARF line
// tables report source paths under, returning the remainder and whether a
// prefix was actually stripped.
func StripBuildPrefix(p string) (string, bool) {
	if !strings.HasPrefix(p, "/build/") {
		return p, false
	}

	rest := p[len("/build/"):]

	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return p, false
	}

	return rest[slash+1:], true
}

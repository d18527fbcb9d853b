package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/multiformats/go-multihash"
	"github.com/nix-community/debuginfod/pkg/wire"
)

// KeyKind tags the shape of a Key's parameters.
type KeyKind string

const (
	KindDebugInfo        KeyKind = "DebugInfo"
	KindStorePathContent KeyKind = "StorePathContents"
	KindDerivation       KeyKind = "Derivation"
	KindSourceFile       KeyKind = "SourceFile"
	KindExecutable       KeyKind = "Executable"
)

// Key is a structured cache key: a kind tag plus its parameters. Two Keys
// with equal Kind and Params render to the same on-disk name.
type Key struct {
	Kind   KeyKind
	Params []string
}

// DebugInfoKey builds the key for a build-id's debug output.
func DebugInfoKey(buildID string) Key {
	return Key{Kind: KindDebugInfo, Params: []string{buildID}}
}

// StorePathContentsKey builds the key for a store path's unpacked tree.
func StorePathContentsKey(storePath string) Key {
	return Key{Kind: KindStorePathContent, Params: []string{storePath}}
}

// DerivationKey builds the key for a parsed .drv file.
func DerivationKey(drvPath string) Key {
	return Key{Kind: KindDerivation, Params: []string{drvPath}}
}

// SourceFileKey builds the key for one resolved source file.
func SourceFileKey(storePath, relPath string) Key {
	return Key{Kind: KindSourceFile, Params: []string{storePath, relPath}}
}

// ExecutableKey builds the key for a build-id's best-effort stripped
// executable match.
func ExecutableKey(buildID string) Key {
	return Key{Kind: KindExecutable, Params: []string{buildID}}
}

// Hash renders the Key deterministically: each component is written
// through the shared wire length-prefixed encoding (so no parameter can
// collide across a kind/parameter boundary), hashed with SHA-256, wrapped
// as a multihash, and hex-encoded for use as a filesystem-safe directory
// name.
func (k Key) Hash() (string, error) {
	h := sha256.New()

	if err := wire.WriteString(h, string(k.Kind)); err != nil {
		return "", fmt.Errorf("cache: hashing key kind: %w", err)
	}

	if err := wire.WriteUint64(h, uint64(len(k.Params))); err != nil {
		return "", fmt.Errorf("cache: hashing key param count: %w", err)
	}

	for _, p := range k.Params {
		if err := wire.WriteString(h, p); err != nil {
			return "", fmt.Errorf("cache: hashing key param: %w", err)
		}
	}

	sum := h.Sum(nil)

	mh, err := multihash.Encode(sum, multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("cache: encoding multihash: %w", err)
	}

	return hex.EncodeToString(mh), nil
}

// String renders the Key for diagnostics; not used for hashing.
func (k Key) String() string {
	return fmt.Sprintf("%s(%v)", k.Kind, k.Params)
}

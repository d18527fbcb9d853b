// Package wire implements the length-prefixed, 8-byte-padded primitive
// encoding shared by the Nix daemon RPC protocol and the NAR archive format.
//
// Every field on the wire is either a uint64 (8 raw bytes, little-endian) or
// a byte string (a uint64 length, the bytes themselves, then zero padding up
// to the next 8-byte boundary). Booleans are uint64 0/1.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteUint64 writes v as 8 little-endian bytes.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	_, err := w.Write(buf[:])

	return err
}

// ReadUint64 reads 8 little-endian bytes.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteBool writes b as a uint64 0 or 1.
func WriteBool(w io.Writer, b bool) error {
	var v uint64
	if b {
		v = 1
	}

	return WriteUint64(w, v)
}

// ReadBool reads a uint64 and interprets any nonzero value as true.
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return false, err
	}

	return v != 0, nil
}

// padding returns the number of zero bytes needed to round n up to the next
// multiple of 8.
func padding(n uint64) uint64 {
	return (8 - (n % 8)) % 8
}

// WriteString writes s as a length-prefixed, padded byte string.
func WriteString(w io.Writer, s string) error {
	if err := WriteUint64(w, uint64(len(s))); err != nil {
		return err
	}

	if _, err := io.WriteString(w, s); err != nil {
		return err
	}

	return writeZeroPad(w, padding(uint64(len(s))))
}

// WriteBytes writes b as a length-prefixed, padded byte string.
func WriteBytes(w io.Writer, b []byte) error {
	if err := WriteUint64(w, uint64(len(b))); err != nil {
		return err
	}

	if _, err := w.Write(b); err != nil {
		return err
	}

	return writeZeroPad(w, padding(uint64(len(b))))
}

var zeroes [8]byte

func writeZeroPad(w io.Writer, n uint64) error {
	if n == 0 {
		return nil
	}

	_, err := w.Write(zeroes[:n])

	return err
}

// ReadString reads a length-prefixed, padded byte string and returns it as a
// string. maxBytes bounds the accepted length to guard against a hostile or
// corrupt peer claiming an enormous allocation.
func ReadString(r io.Reader, maxBytes uint64) (string, error) {
	b, err := ReadBytes(r, maxBytes)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// ReadBytes reads a length-prefixed, padded byte string.
func ReadBytes(r io.Reader, maxBytes uint64) ([]byte, error) {
	length, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}

	if length > maxBytes {
		return nil, fmt.Errorf("wire: string length %d exceeds limit %d", length, maxBytes)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	pad := padding(length)
	if pad > 0 {
		var padBuf [8]byte
		if _, err := io.ReadFull(r, padBuf[:pad]); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// SkipPadding consumes and discards n bytes of trailing pad for a field of
// the given length, without having buffered the field itself. Used by
// streaming copiers that forward field data directly to another writer.
func SkipPadding(r io.Reader, length uint64) error {
	pad := padding(length)
	if pad == 0 {
		return nil
	}

	var buf [8]byte

	_, err := io.ReadFull(r, buf[:pad])

	return err
}

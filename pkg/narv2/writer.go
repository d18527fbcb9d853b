package narv2

import (
	"errors"
	"fmt"
	"io"

	"github.com/nix-community/debuginfod/pkg/wire"
)

type frameKind byte

const (
	frameDirectory frameKind = 'd'
	frameFile      frameKind = 'f'
	frameEntry     frameKind = 'e'
)

type frame struct {
	kind      frameKind
	remaining uint64
	pad       uint64
}

// Writer builds a NAR archive by walking the same node/entry grammar that
// Reader parses. Calls must follow the structure of the tree being written:
// Directory/File/Link open a node, Entry announces a child of an open
// directory, and Close ends whichever node or file content is currently
// open. Symlinks close themselves since they carry no further content.
type Writer struct {
	w     io.Writer
	stack []frame
	err   error
}

// NewWriter returns a Writer that serializes a NAR archive to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}

	return w.err
}

func (w *Writer) top() (frame, bool) {
	if len(w.stack) == 0 {
		return frame{}, false
	}

	return w.stack[len(w.stack)-1], true
}

// writeNodeHeader writes the "nix-archive-1"/"node" prefix followed by
// "(" "type" <kind>, matching whether this node is the root of the archive
// or the payload of an Entry.
func (w *Writer) writeNodeHeader(kind string) error {
	if w.err != nil {
		return w.err
	}

	if len(w.stack) == 0 {
		if err := wire.WriteString(w.w, "nix-archive-1"); err != nil {
			return w.fail(err)
		}
	} else if top, _ := w.top(); top.kind == frameEntry {
		if err := wire.WriteString(w.w, "node"); err != nil {
			return w.fail(err)
		}
	} else {
		return w.fail(fmt.Errorf("nar: node start not expected here"))
	}

	if err := wire.WriteString(w.w, "("); err != nil {
		return w.fail(err)
	}

	if err := wire.WriteString(w.w, "type"); err != nil {
		return w.fail(err)
	}

	return wire.WriteString(w.w, kind)
}

// Directory opens a directory node. Call Entry for each child, then Close
// once all children have been written.
func (w *Writer) Directory() error {
	if err := w.writeNodeHeader("directory"); err != nil {
		return err
	}

	w.stack = append(w.stack, frame{kind: frameDirectory})

	return nil
}

// File opens a regular (or, if executable, executable) file node of the
// given size. The caller must write exactly size bytes via Write, then call
// Close.
func (w *Writer) File(executable bool, size uint64) error {
	if err := w.writeNodeHeader("regular"); err != nil {
		return err
	}

	if executable {
		if err := wire.WriteString(w.w, "executable"); err != nil {
			return w.fail(err)
		}

		if err := wire.WriteString(w.w, ""); err != nil {
			return w.fail(err)
		}
	}

	if err := wire.WriteString(w.w, "contents"); err != nil {
		return w.fail(err)
	}

	if err := wire.WriteUint64(w.w, size); err != nil {
		return w.fail(err)
	}

	w.stack = append(w.stack, frame{
		kind:      frameFile,
		remaining: size,
		pad:       (8 - size%8) % 8,
	})

	return nil
}

// Write streams file content written by a prior File call. It is an error
// to write more bytes than the declared size.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}

	top, ok := w.top()
	if !ok || top.kind != frameFile {
		return 0, w.fail(errors.New("nar: Write called outside an open file"))
	}

	if uint64(len(p)) > top.remaining {
		return 0, w.fail(errors.New("nar: Write exceeds declared file size"))
	}

	n, err := w.w.Write(p)
	if err != nil {
		return n, w.fail(err)
	}

	w.stack[len(w.stack)-1].remaining -= uint64(n)

	return n, nil
}

// Link writes a complete symlink node and closes it (and its enclosing
// Entry, if any) immediately, since a symlink carries no further content.
func (w *Writer) Link(target string) error {
	if err := w.writeNodeHeader("symlink"); err != nil {
		return err
	}

	if err := wire.WriteString(w.w, "target"); err != nil {
		return w.fail(err)
	}

	if err := wire.WriteString(w.w, target); err != nil {
		return w.fail(err)
	}

	if err := w.closeParen(); err != nil {
		return err
	}

	return w.closeEnclosingEntry()
}

// Entry announces a named child of the currently open directory. The next
// call must be Directory, File, or Link to supply the child's node.
func (w *Writer) Entry(name string) error {
	if w.err != nil {
		return w.err
	}

	top, ok := w.top()
	if !ok || top.kind != frameDirectory {
		return w.fail(errors.New("nar: Entry called outside an open directory"))
	}

	if err := wire.WriteString(w.w, "entry"); err != nil {
		return w.fail(err)
	}

	if err := wire.WriteString(w.w, "("); err != nil {
		return w.fail(err)
	}

	if err := wire.WriteString(w.w, "name"); err != nil {
		return w.fail(err)
	}

	if err := wire.WriteString(w.w, name); err != nil {
		return w.fail(err)
	}

	w.stack = append(w.stack, frame{kind: frameEntry})

	return nil
}

// Close ends the innermost open directory or file node. Closing a node
// nested in an Entry also closes that Entry.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}

	top, ok := w.top()
	if !ok {
		return w.fail(errors.New("nar: Close called with nothing open"))
	}

	switch top.kind {
	case frameDirectory:
		w.stack = w.stack[:len(w.stack)-1]

		if err := w.closeParen(); err != nil {
			return err
		}
	case frameFile:
		if top.remaining != 0 {
			return w.fail(fmt.Errorf("nar: file closed with %d bytes still undeclared", top.remaining))
		}

		w.stack = w.stack[:len(w.stack)-1]

		if top.pad > 0 {
			if _, err := w.w.Write(zero[:top.pad]); err != nil {
				return w.fail(err)
			}
		}

		if err := w.closeParen(); err != nil {
			return err
		}
	default:
		return w.fail(fmt.Errorf("nar: Close called on an entry directly"))
	}

	return w.closeEnclosingEntry()
}

func (w *Writer) closeParen() error {
	if err := wire.WriteString(w.w, ")"); err != nil {
		return w.fail(err)
	}

	return nil
}

// closeEnclosingEntry pops and closes the Entry frame wrapping the node
// just closed, if any.
func (w *Writer) closeEnclosingEntry() error {
	top, ok := w.top()
	if !ok || top.kind != frameEntry {
		return nil
	}

	w.stack = w.stack[:len(w.stack)-1]

	return w.closeParen()
}

// Copy streams every node from r into w, preserving tree structure. It
// consumes r until Next returns io.EOF.
func Copy(w *Writer, r Reader) error {
	first := true

	for {
		tag, err := r.Next()

		switch {
		case errors.Is(err, ErrEndOfDirectory):
			if err := w.Close(); err != nil {
				return err
			}

			continue
		case errors.Is(err, io.EOF):
			if first {
				return nil
			}

			return w.Close()
		case err != nil:
			return err
		}

		if !first {
			if err := w.Entry(r.Name()); err != nil {
				return err
			}
		}

		first = false

		switch tag {
		case TagDir:
			if err := w.Directory(); err != nil {
				return err
			}
		case TagSym:
			if err := w.Link(r.Target()); err != nil {
				return err
			}
		case TagReg, TagExe:
			if err := w.File(tag == TagExe, r.Size()); err != nil {
				return err
			}

			if _, err := io.Copy(w, r); err != nil {
				return err
			}

			if err := w.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("nar: unknown tag %v", tag)
		}
	}
}

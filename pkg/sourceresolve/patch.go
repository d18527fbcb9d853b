package sourceresolve

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ApplyUnifiedDiff applies a single unified-diff patch (possibly covering
// several files) to data, returning data unmodified (touched=false) if the
// patch contains no hunk for relPath. No third-party library in the pack
// applies unified diffs to arbitrary source bytes (sergi/go-diff and
// pmezard/go-difflib only compute diffs; go-git's patch-delta machinery is
// an unrelated binary packfile-delta format), so this is a minimal
// hand-rolled applier: it understands the standard "@@ -l,n +l,n @@" hunk
// header and ' '/'-'/'+' line prefixes. Each hunk's context and removed
// lines must appear in the file as one contiguous block, matching exactly
// apart from line endings; the block is looked for at the declared line
// number first and then anywhere in the file. Lines the hunk inserts end
// in "\n".
func ApplyUnifiedDiff(data, patch []byte, relPath string) ([]byte, bool, error) {
	hunks, matched, err := hunksForFile(patch, relPath)
	if err != nil {
		return data, false, err
	}

	if !matched {
		return data, false, nil
	}

	lines := splitLinesKeepEnding(data)

	for _, h := range hunks {
		var err error

		lines, err = applyHunk(lines, h)
		if err != nil {
			return data, false, err
		}
	}

	return []byte(strings.Join(lines, "")), true, nil
}

type hunk struct {
	oldStart int
	lines    []diffLine
}

type diffLine struct {
	kind byte // ' ', '-', '+'
	text string
}

// hunksForFile scans a multi-file unified diff for the hunks belonging to
// relPath, identified by its "--- a/<path>"/"+++ b/<path>" header pair (or
// a bare path with no a/ b/ prefix, which bsdiff/nixpkgs patches sometimes
// use).
func hunksForFile(patch []byte, relPath string) ([]hunk, bool, error) {
	scanner := bufio.NewScanner(bytes.NewReader(patch))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var hunks []hunk

	inTarget := false
	matchedAny := false

	var cur *hunk

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "--- "):
			inTarget = false
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			path = strings.TrimPrefix(path, "b/")

			if path == relPath {
				inTarget = true
				matchedAny = true
			}
		case strings.HasPrefix(line, "@@ "):
			if cur != nil {
				hunks = append(hunks, *cur)
				cur = nil
			}

			if !inTarget {
				continue
			}

			start, err := parseHunkHeader(line)
			if err != nil {
				return nil, false, err
			}

			cur = &hunk{oldStart: start}
		case cur != nil && len(line) > 0 && (line[0] == ' ' || line[0] == '-' || line[0] == '+'):
			cur.lines = append(cur.lines, diffLine{kind: line[0], text: line[1:]})
		case cur != nil && line == `\ No newline at end of file`:
			// ignored marker
		default:
			if cur != nil {
				hunks = append(hunks, *cur)
				cur = nil
			}
		}
	}

	if cur != nil {
		hunks = append(hunks, *cur)
	}

	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	return hunks, matchedAny, nil
}

func parseHunkHeader(line string) (int, error) {
	// "@@ -l,n +l,n @@" or "@@ -l +l @@"
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("sourceresolve: malformed hunk header %q", line)
	}

	oldSpec := strings.TrimPrefix(fields[1], "-")

	lineStr, _, _ := strings.Cut(oldSpec, ",")

	n, err := strconv.Atoi(lineStr)
	if err != nil {
		return 0, fmt.Errorf("sourceresolve: malformed hunk line number %q: %w", oldSpec, err)
	}

	return n, nil
}

// applyHunk locates the hunk's context/removed lines in the current file
// content (searching near the declared offset first, then the whole file)
// and substitutes in its added lines.
func applyHunk(lines []string, h hunk) ([]string, error) {
	var old, newBlock []string

	for _, dl := range h.lines {
		switch dl.kind {
		case ' ':
			old = append(old, dl.text)
			newBlock = append(newBlock, dl.text+"\n")
		case '-':
			old = append(old, dl.text)
		case '+':
			newBlock = append(newBlock, dl.text+"\n")
		}
	}

	idx := findBlock(lines, old, h.oldStart-1)
	if idx < 0 {
		return nil, fmt.Errorf("sourceresolve: patch hunk context not found")
	}

	out := make([]string, 0, len(lines)-len(old)+len(newBlock))
	out = append(out, lines[:idx]...)
	out = append(out, newBlock...)
	out = append(out, lines[idx+len(old):]...)

	return out, nil
}

// findBlock searches for old as a contiguous run within lines, preferring
// a match at hint (the declared 0-based offset) and falling back to a full
// scan if the file has drifted.
func findBlock(lines []string, old []string, hint int) int {
	if matchesAt(lines, old, hint) {
		return hint
	}

	for i := range lines {
		if matchesAt(lines, old, i) {
			return i
		}
	}

	return -1
}

func matchesAt(lines, old []string, i int) bool {
	if i < 0 || i+len(old) > len(lines) {
		return false
	}

	for j, want := range old {
		if trimEOL(lines[i+j]) != want {
			return false
		}
	}

	return true
}

func trimEOL(s string) string {
	return strings.TrimRight(s, "\n\r")
}

// splitLinesKeepEnding splits data into lines, each retaining its trailing
// newline (if any) so strings.Join reconstructs the file byte-exact.
func splitLinesKeepEnding(data []byte) []string {
	var lines []string

	start := 0

	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i+1]))
			start = i + 1
		}
	}

	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}

	return lines
}

package cache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// meta is persisted as a trivial "key: value" text file (the same texture
// as a narinfo) so an operator can inspect an entry's state with cat.
func writeMeta(dir string, m Meta) error {
	f, err := os.Create(filepath.Join(dir, metaName))
	if err != nil {
		return fmt.Errorf("cache: writing meta: %w", err)
	}
	defer f.Close()

	isDir := "false"
	if m.IsDir {
		isDir = "true"
	}

	fmt.Fprintf(f, "Key: %s\n", m.Key)
	fmt.Fprintf(f, "SizeBytes: %d\n", m.SizeBytes)
	fmt.Fprintf(f, "IsDir: %s\n", isDir)
	fmt.Fprintf(f, "LastAccess: %d\n", m.LastAccess.Unix())
	fmt.Fprintf(f, "CompletedAt: %d\n", m.CompletedAt.Unix())

	return nil
}

func readMeta(dir string) (Meta, error) {
	f, err := os.Open(filepath.Join(dir, metaName))
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()

	m := Meta{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), ": ")
		if !ok {
			continue
		}

		switch key {
		case "Key":
			m.Key = val
		case "SizeBytes":
			n, _ := strconv.ParseInt(val, 10, 64)
			m.SizeBytes = n
		case "IsDir":
			m.IsDir = val == "true"
		case "LastAccess":
			n, _ := strconv.ParseInt(val, 10, 64)
			m.LastAccess = time.Unix(n, 0)
		case "CompletedAt":
			n, _ := strconv.ParseInt(val, 10, 64)
			if n > 0 {
				m.CompletedAt = time.Unix(n, 0)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return Meta{}, err
	}

	return m, nil
}

// updateAccessTime rewrites only the LastAccess line of an entry's meta
// file, best-effort.
func updateAccessTime(dir string, t time.Time) error {
	m, err := readMeta(dir)
	if err != nil {
		return err
	}

	m.LastAccess = t

	return writeMeta(dir, m)
}

// Package storage holds the filesystem primitives every phoenix component
// writes through: whole-file replacement by temp+rename, JSONL appends and
// tolerant JSONL reads.
package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	// DirPerm is used for every directory phoenix creates.
	DirPerm = 0o700

	// FilePerm is used for every file phoenix creates.
	FilePerm = 0o600

	// maxLineBytes bounds a single JSONL record.
	maxLineBytes = 1 << 20
)

// AtomicWrite writes to a temp file in the destination directory and renames
// it over path. Readers see either the previous file or the new one, never a
// partial write; a crash before the rename leaves the previous file intact.
func AtomicWrite(path string, writeFunc func(io.Writer) error) error {
	if path == "" {
		return ErrEmptyPath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("%w: create directory %s: %w", ErrWrite, dir, err)
	}

	// Same directory, so the rename never crosses a volume.
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %w", ErrWrite, err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath) //nolint:errcheck // cleanup in error path
		}
	}()

	if err := writeFunc(tmpFile); err != nil {
		_ = tmpFile.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("%w: write content: %w", ErrWrite, err)
	}
	if err := tmpFile.Chmod(FilePerm); err != nil {
		_ = tmpFile.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("%w: chmod temp file: %w", ErrWrite, err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close() //nolint:errcheck // cleanup in error path
		return fmt.Errorf("%w: sync file: %w", ErrWrite, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %w", ErrWrite, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename to final: %w", ErrWrite, err)
	}
	success = true

	syncDir(dir)
	return nil
}

// WriteFileAtomic replaces path with data using AtomicWrite.
func WriteFileAtomic(path string, data []byte) error {
	return AtomicWrite(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// AppendJSONL appends v as one JSON line. The line is written with a single
// write call on an O_APPEND descriptor and fsync'd before returning.
func AppendJSONL(path string, v any) error {
	if path == "" {
		return ErrEmptyPath
	}
	if err := os.MkdirAll(filepath.Dir(path), DirPerm); err != nil {
		return fmt.Errorf("%w: create directory: %w", ErrWrite, err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, FilePerm)
	if err != nil {
		return fmt.Errorf("%w: open file: %w", ErrWrite, err)
	}
	defer func() {
		_ = f.Close() //nolint:errcheck // sync already called, close best-effort
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write line: %w", ErrWrite, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrWrite, err)
	}
	return nil
}

// ReadJSONL decodes every well-formed line of path into a T. Malformed lines
// are skipped. A missing file yields no records and no error.
func ReadJSONL[T any](path string) (records []T, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // Skip malformed lines
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// ReadLines returns every non-empty line of path, parseable or not. A missing
// file yields no lines and no error.
func ReadLines(path string) (lines [][]byte, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(scanner.Bytes()))
	}
	return lines, scanner.Err()
}

// WriteLines replaces path with lines, one per line, using AtomicWrite.
func WriteLines(path string, lines [][]byte) error {
	return AtomicWrite(path, func(w io.Writer) error {
		for _, line := range lines {
			if _, err := w.Write(append(bytes.Clone(line), '\n')); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveIfExists deletes path and reports whether this call removed it.
// Concurrent callers racing on the same path see true at most once.
func RemoveIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Exists reports whether path is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// syncDir flushes a directory entry after a rename. Failures are ignored; not
// every filesystem supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()  //nolint:errcheck // best-effort durability of the rename
	_ = d.Close() //nolint:errcheck // read-only handle
}

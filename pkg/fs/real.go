package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	natomic "github.com/natefinch/atomic"
)

// Real implements [FS] using the real filesystem.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// Open is a passthrough wrapper for [os.Open].
func (r *Real) Open(path string) (File, error) {
	return os.Open(path)
}

// OpenFile is a passthrough wrapper for [os.OpenFile].
func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

// ReadFile is a passthrough wrapper for [os.ReadFile].
func (r *Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ReadDir is a passthrough wrapper for [os.ReadDir].
func (r *Real) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

// MkdirAll is a passthrough wrapper for [os.MkdirAll].
func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Stat is a passthrough wrapper for [os.Stat].
func (r *Real) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

// Rename is a passthrough wrapper for [os.Rename].
func (r *Real) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Remove is a passthrough wrapper for [os.Remove].
func (r *Real) Remove(path string) error {
	return os.Remove(path)
}

// atomicWriteCounter disambiguates concurrent temp files from this process.
var atomicWriteCounter atomic.Uint64

// WriteFile atomically replaces path's contents: write to a temp file in
// the same directory, fsync it, rename over path, then fsync the parent
// directory.
func (r *Real) WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpPath, tmpFile, err := createTempFile(dir, filepath.Base(path), perm)
	if err != nil {
		return fmt.Errorf("fs: write %q: %w", path, err)
	}

	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmpFile.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("fs: write %q: write temp: %w", path, err)
	}

	if err := tmpFile.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fs: write %q: sync temp: %w", path, err)
	}

	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fs: write %q: close temp: %w", path, err)
	}

	if err := natomic.ReplaceFile(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("fs: write %q: rename: %w", path, err)
	}

	return syncDir(dir)
}

// AppendFile durably appends data to path, creating it with perm if
// necessary.
func (r *Real) AppendFile(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, perm)
	if err != nil {
		return fmt.Errorf("fs: append %q: %w", path, err)
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("fs: append %q: %w", path, err)
	}

	return f.Sync()
}

func createTempFile(dir, base string, perm os.FileMode) (string, *os.File, error) {
	for range 10000 {
		seq := atomicWriteCounter.Add(1)
		path := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", base, seq))

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
		if err == nil {
			return path, f, nil
		}

		if errors.Is(err, os.ErrExist) {
			continue
		}

		return "", nil, err
	}

	return "", nil, fmt.Errorf("exhausted temp file attempts in %q", dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("fs: sync dir %q: %w", dir, err)
	}

	defer func() { _ = d.Close() }()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("fs: sync dir %q: %w", dir, err)
	}

	return nil
}

// Compile-time interface check.
var _ FS = (*Real)(nil)

// Package fs provides the filesystem abstraction the directory protocol is
// built on: readdir, stat, read, write, append, rename, unlink, as named
// by spec.md §6. Keeping it behind an interface lets every other package
// in this module treat the filesystem as an external, fallible
// collaborator instead of importing the os package directly.
//
// The main types are:
//   - [FS]: interface for filesystem operations
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using the [os] package
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// This interface is satisfied by [os.File] and can be used with all
// standard library functions that accept [io.Reader], [io.Writer],
// [io.Seeker], or [io.Closer].
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines filesystem operations for reading, writing, and managing
// files. All methods mirror their [os] package equivalents but can be
// intercepted for testing.
//
// Paths use OS semantics (like the os package and path/filepath), not the
// slash-separated paths used by the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See
	// [os.OpenFile]. Use this for fine-grained control (append,
	// exclusive create, etc).
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFile atomically replaces a file's entire contents. Unlike
	// [os.WriteFile] this is the durable, whole-file write the directory
	// protocol relies on for snapshot and lockfile writes: implementations
	// write to a temp file in the same directory, fsync, then rename over
	// path.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// AppendFile durably appends data to path, creating it if necessary.
	// Used only by a shard's owning process.
	AppendFile(path string, data []byte, perm os.FileMode) error

	// ReadDir reads a directory and returns its entries. See [os.ReadDir].
	ReadDir(path string) ([]os.DirEntry, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Rename moves/renames a file or directory. See [os.Rename].
	Rename(oldpath, newpath string) error

	// Remove deletes a file. See [os.Remove]. Per spec.md §5, unlink
	// failures are best-effort from the caller's perspective; this method
	// still reports the error so callers can log it.
	Remove(path string) error
}

// Compile-time interface check.
var _ File = (*os.File)(nil)

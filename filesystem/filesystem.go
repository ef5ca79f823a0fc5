// Package filesystem provides the interfaces filesystem implementations
// satisfy. The interesting implementation is in a subpackage,
// github.com/diskfs/go-simplefs/filesystem/simplefs
package filesystem

import (
	"errors"
	"os"
)

var (
	ErrNotSupported       = errors.New("method not supported by this filesystem")
	ErrReadonlyFilesystem = errors.New("read-only filesystem")
)

// FileSystem is a reference to a single mounted filesystem
type FileSystem interface {
	// Type return the type of filesystem
	Type() Type
	// Mkdir make a directory
	Mkdir(pathname string) error
	// Link creates a new link (also known as a hard link) to an existing file.
	Link(oldpath, newpath string) error
	// Symlink creates a symbolic link named linkpath which contains the string target.
	Symlink(target, linkpath string) error
	// Readlink returns the target of the symbolic link at pathname.
	Readlink(pathname string) (string, error)
	// ReadDir read the contents of a directory
	ReadDir(pathname string) ([]os.FileInfo, error)
	// OpenFile open a handle to read or write to a file
	OpenFile(pathname string, flag int) (File, error)
	// Rename renames (moves) oldpath to newpath.
	Rename(oldpath, newpath string) error
	// Remove removes the named file or (empty) directory.
	Remove(pathname string) error
	// Truncate changes the size of the named file.
	Truncate(pathname string, size int64) error
}

// Type represents the type of filesystem this is
type Type int

const (
	// TypeSimplefs is an extent-mapped block filesystem
	TypeSimplefs Type = iota
)

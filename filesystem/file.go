package filesystem

import (
	"io"
)

// File a reference to a single file on disk
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	// Truncate changes the size of the file
	Truncate(size int64) error
}

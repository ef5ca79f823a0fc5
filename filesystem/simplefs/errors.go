package simplefs

import "errors"

// Error kinds surfaced by the core. Callers match with errors.Is; every
// failure path wraps one of these with context.
var (
	// ErrNotDirectory a path component or operand is not a directory
	ErrNotDirectory = errors.New("not a directory")
	// ErrNameTooLong a filename exceeds FilenameLen or a symlink target does not fit inline
	ErrNameTooLong = errors.New("name too long")
	// ErrExists the target name already exists
	ErrExists = errors.New("file exists")
	// ErrNotEmpty directory is not empty
	ErrNotEmpty = errors.New("directory not empty")
	// ErrOutOfRange an inode or block number beyond the counts the superblock declares
	ErrOutOfRange = errors.New("out of range")
	// ErrFileTooBig a logical block beyond the extent table capacity
	ErrFileTooBig = errors.New("file too big")
	// ErrNoSpace bitmap allocation failed, or a preflight check determined the operation cannot complete
	ErrNoSpace = errors.New("no space left on device")
	// ErrNoMemory an in-memory resource could not be allocated
	ErrNoMemory = errors.New("out of memory")
	// ErrIO a block read or write failed
	ErrIO = errors.New("input/output error")
	// ErrBadImage magic mismatch on mount
	ErrBadImage = errors.New("not a valid filesystem image")
	// ErrJournal could not begin or commit a transaction; the filesystem is read-only from then on
	ErrJournal = errors.New("journal unavailable")
	// ErrTooManyLinks directory entry capacity exhausted
	ErrTooManyLinks = errors.New("too many links")
	// ErrReadOnly the filesystem was mounted read-only or went read-only after a journal abort
	ErrReadOnly = errors.New("filesystem is read-only")
	// ErrNotFound no entry with that name
	ErrNotFound = errors.New("no such file or directory")
	// ErrNotSymlink readlink on something that is not a symbolic link
	ErrNotSymlink = errors.New("not a symbolic link")
)

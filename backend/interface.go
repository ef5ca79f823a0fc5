// Package backend abstracts the storage a filesystem sits on: a device
// of fixed-size blocks addressed by 32-bit block number. Implementations
// are in subpackages, e.g. github.com/diskfs/go-simplefs/backend/file
// for files and real block devices, and backend/mem for tests.
package backend

import "errors"

// BlockSize is the fixed size in bytes of every device block
const BlockSize = 4096

var (
	ErrIncorrectOpenMode = errors.New("disk file or device not open for write")
	ErrNotSuitable       = errors.New("backing file is not suitable")
	ErrOutOfRange        = errors.New("block number beyond end of device")
)

// BlockDevice is a device of BlockSize-byte blocks. Reads and writes
// move whole blocks; b must be exactly BlockSize bytes long.
type BlockDevice interface {
	// ReadBlock fills b with the contents of block number n
	ReadBlock(n uint32, b []byte) error
	// WriteBlock writes b as the new contents of block number n
	WriteBlock(n uint32, b []byte) error
	// Flush forces written blocks down to stable storage
	Flush() error
	// BlockCount how many blocks the device holds
	BlockCount() (uint32, error)
	// Close the device; the device is unusable afterwards
	Close() error
}

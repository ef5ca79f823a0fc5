// Package mem provides an in-memory backend.BlockDevice. It backs the
// core's tests and makes a convenient external journal device.
package mem

import (
	"fmt"
	"sync"

	"github.com/diskfs/go-simplefs/backend"
)

type memDevice struct {
	mu     sync.Mutex
	blocks []byte
	count  uint32
	closed bool
}

// New creates an in-memory device of count zeroed blocks
func New(count uint32) backend.BlockDevice {
	return &memDevice{
		blocks: make([]byte, int64(count)*backend.BlockSize),
		count:  count,
	}
}

// backend.BlockDevice interface guard
var _ backend.BlockDevice = (*memDevice)(nil)

func (d *memDevice) ReadBlock(n uint32, b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.ErrNotSuitable
	}
	if len(b) != backend.BlockSize {
		return fmt.Errorf("buffer is %d bytes, block size is %d", len(b), backend.BlockSize)
	}
	if n >= d.count {
		return backend.ErrOutOfRange
	}
	off := int64(n) * backend.BlockSize
	copy(b, d.blocks[off:off+backend.BlockSize])
	return nil
}

func (d *memDevice) WriteBlock(n uint32, b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.ErrNotSuitable
	}
	if len(b) != backend.BlockSize {
		return fmt.Errorf("buffer is %d bytes, block size is %d", len(b), backend.BlockSize)
	}
	if n >= d.count {
		return backend.ErrOutOfRange
	}
	off := int64(n) * backend.BlockSize
	copy(d.blocks[off:off+backend.BlockSize], b)
	return nil
}

func (d *memDevice) Flush() error {
	return nil
}

func (d *memDevice) BlockCount() (uint32, error) {
	return d.count, nil
}

func (d *memDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

package simplefs

import (
	"fmt"
	"sync"

	"github.com/diskfs/go-simplefs/backend"
)

// buffer is one cached device block: a BlockSize byte array associated
// with a block number. Buffers are ref-counted; a buffer stays in the
// cache while it is held or dirty.
type buffer struct {
	blockNo uint32
	data    []byte
	dirty   bool
	refs    int
}

// markDirty flags the buffer for write-back. Metadata buffers are only
// marked through a transaction; see txn.dirtyMetadata.
func (b *buffer) markDirty() {
	b.dirty = true
}

// bufferCache owns all in-flight buffers for one device. It hands out
// whole-block buffers on bread and reclaims them when released clean.
type bufferCache struct {
	dev  backend.BlockDevice
	mu   sync.Mutex
	bufs map[uint32]*buffer
}

func newBufferCache(dev backend.BlockDevice) *bufferCache {
	return &bufferCache{
		dev:  dev,
		bufs: make(map[uint32]*buffer),
	}
}

// bread returns the buffer for block n, reading it from the device on a
// cache miss. The caller owns one reference and must brelse it on every
// exit path.
func (c *bufferCache) bread(n uint32) (*buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bufs[n]; ok {
		b.refs++
		return b, nil
	}
	b := &buffer{
		blockNo: n,
		data:    make([]byte, backend.BlockSize),
		refs:    1,
	}
	if err := c.dev.ReadBlock(n, b.data); err != nil {
		return nil, fmt.Errorf("%w: reading block %d: %v", ErrIO, n, err)
	}
	c.bufs[n] = b
	return b, nil
}

// brelse drops one reference. A clean, unreferenced buffer leaves the
// cache; a dirty one stays until written back.
func (c *bufferCache) brelse(b *buffer) {
	if b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b.refs--
	if b.refs <= 0 && !b.dirty {
		delete(c.bufs, b.blockNo)
	}
}

// writeBuffer pushes one buffer to the device and clears its dirty flag
func (c *bufferCache) writeBuffer(b *buffer) error {
	if err := c.dev.WriteBlock(b.blockNo, b.data); err != nil {
		return fmt.Errorf("%w: writing block %d: %v", ErrIO, b.blockNo, err)
	}
	c.mu.Lock()
	b.dirty = false
	if b.refs <= 0 {
		delete(c.bufs, b.blockNo)
	}
	c.mu.Unlock()
	return nil
}

// flush writes every dirty buffer back to the device and forces the
// device down to stable storage
func (c *bufferCache) flush() error {
	c.mu.Lock()
	var dirty []*buffer
	for _, b := range c.bufs {
		if b.dirty {
			dirty = append(dirty, b)
		}
	}
	c.mu.Unlock()
	for _, b := range dirty {
		if err := c.writeBuffer(b); err != nil {
			return err
		}
	}
	return c.dev.Flush()
}

// dropClean evicts every unreferenced clean buffer; used on unmount
func (c *bufferCache) dropClean() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n, b := range c.bufs {
		if b.refs <= 0 && !b.dirty {
			delete(c.bufs, n)
		}
	}
}

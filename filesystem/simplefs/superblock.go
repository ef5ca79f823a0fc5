package simplefs

import (
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/syncutil"

	"github.com/diskfs/go-simplefs/util/bitmap"
)

// superblock is the in-memory mirror of the block 0 record plus the two
// free-space bitmaps it owns. All multi-byte on-disk fields are
// little-endian.
type superblock struct {
	magic          uint32
	nrBlocks       uint32
	nrInodes       uint32
	nrIstoreBlocks uint32
	nrIfreeBlocks  uint32
	nrBfreeBlocks  uint32
	nrFreeInodes   uint32
	nrFreeBlocks   uint32

	ifree *bitmap.Bitmap
	bfree *bitmap.Bitmap

	// bitmap block indices touched since the last flush, relative to
	// the start of each bitmap area
	dirtyIfree map[uint32]bool
	dirtyBfree map[uint32]bool

	// mu owns the bitmaps and free counters. Its invariant is the
	// counters always equal the bitmap popcounts.
	mu syncutil.InvariantMutex
}

const bitsPerBitmapBlock = BlockSize * 8

// superblockFromBytes parses the block 0 record
func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < 32 {
		return nil, fmt.Errorf("superblock record requires 32 bytes, got %d", len(b))
	}
	sb := superblock{
		magic:          binary.LittleEndian.Uint32(b[0:4]),
		nrBlocks:       binary.LittleEndian.Uint32(b[4:8]),
		nrInodes:       binary.LittleEndian.Uint32(b[8:12]),
		nrIstoreBlocks: binary.LittleEndian.Uint32(b[12:16]),
		nrIfreeBlocks:  binary.LittleEndian.Uint32(b[16:20]),
		nrBfreeBlocks:  binary.LittleEndian.Uint32(b[20:24]),
		nrFreeInodes:   binary.LittleEndian.Uint32(b[24:28]),
		nrFreeBlocks:   binary.LittleEndian.Uint32(b[28:32]),
		dirtyIfree:     make(map[uint32]bool),
		dirtyBfree:     make(map[uint32]bool),
	}
	if sb.magic != Magic {
		return nil, fmt.Errorf("%w: magic %#x, expected %#x", ErrBadImage, sb.magic, Magic)
	}
	sb.mu = syncutil.NewInvariantMutex(sb.checkInvariants)
	return &sb, nil
}

// toBytes serializes the record, padded to a full block
func (sb *superblock) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], sb.magic)
	binary.LittleEndian.PutUint32(b[4:8], sb.nrBlocks)
	binary.LittleEndian.PutUint32(b[8:12], sb.nrInodes)
	binary.LittleEndian.PutUint32(b[12:16], sb.nrIstoreBlocks)
	binary.LittleEndian.PutUint32(b[16:20], sb.nrIfreeBlocks)
	binary.LittleEndian.PutUint32(b[20:24], sb.nrBfreeBlocks)
	binary.LittleEndian.PutUint32(b[24:28], sb.nrFreeInodes)
	binary.LittleEndian.PutUint32(b[28:32], sb.nrFreeBlocks)
	return b
}

// checkInvariants panics unless the free counters equal the bitmap
// popcounts. Enabled via syncutil.EnableInvariantChecking in tests.
func (sb *superblock) checkInvariants() {
	if sb.ifree == nil || sb.bfree == nil {
		return
	}
	if got := sb.ifree.CountFree(); got != int(sb.nrFreeInodes) {
		panic(fmt.Sprintf("free inode counter %d does not match bitmap popcount %d", sb.nrFreeInodes, got))
	}
	if got := sb.bfree.CountFree(); got != int(sb.nrFreeBlocks) {
		panic(fmt.Sprintf("free block counter %d does not match bitmap popcount %d", sb.nrFreeBlocks, got))
	}
}

// ifreeStart first device block of the inode bitmap
func (sb *superblock) ifreeStart() uint32 {
	return 1 + sb.nrIstoreBlocks
}

// bfreeStart first device block of the block bitmap
func (sb *superblock) bfreeStart() uint32 {
	return 1 + sb.nrIstoreBlocks + sb.nrIfreeBlocks
}

// firstDataBlock first block of the data area
func (sb *superblock) firstDataBlock() uint32 {
	return 1 + sb.nrIstoreBlocks + sb.nrIfreeBlocks + sb.nrBfreeBlocks
}

// readSuperblock reads block 0, verifies the magic and copies both
// bitmaps from their reserved block ranges into memory
func readSuperblock(c *bufferCache) (*superblock, error) {
	bh, err := c.bread(superblockNr)
	if err != nil {
		return nil, err
	}
	sb, err := superblockFromBytes(bh.data)
	c.brelse(bh)
	if err != nil {
		return nil, err
	}

	ibits, err := readBitmapArea(c, sb.ifreeStart(), sb.nrIfreeBlocks)
	if err != nil {
		return nil, err
	}
	sb.ifree, err = bitmap.FromBytes(ibits, int(sb.nrInodes))
	if err != nil {
		return nil, fmt.Errorf("%w: inode bitmap: %v", ErrBadImage, err)
	}

	bbits, err := readBitmapArea(c, sb.bfreeStart(), sb.nrBfreeBlocks)
	if err != nil {
		return nil, err
	}
	sb.bfree, err = bitmap.FromBytes(bbits, int(sb.nrBlocks))
	if err != nil {
		return nil, fmt.Errorf("%w: block bitmap: %v", ErrBadImage, err)
	}

	return sb, nil
}

func readBitmapArea(c *bufferCache, start, count uint32) ([]byte, error) {
	out := make([]byte, int(count)*BlockSize)
	for i := uint32(0); i < count; i++ {
		bh, err := c.bread(start + i)
		if err != nil {
			return nil, err
		}
		copy(out[int(i)*BlockSize:], bh.data)
		c.brelse(bh)
	}
	return out, nil
}

// flush rewrites the superblock record and the touched bitmap blocks.
// Called with the filesystem lock held.
func (sb *superblock) flush(c *bufferCache) error {
	bh, err := c.bread(superblockNr)
	if err != nil {
		return err
	}
	copy(bh.data, sb.toBytes())
	err = c.writeBuffer(bh)
	c.brelse(bh)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if err := sb.flushBitmapLocked(c, sb.ifree, sb.ifreeStart(), sb.dirtyIfree); err != nil {
		return err
	}
	return sb.flushBitmapLocked(c, sb.bfree, sb.bfreeStart(), sb.dirtyBfree)
}

func (sb *superblock) flushBitmapLocked(c *bufferCache, bm *bitmap.Bitmap, start uint32, dirty map[uint32]bool) error {
	raw := bm.ToBytes()
	for idx := range dirty {
		bh, err := c.bread(start + idx)
		if err != nil {
			return err
		}
		copy(bh.data, raw[int(idx)*BlockSize:int(idx)*BlockSize+BlockSize])
		err = c.writeBuffer(bh)
		c.brelse(bh)
		if err != nil {
			return err
		}
		delete(dirty, idx)
	}
	return nil
}

// allocInode returns an unused inode number and marks it used.
// Returns 0 if no free inode was found.
func (sb *superblock) allocInode() uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	ino := uint32(sb.ifree.AllocOne())
	if ino != 0 {
		sb.nrFreeInodes--
		sb.dirtyIfree[ino/bitsPerBitmapBlock] = true
	}
	return ino
}

// putInode marks an inode number as unused again. A number at or past
// nrInodes is a caller bug and the call is a no-op.
func (sb *superblock) putInode(ino uint32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.ifree.FreeOne(int(ino)) {
		return
	}
	sb.nrFreeInodes++
	sb.dirtyIfree[ino/bitsPerBitmapBlock] = true
}

// allocBlocks returns the first block of the earliest run of count free
// blocks and marks the run used. Returns 0 if no such run exists; the
// free counter is unchanged in that case.
func (sb *superblock) allocBlocks(count uint32) uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	bno := uint32(sb.bfree.AllocRun(int(count)))
	if bno != 0 {
		sb.nrFreeBlocks -= count
		for i := bno; i < bno+count; i++ {
			sb.dirtyBfree[i/bitsPerBitmapBlock] = true
		}
	}
	return bno
}

// putBlocks marks a run of blocks unused again. A range that extends
// past nrBlocks is a caller bug and the call is a no-op.
func (sb *superblock) putBlocks(bno, count uint32) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.bfree.FreeRun(int(bno), int(count)) {
		return
	}
	sb.nrFreeBlocks += count
	for i := bno; i < bno+count; i++ {
		sb.dirtyBfree[i/bitsPerBitmapBlock] = true
	}
}

// freeInodes current free-inode counter
func (sb *superblock) freeInodes() uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.nrFreeInodes
}

// freeBlocks current free-block counter
func (sb *superblock) freeBlocks() uint32 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.nrFreeBlocks
}

package simplefs

import (
	"encoding/binary"
	"fmt"
)

// extent is a single contiguous run of physical blocks assigned to a
// contiguous logical range of a file
type extent struct {
	// eeBlock first logical block the extent covers
	eeBlock uint32
	// eeLen number of blocks covered, at most ExtentBlocks
	eeLen uint32
	// eeStart first physical block; 0 means the record is unused
	eeStart uint32
}

// extentTable is one inode's extent table block: a file count (used by
// directories only) and a fixed-capacity extent array. Used extents
// form a prefix sorted by eeBlock and are contiguous in the logical
// address space.
type extentTable struct {
	nrFiles uint32
	extents [MaxExtents]extent
}

// extentTableFromBytes decodes a whole table block
func extentTableFromBytes(b []byte) *extentTable {
	var et extentTable
	et.nrFiles = binary.LittleEndian.Uint32(b[0:4])
	for i := 0; i < MaxExtents; i++ {
		base := 4 + i*extentRecordSize
		et.extents[i] = extent{
			eeBlock: binary.LittleEndian.Uint32(b[base : base+4]),
			eeLen:   binary.LittleEndian.Uint32(b[base+4 : base+8]),
			eeStart: binary.LittleEndian.Uint32(b[base+8 : base+12]),
		}
	}
	return &et
}

// toBytes encodes the table, padded to a full block
func (et *extentTable) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], et.nrFiles)
	for i := 0; i < MaxExtents; i++ {
		base := 4 + i*extentRecordSize
		binary.LittleEndian.PutUint32(b[base:base+4], et.extents[i].eeBlock)
		binary.LittleEndian.PutUint32(b[base+4:base+8], et.extents[i].eeLen)
		binary.LittleEndian.PutUint32(b[base+8:base+12], et.extents[i].eeStart)
	}
	return b
}

// usedCount the number of used extents: the smallest index whose
// eeStart is 0, found by binary search over the used prefix
func (et *extentTable) usedCount() int {
	lo, hi := 0, MaxExtents
	for lo < hi {
		mid := lo + (hi-lo)/2
		if et.extents[mid].eeStart == 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// search finds the slot whose extent contains iblock, binary-searching
// the used prefix by eeBlock. On a miss it returns the insert point for
// a new extent (the boundary), or -1 when the table is out of capacity.
func (et *extentTable) search(iblock uint32) int {
	boundary := et.usedCount()
	if boundary == 0 {
		return 0
	}
	lo, hi := 0, boundary
	for lo < hi {
		mid := lo + (hi-lo)/2
		e := &et.extents[mid]
		switch {
		case iblock < e.eeBlock:
			hi = mid
		case iblock >= e.eeBlock+e.eeLen:
			lo = mid + 1
		default:
			return mid
		}
	}
	if boundary < MaxExtents {
		return boundary
	}
	return -1
}

// readExtentTable reads and decodes the extent table block of an inode.
// The returned buffer stays held; the caller must brelse it on every
// exit path.
func (fs *FileSystem) readExtentTable(in *Inode) (*extentTable, *buffer, error) {
	bh, err := fs.cache.bread(in.eiBlock)
	if err != nil {
		return nil, nil, err
	}
	return extentTableFromBytes(bh.data), bh, nil
}

// writeExtentTable encodes the table back into its held buffer under
// the current transaction
func (fs *FileSystem) writeExtentTable(t *txn, bh *buffer, et *extentTable) error {
	if err := t.getWriteAccess(bh); err != nil {
		return err
	}
	copy(bh.data, et.toBytes())
	t.dirtyMetadata(bh)
	return nil
}

// allocExtent fills slot with a fresh ExtentBlocks run whose logical
// start continues the previous extent (or 0 at slot 0)
func (fs *FileSystem) allocExtent(et *extentTable, slot int) error {
	bno := fs.sb.allocBlocks(ExtentBlocks)
	if bno == 0 {
		return fmt.Errorf("%w: no run of %d contiguous free blocks", ErrNoSpace, ExtentBlocks)
	}
	var logical uint32
	if slot > 0 {
		prev := &et.extents[slot-1]
		logical = prev.eeBlock + prev.eeLen
	}
	et.extents[slot] = extent{
		eeBlock: logical,
		eeLen:   ExtentBlocks,
		eeStart: bno,
	}
	return nil
}

// getBlock maps a logical file block to a physical one through the
// inode's extent table. With create set, extents are allocated until
// the logical block is covered and the table is updated under the
// transaction. Without create, an unmapped block returns physical 0,
// which readers treat as a hole of zeros.
func (fs *FileSystem) getBlock(t *txn, in *Inode, iblock uint32, create bool) (uint32, error) {
	if iblock >= ExtentBlocks*MaxExtents {
		return 0, fmt.Errorf("%w: logical block %d beyond extent capacity", ErrFileTooBig, iblock)
	}

	et, bh, err := fs.readExtentTable(in)
	if err != nil {
		return 0, err
	}
	defer fs.cache.brelse(bh)

	var allocated bool
	for {
		slot := et.search(iblock)
		if slot < 0 {
			return 0, fmt.Errorf("%w: extent table full", ErrFileTooBig)
		}
		e := &et.extents[slot]
		if e.eeStart != 0 && iblock >= e.eeBlock && iblock < e.eeBlock+e.eeLen {
			bno := e.eeStart + iblock - e.eeBlock
			if allocated {
				if err := fs.writeExtentTable(t, bh, et); err != nil {
					return 0, err
				}
			}
			return bno, nil
		}
		if !create {
			return 0, nil
		}
		if err := fs.allocExtent(et, slot); err != nil {
			if allocated {
				// keep the extents already granted; the table must
				// reflect them before the error surfaces
				if werr := fs.writeExtentTable(t, bh, et); werr != nil {
					return 0, werr
				}
			}
			return 0, err
		}
		allocated = true
	}
}

// truncateExtents releases every extent past the one containing the
// last block still in use. newBlocks is the inode's new block count,
// extent table included; a partially used last extent stays intact.
func (fs *FileSystem) truncateExtents(t *txn, in *Inode, newBlocks uint32) error {
	et, bh, err := fs.readExtentTable(in)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)

	firstExt := et.search(newBlocks - 1)
	if firstExt < 0 {
		return nil
	}
	if et.extents[firstExt].eeBlock != newBlocks-1 {
		firstExt++
	}

	var freed bool
	for i := firstExt; i < MaxExtents; i++ {
		e := &et.extents[i]
		if e.eeStart == 0 {
			break
		}
		fs.sb.putBlocks(e.eeStart, e.eeLen)
		et.extents[i] = extent{}
		freed = true
	}
	if !freed {
		return nil
	}
	return fs.writeExtentTable(t, bh, et)
}

package simplefs

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-simplefs/backend"
)

// minBlocks the smallest image Create accepts
const minBlocks = 100

// Create formats dev with an empty filesystem: superblock, inode store
// holding only the root inode, both bitmaps, and a zeroed extent table
// for the root directory.
func Create(dev backend.BlockDevice) error {
	nrBlocks, err := dev.BlockCount()
	if err != nil {
		return fmt.Errorf("could not size device: %w", err)
	}
	if nrBlocks < minBlocks {
		return fmt.Errorf("image of %d blocks is not large enough, need at least %d", nrBlocks, minBlocks)
	}

	// geometry: one inode per block, rounded up to fill the last store
	// block
	nrInodes := nrBlocks
	if mod := nrInodes % InodesPerBlock; mod != 0 {
		nrInodes += InodesPerBlock - mod
	}
	nrIstoreBlocks := nrInodes / InodesPerBlock
	nrIfreeBlocks := idivCeil(nrInodes, bitsPerBitmapBlock)
	nrBfreeBlocks := idivCeil(nrBlocks, bitsPerBitmapBlock)
	firstData := 1 + nrIstoreBlocks + nrIfreeBlocks + nrBfreeBlocks
	if firstData+1 >= nrBlocks {
		return fmt.Errorf("image of %d blocks leaves no data area", nrBlocks)
	}
	nrDataBlocks := nrBlocks - firstData

	sb := superblock{
		magic:          Magic,
		nrBlocks:       nrBlocks,
		nrInodes:       nrInodes,
		nrIstoreBlocks: nrIstoreBlocks,
		nrIfreeBlocks:  nrIfreeBlocks,
		nrBfreeBlocks:  nrBfreeBlocks,
		// inode 0 reserved, inode 1 is the root
		nrFreeInodes: nrInodes - 2,
		// the root directory's extent table occupies the first data block
		nrFreeBlocks: nrDataBlocks - 1,
	}
	if err := dev.WriteBlock(superblockNr, sb.toBytes()); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}

	// inode store: root inode at index 1, everything else zero
	root := Inode{
		ino:     rootIno,
		mode:    modeDirectory | 0o755,
		size:    BlockSize,
		blocks:  1,
		nlink:   2,
		eiBlock: firstData,
	}
	block := make([]byte, BlockSize)
	copy(block[rootIno*inodeSize:], root.toBytes())
	if err := dev.WriteBlock(1, block); err != nil {
		return fmt.Errorf("writing inode store: %w", err)
	}
	zero := make([]byte, BlockSize)
	for i := uint32(1); i < nrIstoreBlocks; i++ {
		if err := dev.WriteBlock(1+i, zero); err != nil {
			return fmt.Errorf("writing inode store: %w", err)
		}
	}

	// inode bitmap: everything free except inode 0 (reserved) and the root
	if err := writeBitmapBlocks(dev, 1+nrIstoreBlocks, nrIfreeBlocks, 2); err != nil {
		return fmt.Errorf("writing inode bitmap: %w", err)
	}

	// block bitmap: superblock, inode store, both bitmaps and the root
	// extent table are in use
	if err := writeBitmapBlocks(dev, 1+nrIstoreBlocks+nrIfreeBlocks, nrBfreeBlocks, firstData+1); err != nil {
		return fmt.Errorf("writing block bitmap: %w", err)
	}

	// the root directory's extent table starts empty
	if err := dev.WriteBlock(firstData, zero); err != nil {
		return fmt.Errorf("writing root extent table: %w", err)
	}

	if err := dev.Flush(); err != nil {
		return fmt.Errorf("flushing image: %w", err)
	}

	log.WithFields(logrus.Fields{
		"blocks":        nrBlocks,
		"inodes":        nrInodes,
		"istore_blocks": nrIstoreBlocks,
		"ifree_blocks":  nrIfreeBlocks,
		"bfree_blocks":  nrBfreeBlocks,
		"free_inodes":   sb.nrFreeInodes,
		"free_blocks":   sb.nrFreeBlocks,
	}).Info("created filesystem")

	return nil
}

// writeBitmapBlocks lays down count bitmap blocks starting at start,
// all bits free except the first used low indices
func writeBitmapBlocks(dev backend.BlockDevice, start, count, used uint32) error {
	for i := uint32(0); i < count; i++ {
		block := make([]byte, BlockSize)
		for j := range block {
			block[j] = 0xff
		}
		// clear the used bits that land in this block
		lo := i * bitsPerBitmapBlock
		for bit := lo; bit < lo+bitsPerBitmapBlock && bit < used; bit++ {
			block[(bit-lo)/8] &= ^(byte(1) << ((bit - lo) % 8))
		}
		if err := dev.WriteBlock(start+i, block); err != nil {
			return err
		}
	}
	return nil
}

func idivCeil(a, b uint32) uint32 {
	ret := a / b
	if a%b != 0 {
		return ret + 1
	}
	return ret
}

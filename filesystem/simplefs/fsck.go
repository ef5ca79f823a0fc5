package simplefs

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Check verifies the structural invariants of a mounted filesystem:
// the free counters equal the bitmap popcounts, every reachable extent
// table is a sorted contiguous prefix, every directory's file count
// matches its densely packed records, and block accounting adds up.
// All findings are reported together.
func (fs *FileSystem) Check() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var errs *multierror.Error

	fs.sb.mu.Lock()
	if got := fs.sb.ifree.CountFree(); got != int(fs.sb.nrFreeInodes) {
		errs = multierror.Append(errs, fmt.Errorf("free inode counter %d does not match bitmap popcount %d", fs.sb.nrFreeInodes, got))
	}
	if got := fs.sb.bfree.CountFree(); got != int(fs.sb.nrFreeBlocks) {
		errs = multierror.Append(errs, fmt.Errorf("free block counter %d does not match bitmap popcount %d", fs.sb.nrFreeBlocks, got))
	}
	fs.sb.mu.Unlock()

	visited := make(map[uint32]bool)
	var usedBlocks uint32
	if err := fs.checkInode(rootIno, visited, &usedBlocks, &errs); err != nil {
		errs = multierror.Append(errs, err)
	}

	// metadata area plus every block reachable through extent tables
	// must equal the used-block counter
	meta := 1 + fs.sb.nrIstoreBlocks + fs.sb.nrIfreeBlocks + fs.sb.nrBfreeBlocks
	total := meta + usedBlocks
	if inUse := fs.sb.nrBlocks - fs.sb.freeBlocks(); total != inUse {
		errs = multierror.Append(errs, fmt.Errorf("reachable blocks %d do not match used count %d", total, inUse))
	}

	return errs.ErrorOrNil()
}

func (fs *FileSystem) checkInode(ino uint32, visited map[uint32]bool, usedBlocks *uint32, errs **multierror.Error) error {
	if visited[ino] {
		return nil
	}
	visited[ino] = true

	in, err := fs.iget(ino)
	if err != nil {
		return err
	}
	defer fs.iput(in)

	if in.isSymlink() {
		return nil
	}

	et, bh, err := fs.readExtentTable(in)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)
	*usedBlocks++ // the table block itself

	boundary := et.usedCount()
	for i := 0; i < MaxExtents; i++ {
		e := &et.extents[i]
		if i < boundary {
			if e.eeStart == 0 {
				*errs = multierror.Append(*errs, fmt.Errorf("inode %d: used extents are not a prefix at slot %d", ino, i))
				continue
			}
			if i > 0 {
				prev := &et.extents[i-1]
				if e.eeBlock != prev.eeBlock+prev.eeLen {
					*errs = multierror.Append(*errs, fmt.Errorf("inode %d: extent %d starts at logical %d, expected %d", ino, i, e.eeBlock, prev.eeBlock+prev.eeLen))
				}
			}
			*usedBlocks += e.eeLen
		} else if e.eeStart != 0 {
			*errs = multierror.Append(*errs, fmt.Errorf("inode %d: extent in the unused suffix at slot %d", ino, i))
		}
	}

	if !in.isDir() {
		return nil
	}

	// directory: records must fill the lowest nrFiles slots
	var (
		count    uint32
		children []uint32
	)
	err = fs.dirIterate(in, func(e dirEntry, pos uint32) bool {
		count++
		children = append(children, e.inode)
		return true
	})
	if err != nil {
		return err
	}
	if count != et.nrFiles {
		*errs = multierror.Append(*errs, fmt.Errorf("directory %d: nr_files %d but %d packed records", ino, et.nrFiles, count))
	}

	for _, child := range children {
		if err := fs.checkInode(child, visited, usedBlocks, errs); err != nil {
			*errs = multierror.Append(*errs, err)
		}
	}
	return nil
}

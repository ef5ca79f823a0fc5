package simplefs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// A directory's data blocks hold fixed-size filename records, a u32
// inode number followed by the name bytes. inode 0 marks a free slot;
// live records occupy the lowest nr_files positions in block-major,
// extent-major order with no gaps.

// dirEntry is one decoded filename record
type dirEntry struct {
	inode uint32
	name  string
}

func dirEntryAt(block []byte, fi int) dirEntry {
	base := fi * fileRecordSize
	rec := block[base : base+fileRecordSize]
	name := rec[4:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return dirEntry{
		inode: binary.LittleEndian.Uint32(rec[0:4]),
		name:  string(name),
	}
}

func putDirEntryAt(block []byte, fi int, e dirEntry) {
	base := fi * fileRecordSize
	rec := block[base : base+fileRecordSize]
	binary.LittleEndian.PutUint32(rec[0:4], e.inode)
	for i := range rec[4:] {
		rec[4+i] = 0
	}
	copy(rec[4:], e.name)
}

// dirDecompose splits an entry position into extent, block-in-extent
// and slot-in-block indices
func dirDecompose(pos uint32) (ei, bi, fi uint32) {
	return pos / FilesPerExt, pos % FilesPerExt / FilesPerBlock, pos % FilesPerBlock
}

// dirEntryBlock resolves the physical block holding the entry at pos
func dirEntryBlock(et *extentTable, pos uint32) (uint32, error) {
	ei, bi, _ := dirDecompose(pos)
	e := &et.extents[ei]
	if e.eeStart == 0 {
		return 0, fmt.Errorf("%w: directory entry %d has no extent", ErrIO, pos)
	}
	return e.eeStart + bi, nil
}

// dirLookup walks the extent table and its dir blocks for name.
// Returns the entry and its position, or ErrNotFound.
func (fs *FileSystem) dirLookup(dir *Inode, name string) (dirEntry, uint32, error) {
	var zero dirEntry
	if !dir.isDir() {
		return zero, 0, fmt.Errorf("%w: inode %d", ErrNotDirectory, dir.ino)
	}
	if len(name) > FilenameLen {
		return zero, 0, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}

	et, bh, err := fs.readExtentTable(dir)
	if err != nil {
		return zero, 0, err
	}
	defer fs.cache.brelse(bh)

	var pos uint32
	for ei := 0; ei < MaxExtents; ei++ {
		e := &et.extents[ei]
		if e.eeStart == 0 {
			break
		}
		for bi := uint32(0); bi < e.eeLen; bi++ {
			dbh, err := fs.cache.bread(e.eeStart + bi)
			if err != nil {
				return zero, 0, err
			}
			for fi := 0; fi < FilesPerBlock; fi++ {
				f := dirEntryAt(dbh.data, fi)
				if f.inode == 0 {
					// dense packing: a free slot ends the walk
					fs.cache.brelse(dbh)
					return zero, 0, fmt.Errorf("%w: %q", ErrNotFound, name)
				}
				if f.name == name {
					fs.cache.brelse(dbh)
					return f, pos, nil
				}
				pos++
			}
			fs.cache.brelse(dbh)
		}
	}
	return zero, 0, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// dirInsert appends an entry at position nr_files, allocating and
// scrubbing a fresh extent of dir blocks when the position falls past
// the mapped area
func (fs *FileSystem) dirInsert(t *txn, dir *Inode, name string, ino uint32) error {
	if len(name) > FilenameLen {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	et, bh, err := fs.readExtentTable(dir)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)

	if et.nrFiles == MaxSubfiles {
		return fmt.Errorf("%w: directory %d is full", ErrTooManyLinks, dir.ino)
	}

	ei, bi, fi := dirDecompose(et.nrFiles)
	if et.extents[ei].eeStart == 0 {
		if err := fs.allocExtent(et, int(ei)); err != nil {
			return err
		}
		for i := uint32(0); i < ExtentBlocks; i++ {
			if err := fs.zeroBlock(t, et.extents[ei].eeStart+i); err != nil {
				fs.sb.putBlocks(et.extents[ei].eeStart, ExtentBlocks)
				et.extents[ei] = extent{}
				return err
			}
		}
	}

	dbh, err := fs.cache.bread(et.extents[ei].eeStart + bi)
	if err != nil {
		return err
	}
	if err := t.getWriteAccess(dbh); err != nil {
		fs.cache.brelse(dbh)
		return err
	}
	putDirEntryAt(dbh.data, int(fi), dirEntry{inode: ino, name: name})
	t.dirtyMetadata(dbh)
	fs.cache.brelse(dbh)

	et.nrFiles++
	return fs.writeExtentTable(t, bh, et)
}

// dirRemove deletes the entry at position pos and shifts every entry
// above it down one slot, keeping the records densely packed. The
// cross-block shift briefly holds two adjacent dir blocks.
func (fs *FileSystem) dirRemove(t *txn, dir *Inode, pos uint32) error {
	et, bh, err := fs.readExtentTable(dir)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)

	if pos >= et.nrFiles {
		return fmt.Errorf("%w: entry %d in directory of %d", ErrOutOfRange, pos, et.nrFiles)
	}

	for q := pos; q+1 < et.nrFiles; q++ {
		srcBlock, err := dirEntryBlock(et, q+1)
		if err != nil {
			return err
		}
		dstBlock, err := dirEntryBlock(et, q)
		if err != nil {
			return err
		}
		_, _, srcFi := dirDecompose(q + 1)
		_, _, dstFi := dirDecompose(q)

		sbh, err := fs.cache.bread(srcBlock)
		if err != nil {
			return err
		}
		e := dirEntryAt(sbh.data, int(srcFi))
		if srcBlock == dstBlock {
			if err := t.getWriteAccess(sbh); err != nil {
				fs.cache.brelse(sbh)
				return err
			}
			putDirEntryAt(sbh.data, int(dstFi), e)
			t.dirtyMetadata(sbh)
			fs.cache.brelse(sbh)
			continue
		}
		dbh, err := fs.cache.bread(dstBlock)
		if err != nil {
			fs.cache.brelse(sbh)
			return err
		}
		if err := t.getWriteAccess(dbh); err != nil {
			fs.cache.brelse(dbh)
			fs.cache.brelse(sbh)
			return err
		}
		putDirEntryAt(dbh.data, int(dstFi), e)
		t.dirtyMetadata(dbh)
		fs.cache.brelse(dbh)
		fs.cache.brelse(sbh)
	}

	// zero the vacated last slot
	last := et.nrFiles - 1
	lastBlock, err := dirEntryBlock(et, last)
	if err != nil {
		return err
	}
	_, _, lastFi := dirDecompose(last)
	lbh, err := fs.cache.bread(lastBlock)
	if err != nil {
		return err
	}
	if err := t.getWriteAccess(lbh); err != nil {
		fs.cache.brelse(lbh)
		return err
	}
	putDirEntryAt(lbh.data, int(lastFi), dirEntry{})
	t.dirtyMetadata(lbh)
	fs.cache.brelse(lbh)

	et.nrFiles--
	return fs.writeExtentTable(t, bh, et)
}

// dirRename rewrites the name of the entry at pos in place
func (fs *FileSystem) dirRename(t *txn, dir *Inode, pos uint32, newName string) error {
	et, bh, err := fs.readExtentTable(dir)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)

	if pos >= et.nrFiles {
		return fmt.Errorf("%w: entry %d in directory of %d", ErrOutOfRange, pos, et.nrFiles)
	}
	blockNo, err := dirEntryBlock(et, pos)
	if err != nil {
		return err
	}
	_, _, fi := dirDecompose(pos)
	dbh, err := fs.cache.bread(blockNo)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(dbh)
	if err := t.getWriteAccess(dbh); err != nil {
		return err
	}
	e := dirEntryAt(dbh.data, int(fi))
	e.name = newName
	putDirEntryAt(dbh.data, int(fi), e)
	t.dirtyMetadata(dbh)
	return nil
}

// dirCount the number of valid entries
func (fs *FileSystem) dirCount(dir *Inode) (uint32, error) {
	et, bh, err := fs.readExtentTable(dir)
	if err != nil {
		return 0, err
	}
	n := et.nrFiles
	fs.cache.brelse(bh)
	return n, nil
}

// dirIterate emits every valid entry in order. The emitter returning
// false stops the walk, matching a full readdir buffer.
func (fs *FileSystem) dirIterate(dir *Inode, emit func(e dirEntry, pos uint32) bool) error {
	if !dir.isDir() {
		return fmt.Errorf("%w: inode %d", ErrNotDirectory, dir.ino)
	}
	et, bh, err := fs.readExtentTable(dir)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)

	var pos uint32
	for ei := 0; ei < MaxExtents; ei++ {
		e := &et.extents[ei]
		if e.eeStart == 0 {
			return nil
		}
		for bi := uint32(0); bi < e.eeLen; bi++ {
			dbh, err := fs.cache.bread(e.eeStart + bi)
			if err != nil {
				return err
			}
			for fi := 0; fi < FilesPerBlock; fi++ {
				f := dirEntryAt(dbh.data, fi)
				if f.inode == 0 {
					fs.cache.brelse(dbh)
					return nil
				}
				if !emit(f, pos) {
					fs.cache.brelse(dbh)
					return nil
				}
				pos++
			}
			fs.cache.brelse(dbh)
		}
	}
	return nil
}

// dirInfo implements os.FileInfo for directory listings
type dirInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (fi dirInfo) Name() string       { return fi.name }
func (fi dirInfo) Size() int64        { return fi.size }
func (fi dirInfo) Mode() os.FileMode  { return fi.mode }
func (fi dirInfo) ModTime() time.Time { return fi.modTime }
func (fi dirInfo) IsDir() bool        { return fi.isDir }
func (fi dirInfo) Sys() interface{}   { return nil }

func infoFromInode(name string, in *Inode) os.FileInfo {
	mode := os.FileMode(in.mode & modePermMask)
	switch {
	case in.isDir():
		mode |= os.ModeDir
	case in.isSymlink():
		mode |= os.ModeSymlink
	}
	return dirInfo{
		name:    name,
		size:    int64(in.size),
		mode:    mode,
		modTime: time.Unix(int64(in.mtime), 0),
		isDir:   in.isDir(),
	}
}

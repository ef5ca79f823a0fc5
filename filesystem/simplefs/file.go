package simplefs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/diskfs/go-simplefs/filesystem"
)

// File represents a single open file. Reads and writes move whole
// device blocks under the hood; the extent table maps each logical
// block to its physical home, allocating fresh 8-block runs as the file
// grows. File data blocks are written straight through to the device
// and are not part of journal transactions.
type File struct {
	fs          *FileSystem
	in          *Inode
	isReadWrite bool
	isAppend    bool
	offset      int64
	closed      bool
}

// interface guard
var _ filesystem.File = (*File)(nil)

// Read reads up to len(b) bytes from the File.
// It returns the number of bytes read and any error encountered.
// At end of file, Read returns 0, io.EOF.
// An unmapped logical block reads as zeros.
func (fl *File) Read(b []byte) (int, error) {
	if fl.closed {
		return 0, os.ErrClosed
	}
	fl.fs.mu.Lock()
	defer fl.fs.mu.Unlock()

	fileSize := int64(fl.in.size)
	if fl.offset >= fileSize {
		return 0, io.EOF
	}
	toRead := int64(len(b))
	if fl.offset+toRead > fileSize {
		toRead = fileSize - fl.offset
	}

	var read int64
	block := make([]byte, BlockSize)
	for read < toRead {
		iblock := uint32((fl.offset) / BlockSize)
		shift := fl.offset % BlockSize
		n := BlockSize - shift
		if n > toRead-read {
			n = toRead - read
		}
		phys, err := fl.fs.getBlock(nil, fl.in, iblock, false)
		if err != nil {
			return int(read), err
		}
		if phys == 0 {
			// hole: zeros
			for i := int64(0); i < n; i++ {
				b[read+i] = 0
			}
		} else {
			if err := fl.fs.dev.ReadBlock(phys, block); err != nil {
				return int(read), fmt.Errorf("%w: reading block %d: %v", ErrIO, phys, err)
			}
			copy(b[read:read+n], block[shift:shift+n])
		}
		read += n
		fl.offset += n
	}

	var err error
	if fl.offset >= fileSize {
		err = io.EOF
	}
	return int(read), err
}

// Write writes len(b) bytes to the File.
// It returns the number of bytes written and an error, if any.
// Fails fast with ErrNoSpace when the write would exceed MaxFilesize or
// more block allocations would be needed than the device has free.
func (fl *File) Write(b []byte) (int, error) {
	if fl.closed {
		return 0, os.ErrClosed
	}
	if !fl.isReadWrite {
		return 0, errors.New("file not open for write")
	}
	fl.fs.mu.Lock()
	defer fl.fs.mu.Unlock()
	if err := fl.fs.failIfReadOnly(); err != nil {
		return 0, err
	}
	if fl.isAppend {
		fl.offset = int64(fl.in.size)
	}

	n, err := fl.fs.writeAt(fl.in, b, fl.offset)
	fl.offset += int64(n)
	return n, err
}

// writeAt implements the write path for one inode: the write_begin
// preflight, block-by-block copy-in, then the write_end metadata update
// under one transaction. Called with the filesystem lock held.
func (fs *FileSystem) writeAt(in *Inode, b []byte, pos int64) (int, error) {
	if pos+int64(len(b)) > MaxFilesize {
		return 0, fmt.Errorf("%w: write of %d at %d exceeds maximum file size", ErrNoSpace, len(b), pos)
	}
	if len(b) == 0 {
		return 0, nil
	}

	// preflight: count the block allocations this write can require and
	// fail before touching anything if they cannot be satisfied
	end := pos + int64(len(b))
	if int64(in.size) > end {
		end = int64(in.size)
	}
	needed := uint32((end + BlockSize - 1) / BlockSize)
	var nrAllocs uint32
	if needed > in.blocks-1 {
		nrAllocs = needed - (in.blocks - 1)
	}
	if nrAllocs > fs.sb.freeBlocks() {
		return 0, fmt.Errorf("%w: %d blocks needed, %d free", ErrNoSpace, nrAllocs, fs.sb.freeBlocks())
	}

	t, err := fs.beginTxn()
	if err != nil {
		return 0, err
	}

	written, err := fs.writeBlocks(t, in, b, pos)
	if err != nil {
		t.rollback()
		return 0, err
	}

	// write_end: grow the size, recount blocks, stamp times, release
	// trailing extents if the file shrank
	oldBlocks := in.blocks
	if newSize := uint32(pos) + uint32(written); newSize > in.size {
		in.size = newSize
	}
	in.blocks = in.size/BlockSize + 1
	if in.size%BlockSize != 0 {
		in.blocks++
	}
	in.touchTimes(true, false, true)
	if in.blocks < oldBlocks {
		if err := fs.truncateExtents(t, in, in.blocks); err != nil {
			t.rollback()
			return 0, err
		}
	}
	if err := fs.writeInode(t, in); err != nil {
		t.rollback()
		return 0, err
	}
	return written, t.commit()
}

// writeBlocks copies b into the data area starting at pos, allocating
// extents as needed. Data blocks go straight to the device.
func (fs *FileSystem) writeBlocks(t *txn, in *Inode, b []byte, pos int64) (int, error) {
	// blocks between the old end and the write start become readable
	// once the size grows past them; give them defined contents
	if pos > int64(in.size) {
		if err := fs.zeroRange(t, in, int64(in.size), pos); err != nil {
			return 0, err
		}
	}

	var written int64
	block := make([]byte, BlockSize)
	for written < int64(len(b)) {
		off := pos + written
		iblock := uint32(off / BlockSize)
		shift := off % BlockSize
		n := int64(BlockSize) - shift
		if n > int64(len(b))-written {
			n = int64(len(b)) - written
		}
		phys, err := fs.getBlock(t, in, iblock, true)
		if err != nil {
			return int(written), err
		}
		if shift != 0 || n < BlockSize {
			if err := fs.dev.ReadBlock(phys, block); err != nil {
				return int(written), fmt.Errorf("%w: reading block %d: %v", ErrIO, phys, err)
			}
		}
		copy(block[shift:shift+n], b[written:written+n])
		if err := fs.dev.WriteBlock(phys, block); err != nil {
			return int(written), fmt.Errorf("%w: writing block %d: %v", ErrIO, phys, err)
		}
		written += n
	}
	return int(written), nil
}

// zeroRange gives the byte range [from, to) defined zero contents
func (fs *FileSystem) zeroRange(t *txn, in *Inode, from, to int64) error {
	zero := make([]byte, BlockSize)
	block := make([]byte, BlockSize)
	for off := from; off < to; {
		iblock := uint32(off / BlockSize)
		shift := off % BlockSize
		n := int64(BlockSize) - shift
		if n > to-off {
			n = to - off
		}
		phys, err := fs.getBlock(t, in, iblock, true)
		if err != nil {
			return err
		}
		if shift != 0 || n < BlockSize {
			if err := fs.dev.ReadBlock(phys, block); err != nil {
				return fmt.Errorf("%w: reading block %d: %v", ErrIO, phys, err)
			}
			copy(block[shift:shift+n], zero[:n])
			if err := fs.dev.WriteBlock(phys, block); err != nil {
				return fmt.Errorf("%w: writing block %d: %v", ErrIO, phys, err)
			}
		} else {
			if err := fs.dev.WriteBlock(phys, zero); err != nil {
				return fmt.Errorf("%w: writing block %d: %v", ErrIO, phys, err)
			}
		}
		off += n
	}
	return nil
}

// Seek sets the offset to a particular point in the file
func (fl *File) Seek(offset int64, whence int) (int64, error) {
	if fl.closed {
		return 0, os.ErrClosed
	}
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekEnd:
		newOffset = int64(fl.in.size) + offset
	case io.SeekCurrent:
		newOffset = fl.offset + offset
	}
	if newOffset < 0 {
		return fl.offset, fmt.Errorf("cannot set offset %d before start of file", offset)
	}
	fl.offset = newOffset
	return fl.offset, nil
}

// Truncate changes the size of the file
func (fl *File) Truncate(size int64) error {
	if fl.closed {
		return os.ErrClosed
	}
	if !fl.isReadWrite {
		return errors.New("file not open for write")
	}
	fl.fs.mu.Lock()
	defer fl.fs.mu.Unlock()
	if err := fl.fs.failIfReadOnly(); err != nil {
		return err
	}

	t, err := fl.fs.beginTxn()
	if err != nil {
		return err
	}
	if err := fl.fs.truncateInode(t, fl.in, size); err != nil {
		t.rollback()
		return err
	}
	return t.commit()
}

// truncateInode resizes an inode, releasing trailing extents on shrink
// and zero-filling on grow. The partially used last extent stays
// intact.
func (fs *FileSystem) truncateInode(t *txn, in *Inode, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", ErrOutOfRange, size)
	}
	if size > MaxFilesize {
		return fmt.Errorf("%w: size %d exceeds maximum file size", ErrFileTooBig, size)
	}
	if size > int64(in.size) {
		if err := fs.zeroRange(t, in, int64(in.size), size); err != nil {
			return err
		}
	}

	newBlocks := uint32(size/BlockSize) + 1
	if size%BlockSize != 0 {
		newBlocks++
	}
	if newBlocks < in.blocks {
		if err := fs.truncateExtents(t, in, newBlocks); err != nil {
			return err
		}
	}
	in.size = uint32(size)
	in.blocks = newBlocks
	in.touchTimes(true, false, true)
	return fs.writeInode(t, in)
}

// Close releases the file handle
func (fl *File) Close() error {
	if fl.closed {
		return os.ErrClosed
	}
	fl.fs.mu.Lock()
	defer fl.fs.mu.Unlock()
	fl.fs.iput(fl.in)
	fl.closed = true
	return nil
}

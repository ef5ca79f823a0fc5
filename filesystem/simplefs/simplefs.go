// Package simplefs implements an extent-mapped block filesystem.
//
// The on-disk layout is a superblock at block 0, a sequential inode
// store, one free-inode bitmap and one free-block bitmap, then the data
// area. Every file and directory owns a single extent-table block
// mapping logical blocks to contiguous 8-block runs. Directory data
// blocks hold fixed-size filename records kept densely packed.
//
// The package consumes an abstract block device
// (github.com/diskfs/go-simplefs/backend) and optionally a second
// device holding a write-ahead journal that protects metadata blocks.
package simplefs

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-simplefs/backend"
	"github.com/diskfs/go-simplefs/filesystem"
)

const (
	// BlockSize fixed 4 KiB unit of device I/O
	BlockSize = backend.BlockSize
	// Magic identifies a valid image in the superblock
	Magic uint32 = 0xDEADCE11
	// FilenameLen maximum filename byte length
	FilenameLen = 255
	// fileRecordSize one directory record: u32 inode + name bytes
	fileRecordSize = 4 + FilenameLen
	// FilesPerBlock how many directory records fit in one block
	FilesPerBlock = BlockSize / fileRecordSize
	// ExtentBlocks every allocation is a run of this many blocks
	ExtentBlocks = 8
	// extentRecordSize one extent record: ee_block, ee_len, ee_start
	extentRecordSize = 12
	// MaxExtents extent records that fit in a table block after the u32 header
	MaxExtents = (BlockSize - 4) / extentRecordSize
	// FilesPerExt directory records reachable through one extent
	FilesPerExt = FilesPerBlock * ExtentBlocks
	// MaxSubfiles directory entry capacity
	MaxSubfiles = FilesPerExt * MaxExtents
	// MaxFilesize largest file the extent table can map
	MaxFilesize = ExtentBlocks * BlockSize * MaxExtents
	// inodeSize one on-disk inode record
	inodeSize = 72
	// InodesPerBlock inode records per inode-store block
	InodesPerBlock = BlockSize / inodeSize
	// superblockNr block number of the superblock
	superblockNr = 0
	// rootIno the root directory inode; inode 0 stays reserved so 0 can
	// mean "no allocation"
	rootIno = 1
	// symlinkDataLen inline symlink capacity, including the terminating NUL
	symlinkDataLen = 32
)

var log = logrus.New()

func init() {
	log.SetLevel(logrus.WarnLevel)
}

// SetLogger replaces the package logger
func SetLogger(l *logrus.Logger) {
	log = l
}

// FileSystem implements filesystem.FileSystem on top of a block device
type FileSystem struct {
	dev     backend.BlockDevice
	cache   *bufferCache
	sb      *superblock
	icache  *inodeCache
	journal *journal

	// mu serializes namespace-mutating operations; per-inode
	// serialization the hosting VFS would provide
	mu       sync.Mutex
	readOnly bool

	root *Inode
}

// interface guard
var _ filesystem.FileSystem = (*FileSystem)(nil)

// Type returns the type of filesystem
func (fs *FileSystem) Type() filesystem.Type {
	return filesystem.TypeSimplefs
}

// Mount reads the superblock from dev, loads the free-space bitmaps and
// the root inode, and replays the journal if one is attached.
func Mount(dev backend.BlockDevice, opts *Options) (*FileSystem, error) {
	if opts == nil {
		opts = &Options{}
	}
	fs := &FileSystem{
		dev:      dev,
		cache:    newBufferCache(dev),
		icache:   newInodeCache(),
		readOnly: opts.ReadOnly,
	}

	// journal first: committed transactions must be replayed before the
	// superblock and bitmaps are trusted
	jdev, err := opts.journalDevice()
	if err != nil {
		return nil, err
	}
	if jdev != nil {
		j, err := openJournal(jdev)
		if err != nil {
			return nil, err
		}
		if opts.ReadOnly {
			if j.sb.start != 0 {
				return nil, fmt.Errorf("%w: journal holds committed transactions, cannot replay on a read-only mount", ErrJournal)
			}
		} else if err := j.replay(dev); err != nil {
			return nil, err
		}
		fs.journal = j
	}

	sb, err := readSuperblock(fs.cache)
	if err != nil {
		return nil, err
	}
	fs.sb = sb

	root, err := fs.iget(rootIno)
	if err != nil {
		return nil, fmt.Errorf("could not load root inode: %w", err)
	}
	if !root.isDir() {
		return nil, fmt.Errorf("%w: root inode is not a directory", ErrBadImage)
	}
	fs.root = root

	log.WithFields(logrus.Fields{
		"blocks":      sb.nrBlocks,
		"inodes":      sb.nrInodes,
		"free_blocks": sb.nrFreeBlocks,
		"free_inodes": sb.nrFreeInodes,
		"journal":     fs.journal != nil,
	}).Debug("mounted filesystem")

	return fs, nil
}

// Sync rewrites the superblock record and flushes both bitmaps and all
// dirty buffers to the device
func (fs *FileSystem) Sync() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.syncLocked()
}

func (fs *FileSystem) syncLocked() error {
	if fs.readOnly {
		return nil
	}
	if err := fs.sb.flush(fs.cache); err != nil {
		return err
	}
	return fs.cache.flush()
}

// Unmount syncs and drops all caches. If a journal is attached it is
// destroyed cleanly first.
func (fs *FileSystem) Unmount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.journal != nil {
		if err := fs.journal.destroy(); err != nil {
			return err
		}
		fs.journal = nil
	}
	if err := fs.syncLocked(); err != nil {
		return err
	}
	fs.cache.dropClean()
	fs.icache.drop()
	fs.root = nil
	return nil
}

// Statfs holds filesystem-wide counters
type Statfs struct {
	Magic      uint32
	BlockSize  uint32
	Blocks     uint32
	FreeBlocks uint32
	Inodes     uint32
	FreeInodes uint32
	NameLen    uint32
}

// Stat reports filesystem-wide counters
func (fs *FileSystem) Stat() Statfs {
	fs.sb.mu.Lock()
	defer fs.sb.mu.Unlock()
	return Statfs{
		Magic:      Magic,
		BlockSize:  BlockSize,
		Blocks:     fs.sb.nrBlocks,
		FreeBlocks: fs.sb.nrFreeBlocks,
		Inodes:     fs.sb.nrInodes,
		FreeInodes: fs.sb.nrFreeInodes,
		NameLen:    FilenameLen,
	}
}

// failIfReadOnly guards every mutating entry point on a read-only mount
// or after a journal abort
func (fs *FileSystem) failIfReadOnly() error {
	if fs.readOnly {
		return ErrReadOnly
	}
	return nil
}

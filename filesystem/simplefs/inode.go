package simplefs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// file type bits of the on-disk i_mode field
const (
	modeFormat    uint32 = 0xF000
	modeDirectory uint32 = 0x4000
	modeRegular   uint32 = 0x8000
	modeSymlink   uint32 = 0xA000
	modePermMask  uint32 = 0x0FFF
)

// Inode is the in-memory state of one on-disk inode record. The extent
// table block number (eiBlock) and the inline symlink bytes are the
// filesystem-specific part; the rest mirrors the record.
type Inode struct {
	ino    uint32
	mode   uint32
	uid    uint32
	gid    uint32
	size   uint32
	ctime  uint32
	atime  uint32
	mtime  uint32
	blocks uint32
	nlink  uint32
	// eiBlock identifies the extent table block iff file or directory
	eiBlock uint32
	symlink [symlinkDataLen]byte

	refs int
}

// Ino the inode number
func (in *Inode) Ino() uint32 { return in.ino }

// Size the file size in bytes
func (in *Inode) Size() int64 { return int64(in.size) }

// Nlink the hard link count
func (in *Inode) Nlink() uint32 { return in.nlink }

// Mode the raw mode word
func (in *Inode) Mode() uint32 { return in.mode }

func (in *Inode) isDir() bool     { return in.mode&modeFormat == modeDirectory }
func (in *Inode) isRegular() bool { return in.mode&modeFormat == modeRegular }
func (in *Inode) isSymlink() bool { return in.mode&modeFormat == modeSymlink }

// linkTarget the inline symlink content up to the terminating NUL
func (in *Inode) linkTarget() string {
	for i, c := range in.symlink {
		if c == 0 {
			return string(in.symlink[:i])
		}
	}
	return string(in.symlink[:])
}

func (in *Inode) touchTimes(ctime, atime, mtime bool) {
	now := uint32(time.Now().Unix())
	if ctime {
		in.ctime = now
	}
	if atime {
		in.atime = now
	}
	if mtime {
		in.mtime = now
	}
}

// inodeFromBytes decodes the record at shift within an inode store block
func inodeFromBytes(b []byte, ino uint32) *Inode {
	in := Inode{
		ino:     ino,
		mode:    binary.LittleEndian.Uint32(b[0:4]),
		uid:     binary.LittleEndian.Uint32(b[4:8]),
		gid:     binary.LittleEndian.Uint32(b[8:12]),
		size:    binary.LittleEndian.Uint32(b[12:16]),
		ctime:   binary.LittleEndian.Uint32(b[16:20]),
		atime:   binary.LittleEndian.Uint32(b[20:24]),
		mtime:   binary.LittleEndian.Uint32(b[24:28]),
		blocks:  binary.LittleEndian.Uint32(b[28:32]),
		nlink:   binary.LittleEndian.Uint32(b[32:36]),
		eiBlock: binary.LittleEndian.Uint32(b[36:40]),
	}
	copy(in.symlink[:], b[40:40+symlinkDataLen])
	return &in
}

// toBytes encodes the record into its fixed inodeSize bytes
func (in *Inode) toBytes() []byte {
	b := make([]byte, inodeSize)
	binary.LittleEndian.PutUint32(b[0:4], in.mode)
	binary.LittleEndian.PutUint32(b[4:8], in.uid)
	binary.LittleEndian.PutUint32(b[8:12], in.gid)
	binary.LittleEndian.PutUint32(b[12:16], in.size)
	binary.LittleEndian.PutUint32(b[16:20], in.ctime)
	binary.LittleEndian.PutUint32(b[20:24], in.atime)
	binary.LittleEndian.PutUint32(b[24:28], in.mtime)
	binary.LittleEndian.PutUint32(b[28:32], in.blocks)
	binary.LittleEndian.PutUint32(b[32:36], in.nlink)
	binary.LittleEndian.PutUint32(b[36:40], in.eiBlock)
	copy(b[40:40+symlinkDataLen], in.symlink[:])
	return b
}

// inodeCache allocates and tracks in-memory inode state. Inodes are
// shared with any active lookup; memory is reclaimed only after all
// references drop.
type inodeCache struct {
	mu     sync.Mutex
	inodes map[uint32]*Inode
}

func newInodeCache() *inodeCache {
	return &inodeCache{
		inodes: make(map[uint32]*Inode),
	}
}

func (c *inodeCache) lookup(ino uint32) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.inodes[ino]; ok {
		in.refs++
		return in
	}
	return nil
}

func (c *inodeCache) insert(in *Inode) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	// a racing lookup may have inserted the same inode first
	if existing, ok := c.inodes[in.ino]; ok {
		existing.refs++
		return existing
	}
	in.refs = 1
	c.inodes[in.ino] = in
	return in
}

func (c *inodeCache) put(in *Inode) {
	if in == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	in.refs--
	if in.refs <= 0 {
		delete(c.inodes, in.ino)
	}
}

func (c *inodeCache) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inodes = make(map[uint32]*Inode)
}

// inodeLocation device block and in-block shift for an inode number
func inodeLocation(ino uint32) (block uint32, shift uint32) {
	return ino/InodesPerBlock + 1, ino % InodesPerBlock
}

// iget returns the inode for ino, from the cache or decoded from the
// inode store. The caller must iput it when done.
func (fs *FileSystem) iget(ino uint32) (*Inode, error) {
	if ino >= fs.sb.nrInodes {
		return nil, fmt.Errorf("%w: inode %d, filesystem has %d", ErrOutOfRange, ino, fs.sb.nrInodes)
	}
	if in := fs.icache.lookup(ino); in != nil {
		return in, nil
	}

	block, shift := inodeLocation(ino)
	bh, err := fs.cache.bread(block)
	if err != nil {
		return nil, err
	}
	in := inodeFromBytes(bh.data[shift*inodeSize:(shift+1)*inodeSize], ino)
	fs.cache.brelse(bh)

	return fs.icache.insert(in), nil
}

func (fs *FileSystem) iput(in *Inode) {
	fs.icache.put(in)
}

// writeInode encodes the inode back into the store under the current
// transaction. Silently ignored if the number is out of range.
func (fs *FileSystem) writeInode(t *txn, in *Inode) error {
	if in.ino >= fs.sb.nrInodes {
		return nil
	}
	block, shift := inodeLocation(in.ino)
	bh, err := fs.cache.bread(block)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)
	if err := t.getWriteAccess(bh); err != nil {
		return err
	}
	copy(bh.data[shift*inodeSize:(shift+1)*inodeSize], in.toBytes())
	t.dirtyMetadata(bh)
	return nil
}

// newInode allocates an inode number and, except for symlinks, one
// block for its extent table. Ownership comes from dir, the type from
// mode. Directories start with nlink 2 for . and .. and a full-block
// size; files start empty.
func (fs *FileSystem) newInode(t *txn, dir *Inode, mode uint32) (*Inode, error) {
	switch mode & modeFormat {
	case modeDirectory, modeRegular, modeSymlink:
	default:
		return nil, fmt.Errorf("file type %#x not supported (only directory, regular file and symlink)", mode&modeFormat)
	}

	if fs.sb.freeInodes() == 0 || fs.sb.freeBlocks() == 0 {
		return nil, fmt.Errorf("%w: no free inodes or blocks", ErrNoSpace)
	}

	ino := fs.sb.allocInode()
	if ino == 0 {
		return nil, fmt.Errorf("%w: inode bitmap exhausted", ErrNoSpace)
	}

	in := &Inode{
		ino:  ino,
		mode: mode,
		uid:  dir.uid,
		gid:  dir.gid,
	}
	in.touchTimes(true, true, true)

	if in.isSymlink() {
		in.nlink = 1
		return fs.icache.insert(in), nil
	}

	// one block for the extent table
	bno := fs.sb.allocBlocks(1)
	if bno == 0 {
		fs.sb.putInode(ino)
		return nil, fmt.Errorf("%w: block bitmap exhausted", ErrNoSpace)
	}
	in.eiBlock = bno
	in.blocks = 1
	if in.isDir() {
		in.size = BlockSize
		in.nlink = 2
	} else {
		in.nlink = 1
	}

	// scrub the new extent table so stale data cannot masquerade as
	// live extents
	if err := fs.zeroBlock(t, bno); err != nil {
		fs.sb.putBlocks(bno, 1)
		fs.sb.putInode(ino)
		return nil, err
	}

	return fs.icache.insert(in), nil
}

// zeroBlock clears a metadata block under the current transaction
func (fs *FileSystem) zeroBlock(t *txn, bno uint32) error {
	bh, err := fs.cache.bread(bno)
	if err != nil {
		return err
	}
	defer fs.cache.brelse(bh)
	if err := t.getWriteAccess(bh); err != nil {
		return err
	}
	for i := range bh.data {
		bh.data[i] = 0
	}
	t.dirtyMetadata(bh)
	return nil
}

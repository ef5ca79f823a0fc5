package simplefs

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-simplefs/backend"
)

// journal block types
type journalBlockType uint32

const (
	journalBlockTypeDescriptor journalBlockType = 1
	journalBlockTypeCommit     journalBlockType = 2

	// journal magic number, "JRN1"
	journalMagic uint32 = 0x4A524E31

	// journalSuperblockSize bytes of the journal superblock record
	journalSuperblockSize = 36

	// maxTagsPerDescriptor how many block tags fit one descriptor block
	maxTagsPerDescriptor = (BlockSize - 16) / 4
)

// journalSuperblock sits in block 0 of the journal device
type journalSuperblock struct {
	magic     uint32
	blockSize uint32
	maxLen    uint32
	sequence  uint32
	// start is the first block of the oldest uncheckpointed
	// transaction; 0 means the log is empty
	start uint32
	uuid  uuid.UUID
}

func journalSuperblockFromBytes(b []byte) (*journalSuperblock, error) {
	if len(b) < journalSuperblockSize {
		return nil, fmt.Errorf("journal superblock requires %d bytes, got %d", journalSuperblockSize, len(b))
	}
	js := journalSuperblock{
		magic:     binary.LittleEndian.Uint32(b[0:4]),
		blockSize: binary.LittleEndian.Uint32(b[4:8]),
		maxLen:    binary.LittleEndian.Uint32(b[8:12]),
		sequence:  binary.LittleEndian.Uint32(b[12:16]),
		start:     binary.LittleEndian.Uint32(b[16:20]),
	}
	copy(js.uuid[:], b[20:36])
	if js.magic != journalMagic {
		return nil, fmt.Errorf("%w: journal magic %#x, expected %#x", ErrJournal, js.magic, journalMagic)
	}
	if js.blockSize != BlockSize {
		return nil, fmt.Errorf("%w: journal block size %d, expected %d", ErrJournal, js.blockSize, BlockSize)
	}
	return &js, nil
}

func (js *journalSuperblock) toBytes() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], js.magic)
	binary.LittleEndian.PutUint32(b[4:8], js.blockSize)
	binary.LittleEndian.PutUint32(b[8:12], js.maxLen)
	binary.LittleEndian.PutUint32(b[12:16], js.sequence)
	binary.LittleEndian.PutUint32(b[16:20], js.start)
	copy(b[20:36], js.uuid[:])
	return b
}

// journal is a write-ahead log of metadata buffer modifications on its
// own block device. Data blocks are never part of a transaction.
type journal struct {
	dev     backend.BlockDevice
	sb      *journalSuperblock
	aborted bool
}

// FormatJournal lays down an empty journal on dev
func FormatJournal(dev backend.BlockDevice) error {
	count, err := dev.BlockCount()
	if err != nil {
		return fmt.Errorf("%w: could not size journal device: %v", ErrJournal, err)
	}
	if count < 4 {
		return fmt.Errorf("%w: journal device of %d blocks is too small", ErrJournal, count)
	}
	js := journalSuperblock{
		magic:     journalMagic,
		blockSize: BlockSize,
		maxLen:    count,
		sequence:  1,
		uuid:      uuid.New(),
	}
	if err := dev.WriteBlock(0, js.toBytes()); err != nil {
		return fmt.Errorf("%w: writing journal superblock: %v", ErrJournal, err)
	}
	return dev.Flush()
}

func openJournal(dev backend.BlockDevice) (*journal, error) {
	b := make([]byte, BlockSize)
	if err := dev.ReadBlock(0, b); err != nil {
		return nil, fmt.Errorf("%w: reading journal superblock: %v", ErrJournal, err)
	}
	js, err := journalSuperblockFromBytes(b)
	if err != nil {
		return nil, err
	}
	return &journal{
		dev: dev,
		sb:  js,
	}, nil
}

// replay applies every committed, uncheckpointed transaction to the
// main device in order. A descriptor without its commit block ends the
// walk; that transaction is discarded.
func (j *journal) replay(main backend.BlockDevice) error {
	if j.sb.start == 0 {
		return nil
	}
	log.WithFields(logrus.Fields{
		"uuid":     j.sb.uuid.String(),
		"start":    j.sb.start,
		"sequence": j.sb.sequence,
	}).Info("replaying journal")

	var (
		pos      = j.sb.start
		seq      = j.sb.sequence
		replayed int
	)
	block := make([]byte, BlockSize)
	for pos+1 < j.sb.maxLen {
		if err := j.dev.ReadBlock(pos, block); err != nil {
			return fmt.Errorf("%w: reading journal block %d: %v", ErrJournal, pos, err)
		}
		magic := binary.LittleEndian.Uint32(block[0:4])
		btype := journalBlockType(binary.LittleEndian.Uint32(block[4:8]))
		bseq := binary.LittleEndian.Uint32(block[8:12])
		if magic != journalMagic || btype != journalBlockTypeDescriptor || bseq != seq {
			break
		}
		ntags := binary.LittleEndian.Uint32(block[12:16])
		if ntags == 0 || ntags > maxTagsPerDescriptor || pos+1+ntags >= j.sb.maxLen {
			break
		}
		tags := make([]uint32, ntags)
		for i := uint32(0); i < ntags; i++ {
			tags[i] = binary.LittleEndian.Uint32(block[16+i*4 : 20+i*4])
		}

		// the commit block must be present for the transaction to count
		commit := make([]byte, BlockSize)
		if err := j.dev.ReadBlock(pos+1+ntags, commit); err != nil {
			return fmt.Errorf("%w: reading journal block %d: %v", ErrJournal, pos+1+ntags, err)
		}
		if binary.LittleEndian.Uint32(commit[0:4]) != journalMagic ||
			journalBlockType(binary.LittleEndian.Uint32(commit[4:8])) != journalBlockTypeCommit ||
			binary.LittleEndian.Uint32(commit[8:12]) != seq {
			break
		}

		for i, fsBlock := range tags {
			if err := j.dev.ReadBlock(pos+1+uint32(i), block); err != nil {
				return fmt.Errorf("%w: reading journal block %d: %v", ErrJournal, pos+1+uint32(i), err)
			}
			if err := main.WriteBlock(fsBlock, block); err != nil {
				return fmt.Errorf("%w: replaying block %d: %v", ErrJournal, fsBlock, err)
			}
		}
		replayed++
		pos += 2 + ntags
		seq++
	}
	if err := main.Flush(); err != nil {
		return fmt.Errorf("%w: flushing replayed blocks: %v", ErrJournal, err)
	}

	// checkpointed: reset the log
	j.sb.start = 0
	j.sb.sequence = seq
	if err := j.writeSuper(); err != nil {
		return err
	}
	log.WithField("transactions", replayed).Info("journal replay complete")
	return nil
}

func (j *journal) writeSuper() error {
	if err := j.dev.WriteBlock(0, j.sb.toBytes()); err != nil {
		return fmt.Errorf("%w: writing journal superblock: %v", ErrJournal, err)
	}
	if err := j.dev.Flush(); err != nil {
		return fmt.Errorf("%w: flushing journal superblock: %v", ErrJournal, err)
	}
	return nil
}

// destroy checkpoints nothing (commit already checkpoints) and closes
// the journal device
func (j *journal) destroy() error {
	if j.aborted {
		return j.dev.Close()
	}
	if err := j.writeSuper(); err != nil {
		return err
	}
	return j.dev.Close()
}

// preImage remembers a buffer's content before its first modification
// in a transaction
type preImage struct {
	data     []byte
	wasDirty bool
}

// txn wraps one metadata mutation. With no journal attached the
// transaction degrades to dirty-buffer tracking with rollback; ordering
// then relies on the block cache's write-back.
type txn struct {
	fs    *FileSystem
	pre   map[uint32]preImage
	bufs  map[uint32]*buffer
	order []uint32
	done  bool
}

// beginTxn opens a transaction. Fails with ErrJournal if the journal
// has been aborted.
func (fs *FileSystem) beginTxn() (*txn, error) {
	if err := fs.failIfReadOnly(); err != nil {
		return nil, err
	}
	if fs.journal != nil && fs.journal.aborted {
		return nil, ErrJournal
	}
	return &txn{
		fs:   fs,
		pre:  make(map[uint32]preImage),
		bufs: make(map[uint32]*buffer),
	}, nil
}

// getWriteAccess must precede any mutation of the buffer's content; it
// records the pre-image for rollback
func (t *txn) getWriteAccess(bh *buffer) error {
	if t.done {
		return fmt.Errorf("%w: transaction already closed", ErrJournal)
	}
	if _, ok := t.pre[bh.blockNo]; ok {
		return nil
	}
	data := make([]byte, len(bh.data))
	copy(data, bh.data)
	t.pre[bh.blockNo] = preImage{
		data:     data,
		wasDirty: bh.dirty,
	}
	return nil
}

// dirtyMetadata declares the buffer's post-image ready to commit
func (t *txn) dirtyMetadata(bh *buffer) {
	bh.markDirty()
	if _, ok := t.bufs[bh.blockNo]; !ok {
		t.bufs[bh.blockNo] = bh
		t.order = append(t.order, bh.blockNo)
	}
}

// stageSuperblock folds the superblock record and the bitmap blocks
// touched by this transaction into the commit set
func (t *txn) stageSuperblock() error {
	fs := t.fs
	bh, err := fs.cache.bread(superblockNr)
	if err != nil {
		return err
	}
	if err := t.getWriteAccess(bh); err != nil {
		fs.cache.brelse(bh)
		return err
	}
	copy(bh.data, fs.sb.toBytes())
	t.dirtyMetadata(bh)
	fs.cache.brelse(bh)

	fs.sb.mu.Lock()
	defer fs.sb.mu.Unlock()
	if err := t.stageBitmapLocked(fs.sb.ifree.ToBytes(), fs.sb.ifreeStart(), fs.sb.dirtyIfree); err != nil {
		return err
	}
	return t.stageBitmapLocked(fs.sb.bfree.ToBytes(), fs.sb.bfreeStart(), fs.sb.dirtyBfree)
}

func (t *txn) stageBitmapLocked(raw []byte, start uint32, dirty map[uint32]bool) error {
	fs := t.fs
	for idx := range dirty {
		bh, err := fs.cache.bread(start + idx)
		if err != nil {
			return err
		}
		if err := t.getWriteAccess(bh); err != nil {
			fs.cache.brelse(bh)
			return err
		}
		copy(bh.data, raw[int(idx)*BlockSize:int(idx)*BlockSize+BlockSize])
		t.dirtyMetadata(bh)
		fs.cache.brelse(bh)
		delete(dirty, idx)
	}
	return nil
}

// commit durably records the transaction. With a journal: data blocks
// already sit on the main device (ordered-data), the descriptor,
// post-images and commit record go to the log, then the post-images are
// checkpointed to the main device and the log is reset. Without a
// journal the dirty buffers simply stay cached for write-back.
// A journal write failure aborts the journal and the filesystem goes
// read-only.
func (t *txn) commit() error {
	if t.done {
		return fmt.Errorf("%w: transaction already closed", ErrJournal)
	}
	fs := t.fs
	if fs.journal == nil {
		t.done = true
		return nil
	}

	if err := t.stageSuperblock(); err != nil {
		t.done = true
		t.restore()
		return err
	}
	t.done = true
	if len(t.order) == 0 {
		return nil
	}
	if err := fs.journal.writeTransaction(fs, t); err != nil {
		fs.journal.aborted = true
		fs.readOnly = true
		log.WithField("err", err).Error("journal commit failed, filesystem is now read-only")
		return fmt.Errorf("%w: %v", ErrJournal, err)
	}
	return nil
}

func (j *journal) writeTransaction(fs *FileSystem, t *txn) error {
	ntags := uint32(len(t.order))
	if ntags > maxTagsPerDescriptor {
		return fmt.Errorf("transaction of %d blocks exceeds descriptor capacity %d", ntags, maxTagsPerDescriptor)
	}
	if 2+ntags >= j.sb.maxLen {
		return fmt.Errorf("transaction of %d blocks exceeds journal size %d", ntags, j.sb.maxLen)
	}

	// ordered-data: file data must be on the main device before the
	// commit record exists
	if err := fs.dev.Flush(); err != nil {
		return fmt.Errorf("flushing data blocks: %v", err)
	}

	seq := j.sb.sequence
	desc := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(desc[0:4], journalMagic)
	binary.LittleEndian.PutUint32(desc[4:8], uint32(journalBlockTypeDescriptor))
	binary.LittleEndian.PutUint32(desc[8:12], seq)
	binary.LittleEndian.PutUint32(desc[12:16], ntags)
	for i, blockNo := range t.order {
		binary.LittleEndian.PutUint32(desc[16+i*4:20+i*4], blockNo)
	}
	if err := j.dev.WriteBlock(1, desc); err != nil {
		return fmt.Errorf("writing descriptor: %v", err)
	}
	for i, blockNo := range t.order {
		if err := j.dev.WriteBlock(2+uint32(i), t.bufs[blockNo].data); err != nil {
			return fmt.Errorf("writing post-image of block %d: %v", blockNo, err)
		}
	}
	commit := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(commit[0:4], journalMagic)
	binary.LittleEndian.PutUint32(commit[4:8], uint32(journalBlockTypeCommit))
	binary.LittleEndian.PutUint32(commit[8:12], seq)
	if err := j.dev.WriteBlock(2+ntags, commit); err != nil {
		return fmt.Errorf("writing commit record: %v", err)
	}
	if err := j.dev.Flush(); err != nil {
		return fmt.Errorf("flushing journal: %v", err)
	}

	// the transaction is durable; point the log at it until the
	// checkpoint below completes
	j.sb.start = 1
	if err := j.writeSuper(); err != nil {
		return err
	}

	// checkpoint the post-images to the main device
	for _, blockNo := range t.order {
		if err := fs.cache.writeBuffer(t.bufs[blockNo]); err != nil {
			return fmt.Errorf("checkpointing block %d: %v", blockNo, err)
		}
	}
	if err := fs.dev.Flush(); err != nil {
		return fmt.Errorf("flushing checkpoint: %v", err)
	}

	j.sb.start = 0
	j.sb.sequence = seq + 1
	return j.writeSuper()
}

// rollback restores every touched buffer to its pre-image; in-memory
// bookkeeping the operation changed is the caller's to undo
func (t *txn) rollback() {
	if t.done {
		return
	}
	t.done = true
	t.restore()
}

func (t *txn) restore() {
	fs := t.fs
	for blockNo, pre := range t.pre {
		bh, err := fs.cache.bread(blockNo)
		if err != nil {
			log.WithFields(logrus.Fields{
				"block": blockNo,
				"err":   err,
			}).Warn("could not roll back buffer")
			continue
		}
		copy(bh.data, pre.data)
		bh.dirty = pre.wasDirty
		fs.cache.brelse(bh)
	}
}

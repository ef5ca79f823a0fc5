package simplefs

import (
	"os"
	"testing"

	"github.com/jacobsa/syncutil"

	"github.com/diskfs/go-simplefs/backend"
	"github.com/diskfs/go-simplefs/backend/mem"
)

// writeFlags the usual create-or-open-for-write flag set
const writeFlags = os.O_RDWR | os.O_CREATE

func init() {
	// every test run validates the counters-match-popcount invariant on
	// each superblock lock crossing
	syncutil.EnableInvariantChecking()
}

// geometry of the standard 200-block test image:
//
//	block 0        superblock
//	blocks 1-4     inode store (224 inodes, 56 per block)
//	block 5        inode bitmap
//	block 6        block bitmap
//	blocks 7-199   data area, root extent table at block 7
const (
	testImageBlocks    = 200
	testImageInodes    = 224
	testImageIstore    = 4
	testImageFirstData = 7
	// inode 0 reserved, inode 1 root
	testImageFreeInodes = testImageInodes - 2
	// data area minus the root extent table
	testImageFreeBlocks = testImageBlocks - testImageFirstData - 1
)

// newTestDevice returns a formatted in-memory 200-block device
func newTestDevice(t *testing.T) backend.BlockDevice {
	t.Helper()
	dev := mem.New(testImageBlocks)
	if err := Create(dev); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return dev
}

// newTestFS mounts a fresh 200-block image
func newTestFS(t *testing.T) (*FileSystem, backend.BlockDevice) {
	t.Helper()
	dev := newTestDevice(t)
	fs, err := Mount(dev, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs, dev
}

// newTestFSWithJournal mounts a fresh image with an external in-memory
// journal device
func newTestFSWithJournal(t *testing.T) (*FileSystem, backend.BlockDevice, backend.BlockDevice) {
	t.Helper()
	dev := newTestDevice(t)
	jdev := mem.New(64)
	if err := FormatJournal(jdev); err != nil {
		t.Fatalf("FormatJournal: %v", err)
	}
	fs, err := Mount(dev, &Options{Journal: jdev})
	if err != nil {
		t.Fatalf("Mount with journal: %v", err)
	}
	return fs, dev, jdev
}

// snapshotDevice copies every block of a device
func snapshotDevice(t *testing.T, dev backend.BlockDevice) []byte {
	t.Helper()
	count, err := dev.BlockCount()
	if err != nil {
		t.Fatalf("BlockCount: %v", err)
	}
	out := make([]byte, int(count)*BlockSize)
	block := make([]byte, BlockSize)
	for i := uint32(0); i < count; i++ {
		if err := dev.ReadBlock(i, block); err != nil {
			t.Fatalf("ReadBlock(%d): %v", i, err)
		}
		copy(out[int(i)*BlockSize:], block)
	}
	return out
}

// readRaw reads one raw block straight from the device
func readRaw(t *testing.T, dev backend.BlockDevice, n uint32) []byte {
	t.Helper()
	b := make([]byte, BlockSize)
	if err := dev.ReadBlock(n, b); err != nil {
		t.Fatalf("ReadBlock(%d): %v", n, err)
	}
	return b
}

// mustWriteFile creates a file with the given content
func mustWriteFile(t *testing.T, fs *FileSystem, path string, content []byte) {
	t.Helper()
	f, err := fs.OpenFile(path, writeFlags)
	if err != nil {
		t.Fatalf("OpenFile(%s): %v", path, err)
	}
	if len(content) > 0 {
		n, err := f.Write(content)
		if err != nil {
			t.Fatalf("Write(%s): %v", path, err)
		}
		if n != len(content) {
			t.Fatalf("Write(%s) = %d bytes, want %d", path, n, len(content))
		}
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close(%s): %v", path, err)
	}
}

// mustReadFile reads a whole file
func mustReadFile(t *testing.T, fs *FileSystem, path string) []byte {
	t.Helper()
	f, err := fs.OpenFile(path, 0)
	if err != nil {
		t.Fatalf("OpenFile(%s): %v", path, err)
	}
	defer f.Close()
	var out []byte
	buf := make([]byte, 8192)
	for {
		n, err := f.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return out
}

// inodeOf resolves a path to its inode for white-box assertions
func inodeOf(t *testing.T, fs *FileSystem, path string) *Inode {
	t.Helper()
	in, err := fs.namei(path)
	if err != nil {
		t.Fatalf("namei(%s): %v", path, err)
	}
	fs.iput(in)
	return in
}

package simplefs

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
)

func TestSuperblockToBytesRoundTrip(t *testing.T) {
	sb := superblock{
		magic:          Magic,
		nrBlocks:       200,
		nrInodes:       224,
		nrIstoreBlocks: 4,
		nrIfreeBlocks:  1,
		nrBfreeBlocks:  1,
		nrFreeInodes:   222,
		nrFreeBlocks:   192,
	}
	b := sb.toBytes()
	require.Len(t, b, BlockSize)

	decoded, err := superblockFromBytes(b)
	require.NoError(t, err)

	deep.CompareUnexportedFields = true
	if diff := deep.Equal(sb.nrBlocks, decoded.nrBlocks); diff != nil {
		t.Errorf("nrBlocks differs: %v", diff)
	}
	require.Equal(t, sb.nrInodes, decoded.nrInodes)
	require.Equal(t, sb.nrIstoreBlocks, decoded.nrIstoreBlocks)
	require.Equal(t, sb.nrIfreeBlocks, decoded.nrIfreeBlocks)
	require.Equal(t, sb.nrBfreeBlocks, decoded.nrBfreeBlocks)
	require.Equal(t, sb.nrFreeInodes, decoded.nrFreeInodes)
	require.Equal(t, sb.nrFreeBlocks, decoded.nrFreeBlocks)
}

// state survives an unmount/mount cycle: counters, directory contents
// and file data all come back from disk
func TestPersistenceAcrossRemount(t *testing.T) {
	fs, dev := newTestFS(t)

	require.NoError(t, fs.Mkdir("/d"))
	content := bytes.Repeat([]byte{0x42}, 6000)
	mustWriteFile(t, fs, "/d/data", content)
	freeBlocks := fs.sb.freeBlocks()
	freeInodes := fs.sb.freeInodes()
	require.NoError(t, fs.Unmount())

	fs2, err := Mount(dev, nil)
	require.NoError(t, err)
	defer fs2.Unmount()

	require.Equal(t, freeBlocks, fs2.sb.freeBlocks())
	require.Equal(t, freeInodes, fs2.sb.freeInodes())
	require.Equal(t, content, mustReadFile(t, fs2, "/d/data"))

	infos, err := fs2.ReadDir("/d")
	require.NoError(t, err)
	require.Len(t, infos, 3)

	if err := fs2.Check(); err != nil {
		t.Fatalf("Check after remount: %v", err)
	}
}

// Sync writes the counters and bitmaps; the raw superblock matches the
// in-memory state afterwards
func TestSyncWritesCounters(t *testing.T) {
	fs, dev := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/a", bytes.Repeat([]byte{1}, 5000))
	require.NoError(t, fs.Sync())

	sb, err := superblockFromBytes(readRaw(t, dev, 0))
	require.NoError(t, err)
	require.Equal(t, fs.sb.nrFreeBlocks, sb.nrFreeBlocks)
	require.Equal(t, fs.sb.nrFreeInodes, sb.nrFreeInodes)

	// on-disk inode bitmap has inode 2 in use now
	ifree := readRaw(t, dev, fs.sb.ifreeStart())
	require.EqualValues(t, 0, ifree[0]&0x7)
}

func TestStatfs(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	stat := fs.Stat()
	require.Equal(t, Magic, stat.Magic)
	require.EqualValues(t, BlockSize, stat.BlockSize)
	require.EqualValues(t, testImageBlocks, stat.Blocks)
	require.EqualValues(t, testImageInodes, stat.Inodes)
	require.EqualValues(t, testImageFreeBlocks, stat.FreeBlocks)
	require.EqualValues(t, testImageFreeInodes, stat.FreeInodes)
	require.EqualValues(t, FilenameLen, stat.NameLen)
}

func TestInodeCodecRoundTrip(t *testing.T) {
	in := Inode{
		ino:     7,
		mode:    modeRegular | 0o640,
		uid:     1000,
		gid:     1000,
		size:    12345,
		ctime:   111,
		atime:   222,
		mtime:   333,
		blocks:  4,
		nlink:   2,
		eiBlock: 42,
	}
	copy(in.symlink[:], "link-target")

	b := in.toBytes()
	require.Len(t, b, inodeSize)
	decoded := inodeFromBytes(b, 7)

	deep.CompareUnexportedFields = true
	if diff := deep.Equal(&in, decoded); diff != nil {
		t.Errorf("decoded inode differs: %v", diff)
	}
}

func TestIgetOutOfRange(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	if _, err := fs.iget(fs.sb.nrInodes); err == nil {
		t.Fatal("iget past nrInodes should fail")
	}
}

func TestIgetCaches(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	a, err := fs.iget(rootIno)
	require.NoError(t, err)
	b, err := fs.iget(rootIno)
	require.NoError(t, err)
	if a != b {
		t.Error("iget returned two instances for the same inode")
	}
	fs.iput(a)
	fs.iput(b)
}

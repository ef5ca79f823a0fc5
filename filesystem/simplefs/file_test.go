package simplefs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// a 13000-byte write maps one 8-block extent and reads back intact
func TestWriteReadBack(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	freeBefore := fs.sb.freeBlocks()

	content := bytes.Repeat([]byte{0xAB}, 13000)
	mustWriteFile(t, fs, "/a", content)

	in := inodeOf(t, fs, "/a")
	require.EqualValues(t, 13000, in.size)
	// ceil(13000/4096) data blocks plus the extent table
	require.EqualValues(t, 5, in.blocks)

	et, bh, err := fs.readExtentTable(in)
	require.NoError(t, err)
	fs.cache.brelse(bh)
	require.Equal(t, 1, et.usedCount())
	require.EqualValues(t, 0, et.extents[0].eeBlock)
	require.EqualValues(t, ExtentBlocks, et.extents[0].eeLen)

	// one extent table block plus one 8-block run
	require.Equal(t, freeBefore-1-ExtentBlocks, fs.sb.freeBlocks())

	require.Equal(t, content, mustReadFile(t, fs, "/a"))
}

func TestWriteAcrossExtents(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	// 9 blocks of data forces a second extent
	content := bytes.Repeat([]byte{0x5A}, 9*BlockSize)
	mustWriteFile(t, fs, "/big", content)

	in := inodeOf(t, fs, "/big")
	et, bh, err := fs.readExtentTable(in)
	require.NoError(t, err)
	fs.cache.brelse(bh)
	require.Equal(t, 2, et.usedCount())
	require.EqualValues(t, 8, et.extents[1].eeBlock)

	require.Equal(t, content, mustReadFile(t, fs, "/big"))
}

func TestWriteAtOffset(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/f", []byte("hello world"))

	f, err := fs.OpenFile("/f", os.O_RDWR)
	require.NoError(t, err)
	_, err = f.Seek(6, io.SeekStart)
	require.NoError(t, err)
	_, err = f.Write([]byte("there"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Equal(t, []byte("hello there"), mustReadFile(t, fs, "/f"))
}

func TestAppend(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/log", []byte("one\n"))
	f, err := fs.OpenFile("/log", os.O_RDWR|os.O_APPEND)
	require.NoError(t, err)
	_, err = f.Write([]byte("two\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Equal(t, []byte("one\ntwo\n"), mustReadFile(t, fs, "/log"))
}

// truncating into the first extent keeps it; nothing is freed
func TestTruncatePartialExtent(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/a", bytes.Repeat([]byte{0xAB}, 13000))
	freeBefore := fs.sb.freeBlocks()

	require.NoError(t, fs.Truncate("/a", 3000))

	in := inodeOf(t, fs, "/a")
	require.EqualValues(t, 3000, in.size)
	require.EqualValues(t, 2, in.blocks)

	// the 8-block extent still covers block 0; blocks 1-7 stay reserved
	et, bh, err := fs.readExtentTable(in)
	require.NoError(t, err)
	fs.cache.brelse(bh)
	require.Equal(t, 1, et.usedCount())
	require.Equal(t, freeBefore, fs.sb.freeBlocks())

	require.Equal(t, bytes.Repeat([]byte{0xAB}, 3000), mustReadFile(t, fs, "/a"))
}

func TestTruncateReleasesTrailingExtents(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/big", bytes.Repeat([]byte{1}, 9*BlockSize))
	freeBefore := fs.sb.freeBlocks()

	// drop back into the first extent: the second extent's run is freed
	require.NoError(t, fs.Truncate("/big", 2*BlockSize))

	in := inodeOf(t, fs, "/big")
	et, bh, err := fs.readExtentTable(in)
	require.NoError(t, err)
	fs.cache.brelse(bh)
	require.Equal(t, 1, et.usedCount())
	require.Equal(t, freeBefore+ExtentBlocks, fs.sb.freeBlocks())
}

func TestOpenTruncate(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/a", bytes.Repeat([]byte{7}, 3*BlockSize))
	freeBefore := fs.sb.freeBlocks()

	f, err := fs.OpenFile("/a", os.O_RDWR|os.O_TRUNC)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	in := inodeOf(t, fs, "/a")
	require.EqualValues(t, 0, in.size)
	require.EqualValues(t, 1, in.blocks)
	et, bh, err := fs.readExtentTable(in)
	require.NoError(t, err)
	fs.cache.brelse(bh)
	require.Equal(t, 0, et.usedCount())
	require.Equal(t, freeBefore+ExtentBlocks, fs.sb.freeBlocks())
}

func TestWriteBeyondMaxFilesize(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	f, err := fs.OpenFile("/a", writeFlags)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Seek(MaxFilesize-2, io.SeekStart)
	require.NoError(t, err)
	if _, err := f.Write([]byte{1, 2, 3, 4}); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("write past MaxFilesize = %v, want ErrNoSpace", err)
	}
}

func TestWritePreflightNoSpace(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	f, err := fs.OpenFile("/a", writeFlags)
	require.NoError(t, err)
	defer f.Close()

	// the image has fewer than 300 free data blocks
	want := 300 * BlockSize
	if _, err := f.Write(make([]byte, want)); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("oversized write = %v, want ErrNoSpace", err)
	}
	// nothing was allocated
	in := inodeOf(t, fs, "/a")
	require.EqualValues(t, 0, in.size)
}

// an unmapped logical block reads as zeros
func TestHoleReadsZeros(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/h", []byte("x"))
	in := inodeOf(t, fs, "/h")

	// shrink the mapping but grow the size by hand: a hole
	t2, err := fs.beginTxn()
	require.NoError(t, err)
	require.NoError(t, fs.truncateExtents(t2, in, 1))
	in.size = 100
	require.NoError(t, fs.writeInode(t2, in))
	require.NoError(t, t2.commit())

	got := mustReadFile(t, fs, "/h")
	require.Equal(t, make([]byte, 100), got)
}

// unlink returns every block and the inode to the bitmaps
func TestUnlinkReleasesEverything(t *testing.T) {
	fs, dev := newTestFS(t)
	defer fs.Unmount()

	blocksBefore := fs.sb.freeBlocks()
	inodesBefore := fs.sb.freeInodes()

	mustWriteFile(t, fs, "/a", bytes.Repeat([]byte{0xAB}, 13000))
	in := inodeOf(t, fs, "/a")
	dataStart := func() uint32 {
		et, bh, err := fs.readExtentTable(in)
		require.NoError(t, err)
		defer fs.cache.brelse(bh)
		return et.extents[0].eeStart
	}()

	require.NoError(t, fs.Remove("/a"))

	require.Equal(t, blocksBefore, fs.sb.freeBlocks())
	require.Equal(t, inodesBefore, fs.sb.freeInodes())
	count, err := fs.dirCount(fs.root)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	// data blocks were scrubbed on the way out
	require.NoError(t, fs.Sync())
	require.Equal(t, make([]byte, BlockSize), readRaw(t, dev, dataStart))

	// create/unlink left bitmaps in their pre-create state
	if err := fs.Check(); err != nil {
		t.Fatalf("Check after unlink: %v", err)
	}
}

func TestHardLink(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/a", []byte("shared"))
	require.NoError(t, fs.Link("/a", "/b"))

	a := inodeOf(t, fs, "/a")
	b := inodeOf(t, fs, "/b")
	require.Equal(t, a.Ino(), b.Ino())
	require.Equal(t, uint32(2), a.nlink)

	// dropping one name keeps the content reachable through the other
	require.NoError(t, fs.Remove("/a"))
	require.Equal(t, []byte("shared"), mustReadFile(t, fs, "/b"))
	b = inodeOf(t, fs, "/b")
	require.Equal(t, uint32(1), b.nlink)

	require.NoError(t, fs.Remove("/b"))
	if err := fs.Check(); err != nil {
		t.Fatalf("Check after link/unlink: %v", err)
	}
}

func TestHardLinkDirectoryRejected(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	require.NoError(t, fs.Mkdir("/d"))
	if err := fs.Link("/d", "/d2"); err == nil {
		t.Fatal("hard link to a directory should fail")
	}
}

func TestSymlink(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	blocksBefore := fs.sb.freeBlocks()
	require.NoError(t, fs.Symlink("/target/file", "/ln"))

	// symlinks carry their content inline: no extent table block
	require.Equal(t, blocksBefore, fs.sb.freeBlocks())

	got, err := fs.Readlink("/ln")
	require.NoError(t, err)
	require.Equal(t, "/target/file", got)

	in := inodeOf(t, fs, "/ln")
	require.True(t, in.isSymlink())
	require.EqualValues(t, len("/target/file"), in.size)
	require.Zero(t, in.eiBlock)

	require.NoError(t, fs.Remove("/ln"))
	if err := fs.Check(); err != nil {
		t.Fatalf("Check after symlink removal: %v", err)
	}
}

func TestSymlinkTargetTooLong(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	target := string(bytes.Repeat([]byte{'t'}, symlinkDataLen))
	if err := fs.Symlink(target, "/ln"); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("Symlink with %d-byte target = %v, want ErrNameTooLong", len(target), err)
	}
}

func TestReadlinkOnRegularFile(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/f", nil)
	if _, err := fs.Readlink("/f"); !errors.Is(err, ErrNotSymlink) {
		t.Fatalf("Readlink on regular file = %v, want ErrNotSymlink", err)
	}
}

// write then read at the same position returns the written bytes for
// any in-range position
func TestWriteReadRoundTripAtPositions(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	positions := []int64{0, 1, BlockSize - 1, BlockSize, 3*BlockSize + 17}
	payload := []byte("payload-bytes")
	for _, pos := range positions {
		f, err := fs.OpenFile("/rt", writeFlags)
		require.NoError(t, err)
		_, err = f.Seek(pos, io.SeekStart)
		require.NoError(t, err)
		_, err = f.Write(payload)
		require.NoError(t, err)

		_, err = f.Seek(pos, io.SeekStart)
		require.NoError(t, err)
		got := make([]byte, len(payload))
		_, err = io.ReadFull(f, got)
		require.NoError(t, err)
		require.Equal(t, payload, got, "position %d", pos)
		require.NoError(t, f.Close())
	}
}

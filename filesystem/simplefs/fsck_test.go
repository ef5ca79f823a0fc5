package simplefs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckCleanImage(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()
	require.NoError(t, fs.Check())
}

func TestCheckAfterActivity(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	require.NoError(t, fs.Mkdir("/d"))
	for i := 0; i < 30; i++ {
		mustWriteFile(t, fs, fmt.Sprintf("/d/f%d", i), []byte(strings.Repeat("x", i*100)))
	}
	for i := 0; i < 30; i += 2 {
		require.NoError(t, fs.Remove(fmt.Sprintf("/d/f%d", i)))
	}
	require.NoError(t, fs.Check())
}

// the superblock mutex validates counters-match-popcount on every
// crossing once invariant checking is on
func TestInvariantMutexDetectsCounterDrift(t *testing.T) {
	fs, _ := newTestFS(t)

	// corrupt the counter behind the mutex's back
	fs.sb.nrFreeBlocks--
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("invariant check missed the counter drift")
		}
	}()
	fs.sb.mu.Lock()
}

func TestCheckDetectsBrokenExtentChain(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/big", make([]byte, 9*BlockSize))
	in := inodeOf(t, fs, "/big")

	// break logical contiguity of the second extent
	et, bh, err := fs.readExtentTable(in)
	require.NoError(t, err)
	et.extents[1].eeBlock = 99
	copy(bh.data, et.toBytes())
	bh.markDirty()
	fs.cache.brelse(bh)

	if err := fs.Check(); err == nil {
		t.Fatal("Check missed a broken extent chain")
	}
}

func TestCheckDetectsNrFilesMismatch(t *testing.T) {
	fs, _ := newTestFS(t)
	defer fs.Unmount()

	mustWriteFile(t, fs, "/a", nil)
	mustWriteFile(t, fs, "/b", nil)

	et, bh, err := fs.readExtentTable(fs.root)
	require.NoError(t, err)
	et.nrFiles = 5
	copy(bh.data, et.toBytes())
	bh.markDirty()
	fs.cache.brelse(bh)

	if err := fs.Check(); err == nil {
		t.Fatal("Check missed an nr_files mismatch")
	}
}

package file

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/diskfs/go-simplefs/backend"
)

func TestCreateFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := CreateFromPath(path, 16*backend.BlockSize)
	if err != nil {
		t.Fatalf("CreateFromPath: %v", err)
	}
	defer dev.Close()

	count, err := dev.BlockCount()
	if err != nil {
		t.Fatalf("BlockCount: %v", err)
	}
	if count != 16 {
		t.Errorf("BlockCount = %d, want 16", count)
	}

	in := bytes.Repeat([]byte{0x42}, backend.BlockSize)
	if err := dev.WriteBlock(5, in); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	out := make([]byte, backend.BlockSize)
	if err := dev.ReadBlock(5, out); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Error("read back different bytes")
	}
}

func TestCreateFromPathExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if _, err := CreateFromPath(path, backend.BlockSize); err != nil {
		t.Fatalf("first CreateFromPath: %v", err)
	}
	if _, err := CreateFromPath(path, backend.BlockSize); err == nil {
		t.Error("CreateFromPath over an existing file should fail")
	}
}

func TestOpenFromPathMissing(t *testing.T) {
	if _, err := OpenFromPath(filepath.Join(t.TempDir(), "nope.img"), false); err == nil {
		t.Error("OpenFromPath on a missing file should fail")
	}
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := CreateFromPath(path, 4*backend.BlockSize)
	if err != nil {
		t.Fatalf("CreateFromPath: %v", err)
	}
	dev.Close()

	ro, err := OpenFromPath(path, true)
	if err != nil {
		t.Fatalf("OpenFromPath: %v", err)
	}
	defer ro.Close()
	if err := ro.WriteBlock(0, make([]byte, backend.BlockSize)); err != backend.ErrIncorrectOpenMode {
		t.Errorf("write on read-only device = %v, want ErrIncorrectOpenMode", err)
	}
}

// Package file provides a backend.BlockDevice backed by a file or a
// real block device in /dev.
package file

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/diskfs/go-simplefs/backend"
)

// BLKGETSIZE64 ioctl, returns device size in bytes
const blkGetSize64 = 0x80081272

type fileDevice struct {
	f        *os.File
	readOnly bool
}

// New wraps an already opened file as a block device
func New(f *os.File, readOnly bool) backend.BlockDevice {
	return &fileDevice{
		f:        f,
		readOnly: readOnly,
	}
}

// OpenFromPath opens a block device from a path.
// Should pass a path to a block device e.g. /dev/sda or a path to a file /tmp/foo.img
// The provided device/file must exist at the time you call OpenFromPath()
func OpenFromPath(pathName string, readOnly bool) (backend.BlockDevice, error) {
	if pathName == "" {
		return nil, errors.New("must pass device or file name")
	}

	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("provided device/file %s does not exist", pathName)
	}

	openMode := os.O_RDONLY
	if !readOnly {
		openMode |= os.O_RDWR | os.O_EXCL
	}

	f, err := os.OpenFile(pathName, openMode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s with mode %v: %w", pathName, openMode, err)
	}

	return &fileDevice{
		f:        f,
		readOnly: readOnly,
	}, nil
}

// CreateFromPath creates an image file of the given size in bytes and
// wraps it as a block device. The provided file must not exist at the
// time you call CreateFromPath()
func CreateFromPath(pathName string, size int64) (backend.BlockDevice, error) {
	if pathName == "" {
		return nil, errors.New("must pass device name")
	}
	if size <= 0 {
		return nil, errors.New("must pass valid device size to create")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_EXCL|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create device %s: %w", pathName, err)
	}
	if err := os.Truncate(pathName, size); err != nil {
		return nil, fmt.Errorf("could not expand device %s to size %d: %w", pathName, size, err)
	}

	return &fileDevice{
		f: f,
	}, nil
}

// backend.BlockDevice interface guard
var _ backend.BlockDevice = (*fileDevice)(nil)

func (d *fileDevice) ReadBlock(n uint32, b []byte) error {
	if len(b) != backend.BlockSize {
		return fmt.Errorf("buffer is %d bytes, block size is %d", len(b), backend.BlockSize)
	}
	if _, err := d.f.ReadAt(b, int64(n)*backend.BlockSize); err != nil {
		return fmt.Errorf("could not read block %d: %w", n, err)
	}
	return nil
}

func (d *fileDevice) WriteBlock(n uint32, b []byte) error {
	if d.readOnly {
		return backend.ErrIncorrectOpenMode
	}
	if len(b) != backend.BlockSize {
		return fmt.Errorf("buffer is %d bytes, block size is %d", len(b), backend.BlockSize)
	}
	if _, err := d.f.WriteAt(b, int64(n)*backend.BlockSize); err != nil {
		return fmt.Errorf("could not write block %d: %w", n, err)
	}
	return nil
}

func (d *fileDevice) Flush() error {
	return d.f.Sync()
}

// BlockCount how many whole blocks the backing file or device holds.
// Regular files report their stat size; block devices answer the
// BLKGETSIZE64 ioctl.
func (d *fileDevice) BlockCount() (uint32, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("could not stat %s: %w", d.f.Name(), err)
	}
	size := info.Size()
	if info.Mode()&os.ModeDevice != 0 {
		var devSize uint64
		if err := unixIoctlGetUint64(int(d.f.Fd()), blkGetSize64, &devSize); err != nil {
			return 0, fmt.Errorf("could not get size of device %s: %w", d.f.Name(), err)
		}
		size = int64(devSize)
	}
	return uint32(size / backend.BlockSize), nil
}

func (d *fileDevice) Close() error {
	return d.f.Close()
}

// Rdev returns the device number of the file at pathName, for selecting
// an external journal device by number.
func Rdev(pathName string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(pathName, &st); err != nil {
		return 0, fmt.Errorf("could not stat %s: %w", pathName, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, backend.ErrNotSuitable
	}
	//nolint:unconvert // Rdev is int32 on some platforms
	return uint64(st.Rdev), nil
}

func unixIoctlGetUint64(fd int, req uint, value *uint64) error {
	v, err := unix.IoctlGetInt(fd, req)
	if err != nil {
		return err
	}
	*value = uint64(v)
	return nil
}

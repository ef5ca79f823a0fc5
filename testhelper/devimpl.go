package testhelper

import (
	"fmt"

	"github.com/diskfs/go-simplefs/backend"
)

type blockReader func(n uint32, b []byte) error
type blockWriter func(n uint32, b []byte) error

// DeviceImpl implements github.com/diskfs/go-simplefs/backend.BlockDevice
// used for testing to enable stubbing out devices and injecting I/O faults
type DeviceImpl struct {
	Reader blockReader
	Writer blockWriter
	Blocks uint32
}

func (d *DeviceImpl) ReadBlock(n uint32, b []byte) error {
	return d.Reader(n, b)
}

func (d *DeviceImpl) WriteBlock(n uint32, b []byte) error {
	return d.Writer(n, b)
}

func (d *DeviceImpl) Flush() error {
	return nil
}

func (d *DeviceImpl) BlockCount() (uint32, error) {
	return d.Blocks, nil
}

func (d *DeviceImpl) Close() error {
	return nil
}

// interface guard
var _ backend.BlockDevice = (*DeviceImpl)(nil)

// ReadOnly wraps a device so that every write fails; reads pass through.
func ReadOnly(dev backend.BlockDevice) backend.BlockDevice {
	count, _ := dev.BlockCount()
	return &DeviceImpl{
		Reader: dev.ReadBlock,
		Writer: func(n uint32, _ []byte) error {
			return fmt.Errorf("write to block %d on read-only test device", n)
		},
		Blocks: count,
	}
}

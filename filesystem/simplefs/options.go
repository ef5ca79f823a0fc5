package simplefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/diskfs/go-simplefs/backend"
	backendfile "github.com/diskfs/go-simplefs/backend/file"
)

// Options control a mount. A journal can be attached three ways: an
// already opened device, a device number (the journal_dev= mount
// option) or a path to a block device (journal_path=).
type Options struct {
	// ReadOnly mounts without ever writing to the device; every
	// mutating operation fails with ErrReadOnly
	ReadOnly bool
	// Journal an already opened external journal device
	Journal backend.BlockDevice
	// JournalDev device number in the form major<<20|minor
	JournalDev uint64
	// JournalPath path to a block device holding the journal
	JournalPath string
}

// ParseOptions parses the comma-separated mount option string.
// Recognized options are journal_dev=<devnum> and journal_path=<path>;
// unrecognized options are ignored.
func ParseOptions(s string) (*Options, error) {
	opts := Options{}
	for _, p := range strings.Split(s, ",") {
		if p == "" {
			continue
		}
		key, value, _ := strings.Cut(p, "=")
		switch key {
		case "journal_dev":
			devnum, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid journal_dev %q: %v", value, err)
			}
			opts.JournalDev = devnum
		case "journal_path":
			if value == "" {
				return nil, fmt.Errorf("journal_path requires a value")
			}
			opts.JournalPath = value
		default:
			// unrecognized options are ignored
		}
	}
	return &opts, nil
}

// journalDevice resolves the configured journal, if any, to an open
// block device
func (o *Options) journalDevice() (backend.BlockDevice, error) {
	switch {
	case o.Journal != nil:
		return o.Journal, nil
	case o.JournalPath != "":
		dev, err := backendfile.OpenFromPath(o.JournalPath, false)
		if err != nil {
			return nil, fmt.Errorf("%w: opening journal %s: %v", ErrJournal, o.JournalPath, err)
		}
		return dev, nil
	case o.JournalDev != 0:
		path, err := findDeviceByNumber(o.JournalDev)
		if err != nil {
			return nil, err
		}
		dev, err := backendfile.OpenFromPath(path, false)
		if err != nil {
			return nil, fmt.Errorf("%w: opening journal device %d: %v", ErrJournal, o.JournalDev, err)
		}
		return dev, nil
	}
	return nil, nil
}

// findDeviceByNumber scans /dev for the block device with the given
// number, decoded major<<20|minor
func findDeviceByNumber(devnum uint64) (string, error) {
	major := uint32(devnum >> 20)
	minor := uint32(devnum & 0xFFFFF)

	entries, err := os.ReadDir("/dev")
	if err != nil {
		return "", fmt.Errorf("%w: scanning /dev: %v", ErrJournal, err)
	}
	for _, e := range entries {
		path := filepath.Join("/dev", e.Name())
		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			continue
		}
		if st.Mode&unix.S_IFMT != unix.S_IFBLK {
			continue
		}
		rdev := uint64(st.Rdev)
		if unix.Major(rdev) == major && unix.Minor(rdev) == minor {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no block device %d:%d in /dev", ErrJournal, major, minor)
}

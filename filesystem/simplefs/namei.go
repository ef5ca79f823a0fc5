package simplefs

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/diskfs/go-simplefs/filesystem"
)

// rename flags, rejected as unsupported
const (
	RenameExchange uint32 = 1 << 1
	RenameWhiteout uint32 = 1 << 2
)

// splitPath validates an absolute path and splits it into components
func splitPath(pathname string) ([]string, error) {
	if !strings.HasPrefix(pathname, "/") {
		return nil, fmt.Errorf("path %q must be absolute", pathname)
	}
	var parts []string
	for _, p := range strings.Split(pathname, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			if len(p) > FilenameLen {
				return nil, fmt.Errorf("%w: %q", ErrNameTooLong, p)
			}
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// walk resolves a component list from the root. The returned inode is
// referenced; the caller must iput it.
func (fs *FileSystem) walk(parts []string) (*Inode, error) {
	cur, err := fs.iget(rootIno)
	if err != nil {
		return nil, err
	}
	for _, name := range parts {
		if !cur.isDir() {
			fs.iput(cur)
			return nil, fmt.Errorf("%w: %q", ErrNotDirectory, name)
		}
		entry, _, err := fs.dirLookup(cur, name)
		if err != nil {
			fs.iput(cur)
			return nil, err
		}
		next, err := fs.iget(entry.inode)
		if err != nil {
			fs.iput(cur)
			return nil, err
		}
		fs.iput(cur)
		cur = next
	}
	return cur, nil
}

// namei resolves a full path to its inode
func (fs *FileSystem) namei(pathname string) (*Inode, error) {
	parts, err := splitPath(pathname)
	if err != nil {
		return nil, err
	}
	return fs.walk(parts)
}

// resolveParent resolves everything but the last component, returning
// the parent directory and the final name
func (fs *FileSystem) resolveParent(pathname string) (*Inode, string, error) {
	parts, err := splitPath(pathname)
	if err != nil {
		return nil, "", err
	}
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("path %q has no final component", pathname)
	}
	dir, err := fs.walk(parts[:len(parts)-1])
	if err != nil {
		return nil, "", err
	}
	if !dir.isDir() {
		fs.iput(dir)
		return nil, "", fmt.Errorf("%w: parent of %q", ErrNotDirectory, pathname)
	}
	return dir, parts[len(parts)-1], nil
}

// createEntry makes a new inode of the given mode and registers it in
// dir under name, all inside the supplied transaction
func (fs *FileSystem) createEntry(t *txn, dir *Inode, name string, mode uint32) (*Inode, error) {
	if len(name) > FilenameLen {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	if _, _, err := fs.dirLookup(dir, name); err == nil {
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}

	in, err := fs.newInode(t, dir, mode)
	if err != nil {
		return nil, err
	}
	if err := fs.dirInsert(t, dir, name, in.ino); err != nil {
		if in.eiBlock != 0 {
			fs.sb.putBlocks(in.eiBlock, 1)
		}
		fs.sb.putInode(in.ino)
		fs.iput(in)
		return nil, err
	}
	if err := fs.writeInode(t, in); err != nil {
		fs.iput(in)
		return nil, err
	}

	dir.touchTimes(true, true, true)
	if in.isDir() {
		// the new directory's .. counts against the parent
		dir.nlink++
	}
	if err := fs.writeInode(t, dir); err != nil {
		fs.iput(in)
		return nil, err
	}
	return in, nil
}

// OpenFile opens a handle to read or write a regular file. Supported
// flags: os.O_RDONLY, os.O_RDWR, os.O_WRONLY, os.O_CREATE, os.O_TRUNC,
// os.O_APPEND.
func (fs *FileSystem) OpenFile(pathname string, flag int) (filesystem.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, name, err := fs.resolveParent(pathname)
	if err != nil {
		return nil, err
	}
	defer fs.iput(dir)

	var in *Inode
	entry, _, err := fs.dirLookup(dir, name)
	switch {
	case err == nil:
		if in, err = fs.iget(entry.inode); err != nil {
			return nil, err
		}
	case flag&os.O_CREATE != 0:
		if err := fs.failIfReadOnly(); err != nil {
			return nil, err
		}
		t, terr := fs.beginTxn()
		if terr != nil {
			return nil, terr
		}
		if in, err = fs.createEntry(t, dir, name, modeRegular|0o644); err != nil {
			t.rollback()
			return nil, err
		}
		if err := t.commit(); err != nil {
			fs.iput(in)
			return nil, err
		}
	default:
		return nil, err
	}

	if !in.isRegular() {
		fs.iput(in)
		return nil, fmt.Errorf("cannot open %q: not a regular file", pathname)
	}

	writable := flag&(os.O_RDWR|os.O_WRONLY) != 0
	if flag&os.O_TRUNC != 0 && in.size > 0 {
		if !writable {
			fs.iput(in)
			return nil, fmt.Errorf("cannot truncate %q: not open for write", pathname)
		}
		if err := fs.failIfReadOnly(); err != nil {
			fs.iput(in)
			return nil, err
		}
		t, err := fs.beginTxn()
		if err != nil {
			fs.iput(in)
			return nil, err
		}
		if err := fs.truncateInode(t, in, 0); err != nil {
			t.rollback()
			fs.iput(in)
			return nil, err
		}
		if err := t.commit(); err != nil {
			fs.iput(in)
			return nil, err
		}
	}

	return &File{
		fs:          fs,
		in:          in,
		isReadWrite: writable,
		isAppend:    flag&os.O_APPEND != 0,
	}, nil
}

// Mkdir makes a directory
func (fs *FileSystem) Mkdir(pathname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failIfReadOnly(); err != nil {
		return err
	}

	dir, name, err := fs.resolveParent(pathname)
	if err != nil {
		return err
	}
	defer fs.iput(dir)

	t, err := fs.beginTxn()
	if err != nil {
		return err
	}
	in, err := fs.createEntry(t, dir, name, modeDirectory|0o755)
	if err != nil {
		t.rollback()
		return err
	}
	fs.iput(in)
	return t.commit()
}

// ReadDir reads the contents of a directory, . and .. first
func (fs *FileSystem) ReadDir(pathname string) ([]os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, err := fs.namei(pathname)
	if err != nil {
		return nil, err
	}
	defer fs.iput(dir)
	if !dir.isDir() {
		return nil, fmt.Errorf("%w: %q", ErrNotDirectory, pathname)
	}

	infos := []os.FileInfo{
		infoFromInode(".", dir),
		infoFromInode("..", dir),
	}
	var walkErr error
	err = fs.dirIterate(dir, func(e dirEntry, _ uint32) bool {
		child, err := fs.iget(e.inode)
		if err != nil {
			walkErr = err
			return false
		}
		infos = append(infos, infoFromInode(e.name, child))
		fs.iput(child)
		return true
	})
	if err != nil {
		return nil, err
	}
	if walkErr != nil {
		return nil, walkErr
	}
	return infos, nil
}

// Remove removes the named file or (empty) directory
func (fs *FileSystem) Remove(pathname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failIfReadOnly(); err != nil {
		return err
	}

	dir, name, err := fs.resolveParent(pathname)
	if err != nil {
		return err
	}
	defer fs.iput(dir)

	entry, pos, err := fs.dirLookup(dir, name)
	if err != nil {
		return err
	}
	in, err := fs.iget(entry.inode)
	if err != nil {
		return err
	}
	defer fs.iput(in)

	if in.isDir() {
		// rmdir: only . and .. may remain
		count, err := fs.dirCount(in)
		if err != nil {
			return err
		}
		if count != 0 || in.nlink != 2 {
			return fmt.Errorf("%w: %q", ErrNotEmpty, pathname)
		}
	}

	t, err := fs.beginTxn()
	if err != nil {
		return err
	}
	if err := fs.unlinkLocked(t, dir, in, pos); err != nil {
		t.rollback()
		return err
	}
	return t.commit()
}

// unlinkLocked removes the parent entry at pos and drops one link from
// in, destroying the inode when the last link goes
func (fs *FileSystem) unlinkLocked(t *txn, dir, in *Inode, pos uint32) error {
	if err := fs.dirRemove(t, dir, pos); err != nil {
		return err
	}
	dir.touchTimes(true, true, true)
	if in.isDir() {
		dir.nlink--
		in.nlink--
	}
	if err := fs.writeInode(t, dir); err != nil {
		return err
	}

	in.nlink--
	if in.nlink > 0 {
		return fs.writeInode(t, in)
	}
	return fs.destroyInode(t, in)
}

// destroyInode releases everything the inode owns: extent block runs
// (scrubbed for regular files only), the extent table block, then the
// inode number itself.
// Scrub failures are logged and ignored; those blocks are already
// logically free.
func (fs *FileSystem) destroyInode(t *txn, in *Inode) error {
	bno := in.eiBlock

	if !in.isSymlink() && bno != 0 {
		et, bh, err := fs.readExtentTable(in)
		if err != nil {
			// lose the blocks, still reclaim the inode
			log.WithFields(logrus.Fields{
				"inode": in.ino,
				"err":   err,
			}).Warn("could not read extent table during unlink, leaking its blocks")
		} else {
			var scrubErrs *multierror.Error
			for i := 0; i < MaxExtents; i++ {
				e := &et.extents[i]
				if e.eeStart == 0 {
					break
				}
				fs.sb.putBlocks(e.eeStart, e.eeLen)
				if !in.isRegular() {
					continue
				}
				for j := uint32(0); j < e.eeLen; j++ {
					if err := fs.scrubDataBlock(e.eeStart + j); err != nil {
						scrubErrs = multierror.Append(scrubErrs, err)
					}
				}
			}
			if err := scrubErrs.ErrorOrNil(); err != nil {
				log.WithFields(logrus.Fields{
					"inode": in.ino,
					"err":   err,
				}).Warn("scrub failures during unlink")
			}
			if err := fs.writeExtentTable(t, bh, &extentTable{}); err != nil {
				fs.cache.brelse(bh)
				return err
			}
			fs.cache.brelse(bh)
		}
		fs.sb.putBlocks(bno, 1)
	}

	// scrub the record itself
	ino := in.ino
	*in = Inode{ino: ino, refs: in.refs}
	if err := fs.writeInode(t, in); err != nil {
		return err
	}
	fs.sb.putInode(ino)
	return nil
}

// scrubDataBlock zeroes a released data block straight on the device
func (fs *FileSystem) scrubDataBlock(bno uint32) error {
	zero := make([]byte, BlockSize)
	if err := fs.dev.WriteBlock(bno, zero); err != nil {
		return fmt.Errorf("%w: scrubbing block %d: %v", ErrIO, bno, err)
	}
	return nil
}

// Rename renames (moves) oldpath to newpath
func (fs *FileSystem) Rename(oldpath, newpath string) error {
	return fs.RenameWithFlags(oldpath, newpath, 0)
}

// RenameWithFlags renames with Linux-style flags. Exchange and whiteout
// are unsupported and rejected.
func (fs *FileSystem) RenameWithFlags(oldpath, newpath string, flags uint32) error {
	if flags&(RenameExchange|RenameWhiteout) != 0 {
		return fmt.Errorf("unsupported rename flags %#x", flags)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failIfReadOnly(); err != nil {
		return err
	}

	oldDir, oldName, err := fs.resolveParent(oldpath)
	if err != nil {
		return err
	}
	defer fs.iput(oldDir)
	newDir, newName, err := fs.resolveParent(newpath)
	if err != nil {
		return err
	}
	defer fs.iput(newDir)

	if len(newName) > FilenameLen {
		return fmt.Errorf("%w: %q", ErrNameTooLong, newName)
	}
	if _, _, err := fs.dirLookup(newDir, newName); err == nil {
		return fmt.Errorf("%w: %q", ErrExists, newpath)
	}

	entry, oldPos, err := fs.dirLookup(oldDir, oldName)
	if err != nil {
		return err
	}

	t, err := fs.beginTxn()
	if err != nil {
		return err
	}

	if oldDir.ino == newDir.ino {
		// same directory: rewrite the filename in place
		if err := fs.dirRename(t, oldDir, oldPos, newName); err != nil {
			t.rollback()
			return err
		}
		oldDir.touchTimes(true, true, true)
		if err := fs.writeInode(t, oldDir); err != nil {
			t.rollback()
			return err
		}
		return t.commit()
	}

	// cross-directory: insert then remove inside one transaction so a
	// crash cannot leave a dangling or duplicate link
	src, err := fs.iget(entry.inode)
	if err != nil {
		t.rollback()
		return err
	}
	defer fs.iput(src)

	if err := fs.dirInsert(t, newDir, newName, entry.inode); err != nil {
		t.rollback()
		return err
	}
	// the insert may have shifted nothing in oldDir; the position is
	// still valid because the two directories are distinct
	if err := fs.dirRemove(t, oldDir, oldPos); err != nil {
		t.rollback()
		return err
	}
	if src.isDir() {
		oldDir.nlink--
		newDir.nlink++
	}
	oldDir.touchTimes(true, true, true)
	newDir.touchTimes(true, true, true)
	if err := fs.writeInode(t, oldDir); err != nil {
		t.rollback()
		return err
	}
	if err := fs.writeInode(t, newDir); err != nil {
		t.rollback()
		return err
	}
	return t.commit()
}

// Link creates a hard link to an existing file. Directories cannot be
// hard-linked.
func (fs *FileSystem) Link(oldpath, newpath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failIfReadOnly(); err != nil {
		return err
	}

	in, err := fs.namei(oldpath)
	if err != nil {
		return err
	}
	defer fs.iput(in)
	if in.isDir() {
		return fmt.Errorf("cannot hard-link directory %q", oldpath)
	}

	dir, name, err := fs.resolveParent(newpath)
	if err != nil {
		return err
	}
	defer fs.iput(dir)
	if _, _, err := fs.dirLookup(dir, name); err == nil {
		return fmt.Errorf("%w: %q", ErrExists, newpath)
	}

	t, err := fs.beginTxn()
	if err != nil {
		return err
	}
	if err := fs.dirInsert(t, dir, name, in.ino); err != nil {
		t.rollback()
		return err
	}
	in.nlink++
	in.touchTimes(true, false, false)
	if err := fs.writeInode(t, in); err != nil {
		t.rollback()
		return err
	}
	dir.touchTimes(true, true, true)
	if err := fs.writeInode(t, dir); err != nil {
		t.rollback()
		return err
	}
	return t.commit()
}

// Symlink creates a symbolic link holding target inline in the inode
func (fs *FileSystem) Symlink(target, linkpath string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failIfReadOnly(); err != nil {
		return err
	}

	// content plus terminating NUL must fit the inline area
	if len(target)+1 > symlinkDataLen {
		return fmt.Errorf("%w: symlink target %q", ErrNameTooLong, target)
	}

	dir, name, err := fs.resolveParent(linkpath)
	if err != nil {
		return err
	}
	defer fs.iput(dir)

	t, err := fs.beginTxn()
	if err != nil {
		return err
	}
	in, err := fs.createEntry(t, dir, name, modeSymlink|0o777)
	if err != nil {
		t.rollback()
		return err
	}
	copy(in.symlink[:], target)
	in.size = uint32(len(target))
	if err := fs.writeInode(t, in); err != nil {
		t.rollback()
		fs.iput(in)
		return err
	}
	fs.iput(in)
	return t.commit()
}

// Readlink returns the target of a symbolic link
func (fs *FileSystem) Readlink(pathname string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.namei(pathname)
	if err != nil {
		return "", err
	}
	defer fs.iput(in)
	if !in.isSymlink() {
		return "", fmt.Errorf("%w: %q", ErrNotSymlink, pathname)
	}
	return in.linkTarget(), nil
}

// Truncate changes the size of the named regular file
func (fs *FileSystem) Truncate(pathname string, size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.failIfReadOnly(); err != nil {
		return err
	}

	in, err := fs.namei(pathname)
	if err != nil {
		return err
	}
	defer fs.iput(in)
	if !in.isRegular() {
		return fmt.Errorf("cannot truncate %q: not a regular file", pathname)
	}

	t, err := fs.beginTxn()
	if err != nil {
		return err
	}
	if err := fs.truncateInode(t, in, size); err != nil {
		t.rollback()
		return err
	}
	return t.commit()
}

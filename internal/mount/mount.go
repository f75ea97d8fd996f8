// Package mount implements the mount table of spec §4.8/§9: a
// separate structure holding {covered_inode, mounted_fs_id,
// parent_back_edge} that iget consults, rather than a mutable pointer
// embedded in the inode itself.
package mount

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/inode"
	"github.com/stixfs/stix/internal/kernel"
	"github.com/stixfs/stix/internal/ondisk"
)

var (
	ErrAlreadyMounted = xerrors.New("mount: target is already a mount point")
	ErrNotDirectory   = xerrors.New("mount: target is not a directory")
	ErrNotBlockDevice = xerrors.New("mount: source is not a block device")
	ErrFSRootMounted  = xerrors.New("mount: source filesystem is already mounted elsewhere")
	ErrNotMounted     = xerrors.New("mount: not a mount point")
	ErrBusy           = xerrors.New("mount: filesystem busy")
)

type coverKey struct {
	fs   int
	inum uint32
}

// Entry records one active mount: the filesystem it covers, the
// mounted filesystem's id and the superblock read from its device.
type Entry struct {
	MountedFS   int
	CoveredFS   int
	CoveredInum uint32
	Dev         device.Ldev
	Superblock  ondisk.Superblock
}

// Table is the system-wide mount table.
type Table struct {
	mu      sync.Mutex
	byFS    map[int]*Entry
	covered map[coverKey]*Entry
}

// NewTable constructs an empty mount table.
func NewTable() *Table {
	return &Table{byFS: make(map[int]*Entry), covered: make(map[coverKey]*Entry)}
}

// blockReaderAt adapts buf.Cache's block-oriented interface to the
// io.ReaderAt ondisk.ReadSuperblock expects, for the one read it does
// at byte offset ondisk.BlockSize (sector 1).
type blockReaderAt struct {
	bufs *buf.Cache
	dev  device.Ldev
}

func (r blockReaderAt) ReadAt(p []byte, off int64) (int, error) {
	block := uint32(off) / ondisk.BlockSize
	h, err := r.bufs.Bread(r.dev, block)
	if err != nil {
		return 0, err
	}
	n := copy(p, h.Data)
	r.bufs.Brelse(h)
	return n, nil
}

// Resolve implements the function shape inode.Cache.MountResolver
// expects: the filesystem mounted on (fs, inum), if any.
func (t *Table) Resolve(fs int, inum uint32) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.covered[coverKey{fs, inum}]
	if !ok {
		return 0, false
	}
	return e.MountedFS, true
}

// ParentOf implements the function shape namei.Namei.ParentOf expects:
// the (fs, inum) a mounted filesystem's root should jump to on "..".
func (t *Table) ParentOf(fs int) (int, uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byFS[fs]
	if !ok {
		return 0, 0, false
	}
	return e.CoveredFS, e.CoveredInum, true
}

// Mount reads the superblock from sourceDev and installs mountedFS as
// covering target, per §4.8. The caller is responsible for resolving
// source_path to its device inode and checking it is a BLOCK device
// before calling Mount (the inode-to-device-number mapping is a VFS
// concern, not a mount-table one) and for choosing an unused
// mountedFS id and constructing its inode.Layout from the freshly read
// superblock's InodeStart/NInodes fields.
func (t *Table) Mount(bufs *buf.Cache, inodes *inode.Cache, target *inode.Inode, sourceDev device.Ldev, mountedFS int, layout inode.Layout) (ondisk.Superblock, error) {
	if target.Type != ondisk.TypeDirectory {
		return ondisk.Superblock{}, ErrNotDirectory
	}

	key := coverKey{target.FS, target.Inum}
	t.mu.Lock()
	if _, ok := t.covered[key]; ok {
		t.mu.Unlock()
		return ondisk.Superblock{}, ErrAlreadyMounted
	}
	if _, ok := t.byFS[mountedFS]; ok {
		t.mu.Unlock()
		return ondisk.Superblock{}, ErrFSRootMounted
	}
	t.mu.Unlock()

	sb, err := ondisk.ReadSuperblock(blockReaderAt{bufs, sourceDev})
	if err != nil {
		return ondisk.Superblock{}, xerrors.Errorf("mount: reading superblock: %w", err)
	}

	fs := inode.NewFS(layout, kernel.NewChannels())
	inodes.RegisterFS(mountedFS, fs)

	e := &Entry{MountedFS: mountedFS, CoveredFS: target.FS, CoveredInum: target.Inum, Dev: sourceDev, Superblock: sb}
	t.mu.Lock()
	t.covered[key] = e
	t.byFS[mountedFS] = e
	t.mu.Unlock()

	return sb, nil
}

// Umount releases mountedFS, refusing if any in-core inode on it is
// still referenced (open files, or a process's cwd/root — the latter
// is the VFS layer's process-table check, made before calling here).
// Dirty buffers belonging to the mounted device are flushed first.
func (t *Table) Umount(bufs *buf.Cache, inodes *inode.Cache, mountedFS int) error {
	t.mu.Lock()
	e, ok := t.byFS[mountedFS]
	t.mu.Unlock()
	if !ok {
		return ErrNotMounted
	}

	if inodes.Busy(mountedFS) {
		return ErrBusy
	}

	for _, i := range bufs.Dirty() {
		if bufs.HeadAt(i).Dev != e.Dev {
			continue
		}
		if err := bufs.FlushAt(i); err != nil {
			return xerrors.Errorf("umount: flushing device %+v: %w", e.Dev, err)
		}
	}

	t.mu.Lock()
	delete(t.covered, coverKey{e.CoveredFS, e.CoveredInum})
	delete(t.byFS, mountedFS)
	t.mu.Unlock()

	inodes.UnregisterFS(mountedFS)
	return nil
}

// Lookup returns the mount entry for mountedFS, if any — used by the
// VFS layer to find the device a filesystem lives on (e.g. to know
// what to flush, or to report in stat/statfs-equivalent calls).
func (t *Table) Lookup(mountedFS int) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byFS[mountedFS]
	return e, ok
}

// Package vfs implements the VFS entry points of spec §4.6/§4.7/§4.8/
// §6.2: open/close/read/write/lseek/link/unlink/mkdir/rmdir/rename/
// stat/chdir/chroot/chmod/chown/dup/mount/umount/sync/opendir/readdir/
// closedir, wiring namei, file, dirops, mount, fsync and cdev together
// behind one process-facing surface.
//
// Unlike the historical ABI (non-negative success, negative errno),
// every call here returns an idiomatic (result, error) pair; the
// mapping back to that convention is the caller's (a shell or syscall
// shim's) job, not this package's.
package vfs

import (
	"path"
	"sync"

	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/bmap"
	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/cdev"
	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/dirops"
	"github.com/stixfs/stix/internal/file"
	"github.com/stixfs/stix/internal/fsync"
	"github.com/stixfs/stix/internal/inode"
	"github.com/stixfs/stix/internal/mount"
	"github.com/stixfs/stix/internal/namei"
	"github.com/stixfs/stix/internal/ondisk"
)

var (
	ErrBadFD        = xerrors.New("vfs: bad file descriptor")
	ErrNotDirectory = xerrors.New("vfs: not a directory")
	ErrIsDirectory  = xerrors.New("vfs: is a directory")
)

// FD is a per-process descriptor, as returned by Open/Opendir and
// consumed by every other descriptor-based call.
type FD int

type descriptor struct {
	entry *file.Entry
	isDir bool
}

// Proc is the minimal per-process context the VFS surface operates
// against: its root/cwd inodes (each held with a live reference) and
// its open-descriptor table.
type Proc struct {
	mu   sync.Mutex
	Root *inode.Inode
	Cwd  *inode.Inode
	fds  []*descriptor // index is the FD; nil entries are free slots
}

// NewProc starts a process rooted at and working out of root/cwd,
// both of which the caller must already hold a reference to (from
// inode.Cache.Iget); Proc takes ownership of both references.
func NewProc(root, cwd *inode.Inode) *Proc {
	return &Proc{Root: root, Cwd: cwd}
}

func (p *Proc) alloc(d *descriptor) FD {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, slot := range p.fds {
		if slot == nil {
			p.fds[i] = d
			return FD(i)
		}
	}
	p.fds = append(p.fds, d)
	return FD(len(p.fds) - 1)
}

func (p *Proc) get(fd FD) (*descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || int(fd) >= len(p.fds) || p.fds[fd] == nil {
		return nil, ErrBadFD
	}
	return p.fds[fd], nil
}

func (p *Proc) free(fd FD) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd >= 0 && int(fd) < len(p.fds) {
		p.fds[fd] = nil
	}
}

func (p *Proc) namei() *namei.Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &namei.Process{Root: p.Root, Cwd: p.Cwd}
}

// VFS wires every lower layer together behind the process-facing
// surface described by spec §6.2.
type VFS struct {
	Inodes  *inode.Cache
	Bufs    *buf.Cache
	Devices *device.Table
	Namei   *namei.Namei
	Files   *file.Table
	Dirs    *dirops.Ops
	Mounts  *mount.Table
	Cdevs   *cdev.Table

	mu      sync.Mutex
	mappers map[int]*bmap.Mapper
}

// New constructs a VFS over an already-built buffer and inode cache,
// wiring the mount table's Resolve/ParentOf into the inode cache and
// namei (per §4.8's "iget always redirects through fsmnt" invariant)
// and the inode cache's OnFree into this filesystem's block mapper
// (so a last-close-with-nlinks==0 inode actually frees its blocks).
// devices is used only to service raw reads/writes against BLOCK
// special files; cdevs plays the equivalent role for CHARACTER ones.
func New(bufs *buf.Cache, inodes *inode.Cache, devices *device.Table, cdevs *cdev.Table) *VFS {
	mounts := mount.NewTable()
	v := &VFS{
		Inodes:  inodes,
		Bufs:    bufs,
		Devices: devices,
		Mounts:  mounts,
		Files:   file.NewTable(),
		Dirs:    &dirops.Ops{Inodes: inodes},
		Cdevs:   cdevs,
		mappers: make(map[int]*bmap.Mapper),
	}
	v.Namei = &namei.Namei{Inodes: inodes, ParentOf: mounts.ParentOf}
	inodes.MountResolver = mounts.Resolve
	inodes.OnFree = v.onFree
	return v
}

// blockIO reads or writes exactly one block of a BLOCK special file
// at e's current offset, advancing it — the raw-device counterpart to
// Read/Write's bmap-mediated path for REGULAR files.
func (v *VFS) blockIO(e *file.Entry, p []byte, write bool) (int, error) {
	ldev := device.DecodeLdev(e.Inode.Blocks[0])
	block := e.Offset / ondisk.BlockSize
	want := len(p)
	if want > ondisk.BlockSize {
		want = ondisk.BlockSize
	}

	done := make(chan error, 1)
	req := &device.Request{Block: block, Write: write}
	if write {
		req.Data = make([]byte, ondisk.BlockSize)
		copy(req.Data, p[:want])
	} else {
		req.Data = make([]byte, ondisk.BlockSize)
	}
	v.Devices.Strategy(ldev, req, func(_ *device.Request, err error) { done <- err })
	if err := <-done; err != nil {
		return 0, err
	}
	if !write {
		copy(p[:want], req.Data[:want])
	}
	e.Offset += uint32(want)
	return want, nil
}

// RegisterFS associates fsID with the bmap.Mapper used to service its
// inodes across every layer that needs one: namei (directory scans),
// file (read/write traffic) and dirops (directory mutation).
func (v *VFS) RegisterFS(fsID int, m *bmap.Mapper) {
	v.mu.Lock()
	v.mappers[fsID] = m
	v.mu.Unlock()
	v.Namei.RegisterFS(fsID, m)
	v.Files.RegisterFS(fsID, m)
	v.Dirs.RegisterFS(fsID, m)
}

func (v *VFS) mapperFor(fs int) *bmap.Mapper {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mappers[fs]
}

// onFree is inode.Cache's OnFree callback: it frees every block an
// inode's data tree references once its link count and reference
// count both reach zero.
func (v *VFS) onFree(in *inode.Inode) error {
	m := v.mapperFor(in.FS)
	if m == nil {
		return nil
	}
	return m.Truncate(in)
}

func splitParent(p string) (dir, base string) {
	return path.Dir(p), path.Base(p)
}

// resolveParent resolves dir's parent directory inode for an
// operation that is about to create or look up base within it.
func (v *VFS) resolveParent(res *namei.Result) (*inode.Inode, error) {
	return v.Inodes.Iget(res.ParentFS, res.ParentInum)
}

// Open resolves path and returns a descriptor for it, creating a new
// REGULAR inode under OCREATE if it is absent, per §4.6.
func (v *VFS) Open(proc *Proc, p string, flags file.Flag, mode uint16) (FD, error) {
	res, err := v.Namei.Lookup(proc.namei(), p)
	if err != nil && err != namei.ErrNotExist {
		return -1, err
	}

	var target *inode.Inode
	if err == namei.ErrNotExist {
		if flags&file.OCREATE == 0 || res == nil {
			return -1, err
		}
		parent, perr := v.resolveParent(res)
		if perr != nil {
			return -1, perr
		}
		_, base := splitParent(p)
		in, merr := v.Dirs.Mknode(parent, base, ondisk.TypeRegular, mode)
		v.Inodes.Iput(parent)
		if merr != nil {
			return -1, merr
		}
		target = in
	} else {
		target = res.Inode
	}

	var ldev device.Ldev
	isChar := target.Type == ondisk.TypeCharacter
	if isChar {
		ldev = device.DecodeLdev(target.Blocks[0])
		if err := v.Cdevs.Open(ldev); err != nil {
			v.Inodes.Iput(target)
			return -1, err
		}
	}

	e, err := v.Files.Open(target, flags)
	if err != nil {
		if isChar {
			v.Cdevs.Close(ldev)
		}
		v.Inodes.Iput(target)
		return -1, err
	}
	return proc.alloc(&descriptor{entry: e}), nil
}

// Close drops fd; the underlying inode is released once every dup'd
// descriptor referencing it has been closed, at which point a
// character-special file's device is closed too.
func (v *VFS) Close(proc *Proc, fd FD) error {
	d, err := proc.get(fd)
	if err != nil {
		return err
	}
	proc.free(fd)

	isChar := d.entry.Inode.Type == ondisk.TypeCharacter
	var ldev device.Ldev
	if isChar {
		ldev = device.DecodeLdev(d.entry.Inode.Blocks[0])
	}

	last, err := v.Files.Close(v.Inodes, d.entry)
	if err != nil {
		return err
	}
	if isChar && last {
		return v.Cdevs.Close(ldev)
	}
	return nil
}

// Dup clones fd onto a new descriptor sharing the same table entry
// and seek offset.
func (v *VFS) Dup(proc *Proc, fd FD) (FD, error) {
	d, err := proc.get(fd)
	if err != nil {
		return -1, err
	}
	e := v.Files.Dup(d.entry)
	return proc.alloc(&descriptor{entry: e, isDir: d.isDir}), nil
}

// Read services fd, routing character-special files to their driver
// via internal/cdev and block-special files to device.Table via
// blockIO, instead of bmap.
func (v *VFS) Read(proc *Proc, fd FD, p []byte) (int, error) {
	d, err := proc.get(fd)
	if err != nil {
		return 0, err
	}
	if d.isDir {
		return 0, ErrIsDirectory
	}
	if d.entry.Inode.Type == ondisk.TypeCharacter {
		ldev := device.DecodeLdev(d.entry.Inode.Blocks[0])
		return v.Cdevs.Read(ldev, p)
	}
	if d.entry.Inode.Type == ondisk.TypeBlock {
		return v.blockIO(d.entry, p, false)
	}
	return v.Files.Read(v.Inodes, d.entry, p)
}

// Write services fd the same way Read does, for the write side.
func (v *VFS) Write(proc *Proc, fd FD, p []byte) (int, error) {
	d, err := proc.get(fd)
	if err != nil {
		return 0, err
	}
	if d.isDir {
		return 0, ErrIsDirectory
	}
	if d.entry.Inode.Type == ondisk.TypeCharacter {
		ldev := device.DecodeLdev(d.entry.Inode.Blocks[0])
		return v.Cdevs.Write(ldev, p)
	}
	if d.entry.Inode.Type == ondisk.TypeBlock {
		return v.blockIO(d.entry, p, true)
	}
	return v.Files.Write(v.Inodes, d.entry, p)
}

// Lseek repositions fd's offset.
func (v *VFS) Lseek(proc *Proc, fd FD, offset int64, whence file.Whence) (uint32, error) {
	d, err := proc.get(fd)
	if err != nil {
		return 0, err
	}
	return v.Files.Lseek(d.entry, offset, whence)
}

// Link creates a new directory entry newPath naming the same inode as
// oldPath, per §4.7's linki.
func (v *VFS) Link(proc *Proc, oldPath, newPath string) error {
	oldRes, err := v.Namei.Lookup(proc.namei(), oldPath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(oldRes.Inode)

	newRes, err := v.Namei.Lookup(proc.namei(), newPath)
	if err == nil {
		v.Inodes.Iput(newRes.Inode)
		return dirops.ErrExists
	}
	if err != namei.ErrNotExist || newRes == nil {
		return err
	}
	parent, err := v.resolveParent(newRes)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(parent)

	_, base := splitParent(newPath)
	return v.Dirs.Linki(parent, oldRes.Inode, base)
}

// Unlink removes path's directory entry, per §4.7's unlinki.
func (v *VFS) Unlink(proc *Proc, p string) error {
	parentPath, base := splitParent(p)
	res, err := v.Namei.Lookup(proc.namei(), parentPath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(res.Inode)
	return v.Dirs.Unlinki(res.Inode, base)
}

// Mkdir creates a new directory named path, per §4.7's mkdir.
func (v *VFS) Mkdir(proc *Proc, p string, mode uint16) error {
	parentPath, base := splitParent(p)
	res, err := v.Namei.Lookup(proc.namei(), parentPath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(res.Inode)
	dir, err := v.Dirs.Mkdir(res.Inode, base, mode)
	if err != nil {
		return err
	}
	return v.Inodes.Iput(dir)
}

// Rmdir removes the empty directory named path, per §4.7's rmdir.
func (v *VFS) Rmdir(proc *Proc, p string) error {
	parentPath, base := splitParent(p)
	res, err := v.Namei.Lookup(proc.namei(), parentPath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(res.Inode)
	return v.Dirs.Rmdir(res.Inode, base)
}

// Rename moves oldPath to newPath, per §4.7's rename.
func (v *VFS) Rename(proc *Proc, oldPath, newPath string) error {
	oldParentPath, oldBase := splitParent(oldPath)
	newParentPath, newBase := splitParent(newPath)

	oldRes, err := v.Namei.Lookup(proc.namei(), oldParentPath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(oldRes.Inode)

	newRes, err := v.Namei.Lookup(proc.namei(), newParentPath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(newRes.Inode)

	return v.Dirs.Rename(oldRes.Inode, oldBase, newRes.Inode, newBase)
}

// Stat is the subset of a dinode exposed to callers, hiding the raw
// block-reference tree.
type Stat struct {
	Type   uint16
	Mode   uint16
	UID    uint16
	GID    uint16
	Nlinks uint16
	Size   uint32
}

// Stat resolves path and returns its metadata.
func (v *VFS) Stat(proc *Proc, p string) (Stat, error) {
	res, err := v.Namei.Lookup(proc.namei(), p)
	if err != nil {
		return Stat{}, err
	}
	defer v.Inodes.Iput(res.Inode)
	in := res.Inode
	return Stat{Type: in.Type, Mode: in.Mode, UID: in.UID, GID: in.GID, Nlinks: in.Nlinks, Size: in.Size}, nil
}

// Chmod resolves path and sets its permission bits.
func (v *VFS) Chmod(proc *Proc, p string, mode uint16) error {
	res, err := v.Namei.Lookup(proc.namei(), p)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(res.Inode)
	res.Inode.Mode = mode
	res.Inode.MarkModified()
	return nil
}

// Chown resolves path and sets its owning uid/gid.
func (v *VFS) Chown(proc *Proc, p string, uid, gid uint16) error {
	res, err := v.Namei.Lookup(proc.namei(), p)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(res.Inode)
	res.Inode.UID = uid
	res.Inode.GID = gid
	res.Inode.MarkModified()
	return nil
}

// Chdir resolves path and makes it proc's new working directory.
func (v *VFS) Chdir(proc *Proc, p string) error {
	res, err := v.Namei.Lookup(proc.namei(), p)
	if err != nil {
		return err
	}
	if res.Inode.Type != ondisk.TypeDirectory {
		v.Inodes.Iput(res.Inode)
		return ErrNotDirectory
	}
	proc.mu.Lock()
	old := proc.Cwd
	proc.Cwd = res.Inode
	proc.mu.Unlock()
	return v.Inodes.Iput(old)
}

// Chroot resolves path and makes it proc's new filesystem root.
func (v *VFS) Chroot(proc *Proc, p string) error {
	res, err := v.Namei.Lookup(proc.namei(), p)
	if err != nil {
		return err
	}
	if res.Inode.Type != ondisk.TypeDirectory {
		v.Inodes.Iput(res.Inode)
		return ErrNotDirectory
	}
	proc.mu.Lock()
	old := proc.Root
	proc.Root = res.Inode
	proc.mu.Unlock()
	return v.Inodes.Iput(old)
}

// Mount resolves sourcePath, requires it name a BLOCK device inode per
// §4.8, reads its superblock, and makes it visible at targetPath.
func (v *VFS) Mount(proc *Proc, sourcePath, targetPath string, mountedFS int, layout inode.Layout, mapper *bmap.Mapper) error {
	srcRes, err := v.Namei.Lookup(proc.namei(), sourcePath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(srcRes.Inode)
	if srcRes.Inode.Type != ondisk.TypeBlock {
		return mount.ErrNotBlockDevice
	}
	sourceDev := device.DecodeLdev(srcRes.Inode.Blocks[0])

	res, err := v.Namei.Lookup(proc.namei(), targetPath)
	if err != nil {
		return err
	}
	defer v.Inodes.Iput(res.Inode)

	if _, err := v.Mounts.Mount(v.Bufs, v.Inodes, res.Inode, sourceDev, mountedFS, layout); err != nil {
		return err
	}
	v.RegisterFS(mountedFS, mapper)
	return nil
}

// Umount reverses Mount for the filesystem mounted at targetPath.
func (v *VFS) Umount(proc *Proc, targetPath string) error {
	res, err := v.Namei.Lookup(proc.namei(), targetPath)
	if err != nil {
		return err
	}
	// Lookup follows the mount point, so a mounted target resolves to
	// the mounted filesystem's root inode (inum 1).
	mountedFS := res.Inode.FS
	_, ok := v.Mounts.Lookup(mountedFS)
	ok = ok && res.Inode.Inum == 1
	v.Inodes.Iput(res.Inode)
	if !ok {
		return mount.ErrNotMounted
	}
	return v.Mounts.Umount(v.Bufs, v.Inodes, mountedFS)
}

// Sync flushes every dirty buffer and modified in-core inode, per
// §4.9.
func (v *VFS) Sync() error {
	return fsync.Sync(v.Bufs, v.Inodes)
}

// Opendir resolves path (which must be a directory) and returns a
// descriptor positioned at its first entry.
func (v *VFS) Opendir(proc *Proc, p string) (FD, error) {
	res, err := v.Namei.Lookup(proc.namei(), p)
	if err != nil {
		return -1, err
	}
	if res.Inode.Type != ondisk.TypeDirectory {
		v.Inodes.Iput(res.Inode)
		return -1, ErrNotDirectory
	}
	e, err := v.Files.Open(res.Inode, file.OREAD)
	if err != nil {
		v.Inodes.Iput(res.Inode)
		return -1, err
	}
	return proc.alloc(&descriptor{entry: e, isDir: true}), nil
}

// Readdir returns the next non-empty directory entry from fd, or
// (nil, nil) at end-of-directory.
func (v *VFS) Readdir(proc *Proc, fd FD) (*ondisk.Dirent, error) {
	d, err := proc.get(fd)
	if err != nil {
		return nil, err
	}
	if !d.isDir {
		return nil, ErrNotDirectory
	}
	raw := make([]byte, ondisk.DirentSize)
	for {
		n, err := v.Files.Read(v.Inodes, d.entry, raw)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		de, err := ondisk.DecodeDirent(raw)
		if err != nil {
			return nil, err
		}
		if de.Inum != 0 {
			return &de, nil
		}
	}
}

// Closedir closes a descriptor opened by Opendir.
func (v *VFS) Closedir(proc *Proc, fd FD) error {
	return v.Close(proc, fd)
}

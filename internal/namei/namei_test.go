package namei

import (
	"sync"
	"testing"

	"github.com/stixfs/stix/internal/balloc"
	"github.com/stixfs/stix/internal/bmap"
	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/inode"
	"github.com/stixfs/stix/internal/kernel"
	"github.com/stixfs/stix/internal/ondisk"
)

type memDriver struct {
	mu     sync.Mutex
	blocks map[uint32][]byte
}

func newMemDriver() *memDriver { return &memDriver{blocks: make(map[uint32][]byte)} }

func (d *memDriver) Strategy(minor int, req *device.Request, done device.SyncedFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if req.Write {
		d.blocks[req.Block] = append([]byte(nil), req.Data...)
	} else if b, ok := d.blocks[req.Block]; ok {
		copy(req.Data, b)
	} else {
		for i := range req.Data {
			req.Data[i] = 0
		}
	}
	done(req, nil)
}

// testFS bundles everything one mounted filesystem needs for a namei
// test: its device, allocator, inode context and directory mapper.
type testFS struct {
	id     int
	dev    device.Ldev
	alloc  *balloc.Allocator
	ifs    *inode.FS
	mapper *bmap.Mapper
}

func newTestFS(id int, major int, bufs *buf.Cache, inodes *inode.Cache) *testFS {
	dev := device.Ldev{Major: major, Minor: 0}
	lock := kernel.NewChannels()
	alloc := balloc.New(bufs, balloc.Layout{Dev: dev, BBitmap: 1, FirstBlock: 10, NBlocks: 2000})
	ifs := inode.NewFS(inode.Layout{Dev: dev, InodeStart: 2, NInodes: 64}, lock)
	inodes.RegisterFS(id, ifs)
	mapper := &bmap.Mapper{Dev: dev, Bufs: bufs, Alloc: alloc}
	return &testFS{id: id, dev: dev, alloc: alloc, ifs: ifs, mapper: mapper}
}

// writeDirEntries overwrites in's entire content with entries, sizing
// the inode accordingly. It only ever needs one block for these
// tests.
func writeDirEntries(t *testing.T, mapper *bmap.Mapper, in *inode.Inode, entries []ondisk.Dirent) {
	t.Helper()
	r, err := mapper.Map(in, 0)
	if err != nil {
		t.Fatal(err)
	}
	h := mapper.Bufs.GetBlk(mapper.Dev, r.FSBlock)
	for i := range h.Data {
		h.Data[i] = 0
	}
	for i, de := range entries {
		copy(h.Data[i*ondisk.DirentSize:(i+1)*ondisk.DirentSize], de.Encode())
	}
	h.MarkDwrite()
	mapper.Bufs.Brelse(h)
	in.Size = uint32(len(entries)) * ondisk.DirentSize
	in.MarkModified()
}

func setupSingleFS(t *testing.T) (*inode.Cache, *Namei, *testFS, *inode.Inode) {
	t.Helper()
	tbl := device.NewTable()
	tbl.Register(1, newMemDriver())
	bufs := buf.NewCache(64, 16, tbl)
	inodes := inode.NewCache(32, 16, bufs)
	fs := newTestFS(1, 1, bufs, inodes)

	root, err := inodes.Ialloc(fs.id, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	root.Nlinks = 2
	writeDirEntries(t, fs.mapper, root, []ondisk.Dirent{
		ondisk.NewDirent(uint16(root.Inum), "."),
		ondisk.NewDirent(uint16(root.Inum), ".."),
	})

	ns := &Namei{Inodes: inodes}
	ns.RegisterFS(fs.id, fs.mapper)
	return inodes, ns, fs, root
}

func TestLookupRoot(t *testing.T) {
	inodes, ns, fs, root := setupSingleFS(t)
	proc := &Process{Root: root, Cwd: root}

	res, err := ns.Lookup(proc, "/")
	if err != nil {
		t.Fatal(err)
	}
	if res.Inode.FS != fs.id || res.Inode.Inum != root.Inum {
		t.Fatalf("Lookup(/) = %+v, want root", res.Inode)
	}
	inodes.Iput(res.Inode)
}

func TestLookupChildAndDotDot(t *testing.T) {
	inodes, ns, fs, root := setupSingleFS(t)
	proc := &Process{Root: root, Cwd: root}

	child, err := inodes.Ialloc(fs.id, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	child.Nlinks = 2
	writeDirEntries(t, fs.mapper, child, []ondisk.Dirent{
		ondisk.NewDirent(uint16(child.Inum), "."),
		ondisk.NewDirent(uint16(root.Inum), ".."),
	})
	writeDirEntries(t, fs.mapper, root, []ondisk.Dirent{
		ondisk.NewDirent(uint16(root.Inum), "."),
		ondisk.NewDirent(uint16(root.Inum), ".."),
		ondisk.NewDirent(uint16(child.Inum), "sub"),
	})
	inodes.Iput(child)

	res, err := ns.Lookup(proc, "/sub")
	if err != nil {
		t.Fatal(err)
	}
	if res.Inode.Inum != child.Inum {
		t.Fatalf("Lookup(/sub) inum = %d, want %d", res.Inode.Inum, child.Inum)
	}
	gotChild := res.Inode

	back, err := ns.Lookup(&Process{Root: root, Cwd: gotChild}, "..")
	if err != nil {
		t.Fatal(err)
	}
	if back.Inode.Inum != root.Inum {
		t.Fatalf("Lookup(..) from /sub inum = %d, want root %d", back.Inode.Inum, root.Inum)
	}

	inodes.Iput(gotChild)
	inodes.Iput(back.Inode)
}

func TestLookupMissingReturnsParent(t *testing.T) {
	inodes, ns, _, root := setupSingleFS(t)
	proc := &Process{Root: root, Cwd: root}

	res, err := ns.Lookup(proc, "/nope")
	if err != ErrNotExist {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
	if res.Inode != nil {
		t.Fatalf("Inode = %+v, want nil", res.Inode)
	}
	if res.ParentInum != root.Inum {
		t.Fatalf("ParentInum = %d, want %d", res.ParentInum, root.Inum)
	}
}

func TestDotDotAtProcessRootIsNoop(t *testing.T) {
	inodes, ns, _, root := setupSingleFS(t)
	proc := &Process{Root: root, Cwd: root}

	res, err := ns.Lookup(proc, "..")
	if err != nil {
		t.Fatal(err)
	}
	if res.Inode.Inum != root.Inum {
		t.Fatalf("Lookup(..) at process root = inum %d, want %d (no-op)", res.Inode.Inum, root.Inum)
	}
	inodes.Iput(res.Inode)
}

func TestDotDotCrossesMountPoint(t *testing.T) {
	tbl := device.NewTable()
	tbl.Register(1, newMemDriver())
	tbl.Register(2, newMemDriver())
	bufs := buf.NewCache(64, 16, tbl)
	inodes := inode.NewCache(32, 16, bufs)

	outer := newTestFS(1, 1, bufs, inodes)
	inner := newTestFS(2, 2, bufs, inodes)

	outerRoot, err := inodes.Ialloc(outer.id, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	outerRoot.Nlinks = 3
	mnt, err := inodes.Ialloc(outer.id, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	mnt.Nlinks = 2
	mountInum := mnt.Inum
	writeDirEntries(t, outer.mapper, mnt, []ondisk.Dirent{
		ondisk.NewDirent(uint16(mnt.Inum), "."),
		ondisk.NewDirent(uint16(outerRoot.Inum), ".."),
	})
	writeDirEntries(t, outer.mapper, outerRoot, []ondisk.Dirent{
		ondisk.NewDirent(uint16(outerRoot.Inum), "."),
		ondisk.NewDirent(uint16(outerRoot.Inum), ".."),
		ondisk.NewDirent(uint16(mnt.Inum), "mnt"),
	})
	inodes.Iput(mnt)

	innerRoot, err := inodes.Iget(inner.id, 1)
	if err != nil {
		t.Fatal(err)
	}
	innerRoot.Type = ondisk.TypeDirectory
	innerRoot.Nlinks = 2
	writeDirEntries(t, inner.mapper, innerRoot, []ondisk.Dirent{
		ondisk.NewDirent(1, "."),
		ondisk.NewDirent(uint16(outerRoot.Inum), ".."), // placeholder; real value irrelevant, ParentOf wins
	})
	inodes.Iput(innerRoot)

	inodes.MountResolver = func(fs int, inum uint32) (int, bool) {
		if fs == outer.id && inum == mountInum {
			return inner.id, true
		}
		return 0, false
	}

	ns := &Namei{Inodes: inodes}
	ns.RegisterFS(outer.id, outer.mapper)
	ns.RegisterFS(inner.id, inner.mapper)
	ns.ParentOf = func(fs int) (int, uint32, bool) {
		if fs == inner.id {
			return outer.id, mountInum, true
		}
		return 0, 0, false
	}

	proc := &Process{Root: outerRoot, Cwd: outerRoot}

	mounted, err := ns.Lookup(proc, "/mnt")
	if err != nil {
		t.Fatal(err)
	}
	if mounted.Inode.FS != inner.id || mounted.Inode.Inum != 1 {
		t.Fatalf("Lookup(/mnt) = fs=%d inum=%d, want inner root", mounted.Inode.FS, mounted.Inode.Inum)
	}

	up, err := ns.Lookup(&Process{Root: outerRoot, Cwd: mounted.Inode}, "..")
	if err != nil {
		t.Fatal(err)
	}
	if up.Inode.FS != outer.id || up.Inode.Inum != mountInum {
		t.Fatalf("Lookup(..) from mounted root = fs=%d inum=%d, want outer fs=%d inum=%d", up.Inode.FS, up.Inode.Inum, outer.id, mountInum)
	}

	inodes.Iput(mounted.Inode)
	inodes.Iput(up.Inode)
}

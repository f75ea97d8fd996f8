package dirops

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

func setup(t *testing.T) (*inode.Cache, *Ops, *inode.Inode) {
	t.Helper()
	tbl := device.NewTable()
	tbl.Register(1, newMemDriver())
	bufs := buf.NewCache(64, 16, tbl)
	inodes := inode.NewCache(32, 16, bufs)
	dev := device.Ldev{Major: 1, Minor: 0}
	alloc := balloc.New(bufs, balloc.Layout{Dev: dev, BBitmap: 1, FirstBlock: 10, NBlocks: 2000})
	const fsID = 1
	inodes.RegisterFS(fsID, inode.NewFS(inode.Layout{Dev: dev, InodeStart: 2, NInodes: 64}, kernel.NewChannels()))
	mapper := &bmap.Mapper{Dev: dev, Bufs: bufs, Alloc: alloc}

	ops := &Ops{Inodes: inodes}
	ops.RegisterFS(fsID, mapper)

	root, err := inodes.Ialloc(fsID, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	root.Nlinks = 2
	if err := ops.writeEntry(mapper, root, 0, ondisk.NewDirent(uint16(root.Inum), ".")); err != nil {
		t.Fatal(err)
	}
	if err := ops.writeEntry(mapper, root, ondisk.DirentSize, ondisk.NewDirent(uint16(root.Inum), "..")); err != nil {
		t.Fatal(err)
	}
	return inodes, ops, root
}

func TestMknodeThenLookupViaScan(t *testing.T) {
	inodes, ops, root := setup(t)

	f, err := ops.Mknode(root, "hello", ondisk.TypeRegular, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if f.Nlinks != 1 {
		t.Fatalf("Nlinks = %d, want 1", f.Nlinks)
	}

	m := ops.Mappers[root.FS]
	inum, _, err := ops.scan(m, root, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if inum != f.Inum {
		t.Fatalf("scan found inum %d, want %d", inum, f.Inum)
	}
	inodes.Iput(f)
}

func TestMknodeDuplicateNameFails(t *testing.T) {
	_, ops, root := setup(t)
	f1, err := ops.Mknode(root, "dup", ondisk.TypeRegular, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer ops.Inodes.Iput(f1)

	if _, err := ops.Mknode(root, "dup", ondisk.TypeRegular, 0644); err != ErrExists {
		t.Fatalf("err = %v, want ErrExists", err)
	}
}

func TestUnlinkiRemovesEntryAndFreesOnZeroLinks(t *testing.T) {
	inodes, ops, root := setup(t)
	f, err := ops.Mknode(root, "gone", ondisk.TypeRegular, 0644)
	if err != nil {
		t.Fatal(err)
	}
	inum := f.Inum
	inodes.Iput(f) // drop our only reference so Unlinki's nlinks==0 path frees it

	if err := ops.Unlinki(root, "gone"); err != nil {
		t.Fatal(err)
	}

	m := ops.Mappers[root.FS]
	got, _, err := ops.scan(m, root, "gone")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("scan still finds unlinked entry: inum=%d", got)
	}

	again, err := inodes.Iget(root.FS, inum)
	if err != nil {
		t.Fatal(err)
	}
	if again.Type != ondisk.TypeFree {
		t.Fatalf("inode %d not freed after Unlinki dropped nlinks to 0", inum)
	}
	inodes.Iput(again)
}

func TestMkdirThenRmdir(t *testing.T) {
	inodes, ops, root := setup(t)

	sub, err := ops.Mkdir(root, "sub", 0755)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Nlinks != 2 {
		t.Fatalf("new directory Nlinks = %d, want 2", sub.Nlinks)
	}
	if root.Nlinks != 3 {
		t.Fatalf("parent Nlinks after Mkdir = %d, want 3", root.Nlinks)
	}
	inodes.Iput(sub)

	if err := ops.Rmdir(root, "sub"); err != nil {
		t.Fatal(err)
	}
	if root.Nlinks != 2 {
		t.Fatalf("parent Nlinks after Rmdir = %d, want 2", root.Nlinks)
	}
}

func TestRmdirRefusesNonEmpty(t *testing.T) {
	inodes, ops, root := setup(t)
	sub, err := ops.Mkdir(root, "sub", 0755)
	if err != nil {
		t.Fatal(err)
	}
	child, err := ops.Mknode(sub, "f", ondisk.TypeRegular, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer inodes.Iput(child)
	defer inodes.Iput(sub)

	if err := ops.Rmdir(root, "sub"); err != ErrNotEmpty {
		t.Fatalf("err = %v, want ErrNotEmpty", err)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	inodes, ops, root := setup(t)
	f, err := ops.Mknode(root, "old", ondisk.TypeRegular, 0644)
	if err != nil {
		t.Fatal(err)
	}
	inum := f.Inum
	inodes.Iput(f)

	if err := ops.Rename(root, "old", root, "new"); err != nil {
		t.Fatal(err)
	}

	m := ops.Mappers[root.FS]
	if got, _, _ := ops.scan(m, root, "old"); got != 0 {
		t.Fatalf("old name still present: inum=%d", got)
	}
	got, _, err := ops.scan(m, root, "new")
	if err != nil {
		t.Fatal(err)
	}
	if got != inum {
		t.Fatalf("new name resolves to inum %d, want %d", got, inum)
	}
}

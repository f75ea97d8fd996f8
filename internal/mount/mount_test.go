package mount

import (
	"sync"
	"testing"

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

func TestMountUmountRoundTrip(t *testing.T) {
	tbl := device.NewTable()
	tbl.Register(1, newMemDriver())
	tbl.Register(2, newMemDriver())
	bufs := buf.NewCache(64, 16, tbl)
	inodes := inode.NewCache(16, 8, bufs)

	outerDev := device.Ldev{Major: 1, Minor: 0}
	inodes.RegisterFS(1, inode.NewFS(inode.Layout{Dev: outerDev, InodeStart: 2, NInodes: 32}, kernel.NewChannels()))
	target, err := inodes.Ialloc(1, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	target.Nlinks = 2

	sourceDev := device.Ldev{Major: 2, Minor: 0}
	sb := ondisk.Superblock{
		Magic: ondisk.Magic, Type: 1, Version: 1,
		InodeStart: 2, BBitmap: 1, FirstBlock: 10,
		NInodes: 32, NBlocks: 2000,
	}
	// Write the raw sector directly through the driver rather than
	// via ondisk.Superblock.WriteTo (which needs an io.WriterAt this
	// test harness has no ready adapter for): ReadSuperblock only
	// cares about the bytes, not how they got there.
	raw := make([]byte, ondisk.BlockSize)
	putSB(raw, sb)

	h := bufs.GetBlk(sourceDev, 1)
	copy(h.Data, raw)
	if err := bufs.Bwrite(h); err != nil {
		t.Fatal(err)
	}
	bufs.Brelse(h)

	mt := NewTable()
	innerLayout := inode.Layout{Dev: sourceDev, InodeStart: sb.InodeStart, NInodes: sb.NInodes}
	gotSB, err := mt.Mount(bufs, inodes, target, sourceDev, 2, innerLayout)
	if err != nil {
		t.Fatal(err)
	}
	if gotSB.Magic != ondisk.Magic {
		t.Fatalf("Mount returned superblock with bad magic: %#x", gotSB.Magic)
	}

	inodes.MountResolver = mt.Resolve
	root, err := inodes.Iget(1, target.Inum)
	if err != nil {
		t.Fatal(err)
	}
	if root.FS != 2 || root.Inum != 1 {
		t.Fatalf("Iget on mount point did not redirect: fs=%d inum=%d", root.FS, root.Inum)
	}

	pfs, pino, ok := mt.ParentOf(2)
	if !ok || pfs != 1 || pino != target.Inum {
		t.Fatalf("ParentOf(2) = (%d,%d,%v), want (1,%d,true)", pfs, pino, ok, target.Inum)
	}

	inodes.Iput(root)
	if err := inodes.Iput(target); err != nil {
		t.Fatal(err)
	}

	if err := mt.Umount(bufs, inodes, 2); err != nil {
		t.Fatal(err)
	}
	if _, ok := mt.ParentOf(2); ok {
		t.Fatal("ParentOf still reports an entry after Umount")
	}
}

func TestMountRefusesNonDirectory(t *testing.T) {
	tbl := device.NewTable()
	tbl.Register(1, newMemDriver())
	bufs := buf.NewCache(16, 8, tbl)
	inodes := inode.NewCache(8, 4, bufs)
	dev := device.Ldev{Major: 1, Minor: 0}
	inodes.RegisterFS(1, inode.NewFS(inode.Layout{Dev: dev, InodeStart: 2, NInodes: 16}, kernel.NewChannels()))

	file, err := inodes.Ialloc(1, ondisk.TypeRegular, 0644)
	if err != nil {
		t.Fatal(err)
	}

	mt := NewTable()
	if _, err := mt.Mount(bufs, inodes, file, dev, 2, inode.Layout{}); err != ErrNotDirectory {
		t.Fatalf("err = %v, want ErrNotDirectory", err)
	}
}

func TestUmountRefusesBusy(t *testing.T) {
	tbl := device.NewTable()
	tbl.Register(1, newMemDriver())
	tbl.Register(2, newMemDriver())
	bufs := buf.NewCache(32, 8, tbl)
	inodes := inode.NewCache(8, 4, bufs)
	outerDev := device.Ldev{Major: 1, Minor: 0}
	inodes.RegisterFS(1, inode.NewFS(inode.Layout{Dev: outerDev, InodeStart: 2, NInodes: 16}, kernel.NewChannels()))
	target, err := inodes.Ialloc(1, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	target.Nlinks = 2

	sourceDev := device.Ldev{Major: 2, Minor: 0}
	sb := ondisk.Superblock{Magic: ondisk.Magic, Type: 1, Version: 1, InodeStart: 2, BBitmap: 1, FirstBlock: 10, NInodes: 16, NBlocks: 2000}
	raw := make([]byte, ondisk.BlockSize)
	putSB(raw, sb)
	h := bufs.GetBlk(sourceDev, 1)
	copy(h.Data, raw)
	bufs.Bwrite(h)
	bufs.Brelse(h)

	mt := NewTable()
	if _, err := mt.Mount(bufs, inodes, target, sourceDev, 2, inode.Layout{Dev: sourceDev, InodeStart: sb.InodeStart, NInodes: sb.NInodes}); err != nil {
		t.Fatal(err)
	}
	inodes.MountResolver = mt.Resolve

	root, err := inodes.Iget(1, target.Inum)
	if err != nil {
		t.Fatal(err)
	}

	if err := mt.Umount(bufs, inodes, 2); err != ErrBusy {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	inodes.Iput(root)
}

// putSB writes sb's fields directly in the byte layout
// ondisk.ReadSuperblock expects at sector 1, avoiding a dependency on
// an io.WriterAt adapter in this test.
func putSB(buf []byte, sb ondisk.Superblock) {
	put := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	put(0, sb.Magic)
	put(4, sb.Type)
	put(8, sb.Version)
	put(12, sb.NotClean)
	put(16, sb.InodeStart)
	put(20, sb.BBitmap)
	put(24, sb.FirstBlock)
	put(28, sb.NInodes)
	put(32, sb.NBlocks)
}

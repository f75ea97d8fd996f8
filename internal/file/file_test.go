package file

import (
	"bytes"
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

func setup(t *testing.T) (*inode.Cache, *Table, *inode.Inode) {
	t.Helper()
	tbl := device.NewTable()
	tbl.Register(1, newMemDriver())
	bufs := buf.NewCache(64, 16, tbl)
	inodes := inode.NewCache(16, 8, bufs)
	dev := device.Ldev{Major: 1, Minor: 0}
	alloc := balloc.New(bufs, balloc.Layout{Dev: dev, BBitmap: 1, FirstBlock: 10, NBlocks: 2000})
	const fsID = 1
	inodes.RegisterFS(fsID, inode.NewFS(inode.Layout{Dev: dev, InodeStart: 2, NInodes: 32}, kernel.NewChannels()))
	mapper := &bmap.Mapper{Dev: dev, Bufs: bufs, Alloc: alloc}

	ft := NewTable()
	ft.RegisterFS(fsID, mapper)

	in, err := inodes.Ialloc(fsID, ondisk.TypeRegular, 0644)
	if err != nil {
		t.Fatal(err)
	}
	in.Nlinks = 1
	return inodes, ft, in
}

func TestWriteReadRoundTrip(t *testing.T) {
	inodes, ft, in := setup(t)

	e, err := ft.Open(in, ORDWR)
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("Hello World\x00")
	n, err := ft.Write(inodes, e, msg)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msg) {
		t.Fatalf("Write returned %d, want %d", n, len(msg))
	}
	if _, err := ft.Close(inodes, e); err != nil {
		t.Fatal(err)
	}

	e2, err := ft.Open(in, OREAD)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ft.Lseek(e2, 0, SEEKSET); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(msg))
	n, err = ft.Read(inodes, e2, got)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(msg) || !bytes.Equal(got, msg) {
		t.Fatalf("Read = %q (n=%d), want %q", got, n, msg)
	}
	if _, err := ft.Close(inodes, e2); err != nil {
		t.Fatal(err)
	}
}

func TestWriteSpanningBlocks(t *testing.T) {
	inodes, ft, in := setup(t)

	e, err := ft.Open(in, ORDWR)
	if err != nil {
		t.Fatal(err)
	}
	big := bytes.Repeat([]byte{0xAB}, ondisk.BlockSize*3+17)
	if _, err := ft.Write(inodes, e, big); err != nil {
		t.Fatal(err)
	}
	if in.Size != uint32(len(big)) {
		t.Fatalf("inode size = %d, want %d", in.Size, len(big))
	}

	if _, err := ft.Lseek(e, 0, SEEKSET); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(big))
	n, err := ft.Read(inodes, e, got)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(big) || !bytes.Equal(got, big) {
		t.Fatal("multi-block read did not round-trip the write")
	}
	ft.Close(inodes, e)
}

func TestAppendSeeksToEnd(t *testing.T) {
	inodes, ft, in := setup(t)

	e, err := ft.Open(in, ORDWR)
	if err != nil {
		t.Fatal(err)
	}
	ft.Write(inodes, e, []byte("0123456789"))
	ft.Close(inodes, e)

	e2, err := ft.Open(in, ORDWR|OAPPEND)
	if err != nil {
		t.Fatal(err)
	}
	if e2.Offset != 10 {
		t.Fatalf("OAPPEND offset = %d, want 10", e2.Offset)
	}
	ft.Write(inodes, e2, []byte("ABCDE"))
	if in.Size != 15 {
		t.Fatalf("size after append = %d, want 15", in.Size)
	}
	ft.Close(inodes, e2)
}

func TestTruncateOnOpen(t *testing.T) {
	inodes, ft, in := setup(t)

	e, err := ft.Open(in, ORDWR)
	if err != nil {
		t.Fatal(err)
	}
	ft.Write(inodes, e, bytes.Repeat([]byte{1}, ondisk.BlockSize*2))
	ft.Close(inodes, e)

	e2, err := ft.Open(in, ORDWR|OTRUNC)
	if err != nil {
		t.Fatal(err)
	}
	if in.Size != 0 {
		t.Fatalf("size after OTRUNC = %d, want 0", in.Size)
	}
	for _, b := range in.Blocks {
		if b != 0 {
			t.Fatal("OTRUNC left a block reference behind")
		}
	}
	ft.Close(inodes, e2)
}

func TestOpenDirectoryForWriteFails(t *testing.T) {
	inodes, ft, _ := setup(t)
	dir, err := inodes.Ialloc(1, ondisk.TypeDirectory, 0755)
	if err != nil {
		t.Fatal(err)
	}
	dir.Nlinks = 2
	if _, err := ft.Open(dir, OWRITE); err != ErrIsDirectory {
		t.Fatalf("err = %v, want ErrIsDirectory", err)
	}
}

func TestDupSharesOffset(t *testing.T) {
	inodes, ft, in := setup(t)
	e, err := ft.Open(in, ORDWR)
	if err != nil {
		t.Fatal(err)
	}
	ft.Write(inodes, e, []byte("abcdef"))

	dup := ft.Dup(e)
	if dup != e {
		t.Fatal("Dup should return the same shared entry")
	}
	if _, err := ft.Lseek(dup, 0, SEEKSET); err != nil {
		t.Fatal(err)
	}
	if e.Offset != 0 {
		t.Fatal("Lseek via dup did not affect the shared entry")
	}

	if _, err := ft.Close(inodes, e); err != nil {
		t.Fatal(err)
	}
	// one more reference (dup) still outstanding; inode must remain valid.
	if in.NRef() == 0 {
		t.Fatal("Close dropped the inode while a dup'd reference remained")
	}
	if _, err := ft.Close(inodes, dup); err != nil {
		t.Fatal(err)
	}
}

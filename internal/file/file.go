// Package file implements the system-wide file table and per-process
// descriptors of spec §4.6: open/close/dup/read/write/lseek, layered
// on top of bmap for the actual block traffic.
package file

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/bmap"
	"github.com/stixfs/stix/internal/inode"
	"github.com/stixfs/stix/internal/ondisk"
)

// Flag is an open-mode bit, combined like the historical FREAD/FWRITE
// pair rather than POSIX's O_RDONLY==0 scheme.
type Flag int

const (
	OREAD Flag = 1 << iota
	OWRITE
	OCREATE
	OTRUNC
	OAPPEND
	OSYNC
)

// ORDWR is shorthand for read+write.
const ORDWR = OREAD | OWRITE

// Whence selects lseek's offset interpretation.
type Whence int

const (
	SEEKSET Whence = iota
	SEEKCUR
	SEEKEND
)

var (
	ErrIsDirectory     = xerrors.New("file: is a directory")
	ErrNotOpenForRead  = xerrors.New("file: descriptor not open for reading")
	ErrNotOpenForWrite = xerrors.New("file: descriptor not open for writing")
	ErrBadWhence       = xerrors.New("file: invalid whence")
	ErrNoMapperForFS   = xerrors.New("file: no block mapper registered for filesystem")
)

// Entry is one system-wide open-file-table record: an inode reference
// shared by every descriptor dup'd from the same open call, plus the
// shared seek offset classical Unix gives such descriptors.
type Entry struct {
	mu     sync.Mutex
	Inode  *inode.Inode
	Flags  Flag
	Offset uint32
	refs   int
}

// Table is the system-wide open-file table plus the per-filesystem
// block mappers reads and writes are serviced through.
type Table struct {
	mu      sync.Mutex
	mappers map[int]*bmap.Mapper
}

// NewTable constructs an empty file table.
func NewTable() *Table {
	return &Table{mappers: make(map[int]*bmap.Mapper)}
}

// RegisterFS associates fsID with the bmap.Mapper used to service
// reads and writes against its inodes.
func (t *Table) RegisterFS(fsID int, m *bmap.Mapper) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mappers[fsID] = m
}

func (t *Table) mapperFor(fsID int) (*bmap.Mapper, error) {
	t.mu.Lock()
	m, ok := t.mappers[fsID]
	t.mu.Unlock()
	if !ok {
		return nil, ErrNoMapperForFS
	}
	return m, nil
}

// Open creates a new file-table entry over an already-resolved and
// iget'd inode (path resolution and O_CREATE node creation are the
// caller's — namei/dirops — job; this layer owns only the table and
// the byte traffic). Callers must Close the returned entry exactly
// once per reference.
func (t *Table) Open(in *inode.Inode, flags Flag) (*Entry, error) {
	if in.Type == ondisk.TypeDirectory && flags&OWRITE != 0 {
		return nil, ErrIsDirectory
	}

	e := &Entry{Inode: in, Flags: flags, refs: 1}

	if flags&OTRUNC != 0 {
		m, err := t.mapperFor(in.FS)
		if err != nil {
			return nil, err
		}
		if err := m.Truncate(in); err != nil {
			return nil, xerrors.Errorf("file: truncating on open: %w", err)
		}
	}
	if flags&OAPPEND != 0 {
		e.Offset = in.Size
	}
	return e, nil
}

// Dup clones a descriptor onto the same table entry, bumping its
// reference count.
func (t *Table) Dup(e *Entry) *Entry {
	e.mu.Lock()
	e.refs++
	e.mu.Unlock()
	return e
}

// Close drops one reference to e; when the last reference goes away
// the underlying inode is released via inodes.Iput. The returned bool
// reports whether this was that last reference, so callers with their
// own per-entry cleanup (character-device close, say) know when to
// run it.
func (t *Table) Close(inodes *inode.Cache, e *Entry) (bool, error) {
	e.mu.Lock()
	e.refs--
	last := e.refs == 0
	e.mu.Unlock()
	if !last {
		return false, nil
	}
	return true, inodes.Iput(e.Inode)
}

// Read copies up to len(p) bytes starting at e's current offset,
// advancing it, and stops at EOF. It always goes through bmap;
// internal/vfs routes character and block special files to their
// drivers (via internal/cdev and VFS.blockIO respectively) before
// they reach this path.
func (t *Table) Read(inodes *inode.Cache, e *Entry, p []byte) (int, error) {
	if e.Flags&OREAD == 0 {
		return 0, ErrNotOpenForRead
	}
	m, err := t.mapperFor(e.Inode.FS)
	if err != nil {
		return 0, err
	}

	inodes.LockInode(e.Inode)
	defer inodes.UnlockInode(e.Inode)

	n := 0
	for n < len(p) {
		if e.Offset >= e.Inode.Size {
			break
		}
		res, err := m.Lookup(e.Inode, e.Offset)
		if err != nil {
			return n, err
		}
		h, err := m.ReadBlock(res)
		if err != nil {
			return n, err
		}

		avail := res.LeftInBlock
		if remaining := e.Inode.Size - e.Offset; uint32(avail) > remaining {
			avail = int(remaining)
		}
		want := len(p) - n
		if want > avail {
			want = avail
		}
		copy(p[n:n+want], h.Data[res.OffsetInBlk:res.OffsetInBlk+want])
		m.Bufs.Brelse(h)

		n += want
		e.Offset += uint32(want)
	}
	return n, nil
}

// Write copies p to e's current offset, allocating blocks as needed
// via bmap and extending the inode's size past EOF. OSYNC forces an
// immediate bwrite per block instead of a delayed write.
func (t *Table) Write(inodes *inode.Cache, e *Entry, p []byte) (int, error) {
	if e.Flags&OWRITE == 0 {
		return 0, ErrNotOpenForWrite
	}
	m, err := t.mapperFor(e.Inode.FS)
	if err != nil {
		return 0, err
	}

	inodes.LockInode(e.Inode)
	defer inodes.UnlockInode(e.Inode)

	n := 0
	for n < len(p) {
		res, err := m.Map(e.Inode, e.Offset)
		if err != nil {
			return n, err
		}
		h := m.Bufs.GetBlk(m.Dev, res.FSBlock)

		want := len(p) - n
		if want > res.LeftInBlock {
			want = res.LeftInBlock
		}
		copy(h.Data[res.OffsetInBlk:res.OffsetInBlk+want], p[n:n+want])

		if e.Flags&OSYNC != 0 {
			err := m.Bufs.Bwrite(h)
			m.Bufs.Brelse(h)
			if err != nil {
				return n, err
			}
		} else {
			h.MarkDwrite()
			m.Bufs.Brelse(h)
		}

		n += want
		e.Offset += uint32(want)
		if e.Offset > e.Inode.Size {
			e.Inode.Size = e.Offset
		}
		e.Inode.MarkModified()
	}
	return n, nil
}

// Lseek repositions e's offset per whence and returns the new offset.
func (t *Table) Lseek(e *Entry, offset int64, whence Whence) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var base int64
	switch whence {
	case SEEKSET:
		base = 0
	case SEEKCUR:
		base = int64(e.Offset)
	case SEEKEND:
		base = int64(e.Inode.Size)
	default:
		return e.Offset, ErrBadWhence
	}
	pos := base + offset
	if pos < 0 {
		pos = 0
	}
	e.Offset = uint32(pos)
	return e.Offset, nil
}

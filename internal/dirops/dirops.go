// Package dirops implements the directory-mutating operations of
// spec §4.7 — linki, unlinki, mknode, mkdir, rmdir, rename — each
// built from a directory-entry scan followed by bmap traffic, the way
// namei scans directories for lookup.
package dirops

import (
	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/bmap"
	"github.com/stixfs/stix/internal/inode"
	"github.com/stixfs/stix/internal/ondisk"
)

var (
	ErrExists       = xerrors.New("dirops: name already exists")
	ErrNotFound     = xerrors.New("dirops: name not found")
	ErrCrossDevice  = xerrors.New("dirops: link across filesystems")
	ErrNotDirectory = xerrors.New("dirops: not a directory")
	ErrNotEmpty     = xerrors.New("dirops: directory not empty")
)

// Ops performs directory mutations across a set of mounted
// filesystems, each with its own bmap.Mapper.
type Ops struct {
	Inodes  *inode.Cache
	Mappers map[int]*bmap.Mapper
}

// RegisterFS associates fsID with the bmap.Mapper used to read and
// extend its directories.
func (o *Ops) RegisterFS(fsID int, m *bmap.Mapper) {
	if o.Mappers == nil {
		o.Mappers = make(map[int]*bmap.Mapper)
	}
	o.Mappers[fsID] = m
}

func (o *Ops) mapperFor(fs int) (*bmap.Mapper, error) {
	m, ok := o.Mappers[fs]
	if !ok {
		return nil, xerrors.Errorf("dirops: no mapper registered for filesystem %d", fs)
	}
	return m, nil
}

// scan linearly searches dir for name, returning its inode number and
// the logical byte offset of its directory-entry slot. inum is 0 if
// not found.
func (o *Ops) scan(m *bmap.Mapper, dir *inode.Inode, name string) (inum uint32, offset uint32, err error) {
	for off := uint32(0); off < dir.Size; off += ondisk.DirentSize {
		de, err := o.readEntry(m, dir, off)
		if err != nil {
			return 0, 0, err
		}
		if de.Inum != 0 && de.NameString() == name {
			return uint32(de.Inum), off, nil
		}
	}
	return 0, 0, nil
}

// findSlot returns the logical offset of a zero-inum entry to reuse,
// or dir.Size to extend the directory by one new entry.
func (o *Ops) findSlot(m *bmap.Mapper, dir *inode.Inode) (uint32, error) {
	for off := uint32(0); off < dir.Size; off += ondisk.DirentSize {
		de, err := o.readEntry(m, dir, off)
		if err != nil {
			return 0, err
		}
		if de.Inum == 0 {
			return off, nil
		}
	}
	return dir.Size, nil
}

func (o *Ops) readEntry(m *bmap.Mapper, dir *inode.Inode, offset uint32) (ondisk.Dirent, error) {
	res, err := m.Lookup(dir, offset)
	if err != nil {
		return ondisk.Dirent{}, xerrors.Errorf("dirops: mapping directory offset %d: %w", offset, err)
	}
	h, err := m.ReadBlock(res)
	if err != nil {
		return ondisk.Dirent{}, err
	}
	de, err := ondisk.DecodeDirent(h.Data[res.OffsetInBlk : res.OffsetInBlk+ondisk.DirentSize])
	m.Bufs.Brelse(h)
	return de, err
}

// writeEntry writes de at offset within dir, allocating a new block
// via bmap if offset falls past the directory's current content, and
// growing dir.Size to cover it.
func (o *Ops) writeEntry(m *bmap.Mapper, dir *inode.Inode, offset uint32, de ondisk.Dirent) error {
	res, err := m.Map(dir, offset)
	if err != nil {
		return xerrors.Errorf("dirops: mapping directory offset %d: %w", offset, err)
	}
	h := m.Bufs.GetBlk(m.Dev, res.FSBlock)
	copy(h.Data[res.OffsetInBlk:res.OffsetInBlk+ondisk.DirentSize], de.Encode())
	h.MarkDwrite()
	m.Bufs.Brelse(h)

	if offset+ondisk.DirentSize > dir.Size {
		dir.Size = offset + ondisk.DirentSize
	}
	dir.MarkModified()
	return nil
}

// Linki adds a directory entry named name in parent pointing at
// target, and bumps target's link count. It refuses if name already
// exists in parent or if parent and target live on different
// filesystems.
func (o *Ops) Linki(parent, target *inode.Inode, name string) error {
	if parent.FS != target.FS {
		return ErrCrossDevice
	}
	m, err := o.mapperFor(parent.FS)
	if err != nil {
		return err
	}
	if existing, _, err := o.scan(m, parent, name); err != nil {
		return err
	} else if existing != 0 {
		return ErrExists
	}

	slot, err := o.findSlot(m, parent)
	if err != nil {
		return err
	}
	if err := o.writeEntry(m, parent, slot, ondisk.NewDirent(uint16(target.Inum), name)); err != nil {
		return err
	}

	target.Nlinks++
	target.MarkModified()
	return nil
}

// Unlinki removes name from parent's directory content and drops the
// link count of the inode it referred to, freeing it via Iput's usual
// nlinks==0 path if this was the last link and no one has it open.
func (o *Ops) Unlinki(parent *inode.Inode, name string) error {
	m, err := o.mapperFor(parent.FS)
	if err != nil {
		return err
	}
	inum, offset, err := o.scan(m, parent, name)
	if err != nil {
		return err
	}
	if inum == 0 {
		return ErrNotFound
	}

	child, err := o.Inodes.Iget(parent.FS, inum)
	if err != nil {
		return err
	}

	o.Inodes.LockInode(child)
	child.Nlinks--
	child.MarkModified()
	o.Inodes.UnlockInode(child)

	if err := o.writeEntry(m, parent, offset, ondisk.Dirent{}); err != nil {
		o.Inodes.Iput(child)
		return err
	}
	return o.Inodes.Iput(child)
}

// Mknode allocates a fresh inode of the given type and mode, then
// links it into parent under name.
func (o *Ops) Mknode(parent *inode.Inode, name string, typ uint16, mode uint16) (*inode.Inode, error) {
	m, err := o.mapperFor(parent.FS)
	if err != nil {
		return nil, err
	}
	if existing, _, err := o.scan(m, parent, name); err != nil {
		return nil, err
	} else if existing != 0 {
		return nil, ErrExists
	}

	in, err := o.Inodes.Ialloc(parent.FS, typ, mode)
	if err != nil {
		return nil, err
	}
	if err := o.Linki(parent, in, name); err != nil {
		o.Inodes.Iput(in)
		return nil, err
	}
	return in, nil
}

// Mkdir creates a new directory under parent, seeding its first block
// with "." and ".." and bumping both link counts accordingly: the new
// directory starts at nlinks==2 (its "." entry plus parent's entry
// naming it), and parent gains one link for the child's "..".
func (o *Ops) Mkdir(parent *inode.Inode, name string, mode uint16) (*inode.Inode, error) {
	dir, err := o.Mknode(parent, name, ondisk.TypeDirectory, mode)
	if err != nil {
		return nil, err
	}
	m, err := o.mapperFor(parent.FS)
	if err != nil {
		return nil, err
	}
	if err := o.writeEntry(m, dir, 0, ondisk.NewDirent(uint16(dir.Inum), ".")); err != nil {
		return nil, err
	}
	if err := o.writeEntry(m, dir, ondisk.DirentSize, ondisk.NewDirent(uint16(parent.Inum), "..")); err != nil {
		return nil, err
	}
	dir.Nlinks++
	dir.MarkModified()
	parent.Nlinks++
	parent.MarkModified()
	return dir, nil
}

// isEmpty reports whether dir contains only "." and "..", per the
// redesigned rmdir check (a direct scan, not a historical nlinks>3
// comparison).
func (o *Ops) isEmpty(m *bmap.Mapper, dir *inode.Inode) (bool, error) {
	for off := uint32(0); off < dir.Size; off += ondisk.DirentSize {
		de, err := o.readEntry(m, dir, off)
		if err != nil {
			return false, err
		}
		if de.Inum == 0 {
			continue
		}
		if n := de.NameString(); n != "." && n != ".." {
			return false, nil
		}
	}
	return true, nil
}

// Rmdir removes an empty subdirectory named name from parent.
func (o *Ops) Rmdir(parent *inode.Inode, name string) error {
	m, err := o.mapperFor(parent.FS)
	if err != nil {
		return err
	}
	inum, _, err := o.scan(m, parent, name)
	if err != nil {
		return err
	}
	if inum == 0 {
		return ErrNotFound
	}

	child, err := o.Inodes.Iget(parent.FS, inum)
	if err != nil {
		return err
	}
	if child.Type != ondisk.TypeDirectory {
		o.Inodes.Iput(child)
		return ErrNotDirectory
	}
	empty, err := o.isEmpty(m, child)
	if err != nil {
		o.Inodes.Iput(child)
		return err
	}
	if !empty {
		o.Inodes.Iput(child)
		return ErrNotEmpty
	}

	// Drop the child's self-link ("."), and the parent's link that
	// the child's ".." represented; Unlinki below drops the parent
	// directory's own entry for the child, bringing nlinks to 0.
	child.Nlinks--
	child.MarkModified()
	parent.Nlinks--
	parent.MarkModified()

	if err := o.Inodes.Iput(child); err != nil {
		return err
	}
	return o.Unlinki(parent, name)
}

// Rename moves the entry named oldName in oldParent to newName in
// newParent: unlink(new) if it already exists, link(old -> new), then
// remove the old entry so the node is moved rather than duplicated.
func (o *Ops) Rename(oldParent *inode.Inode, oldName string, newParent *inode.Inode, newName string) error {
	m, err := o.mapperFor(oldParent.FS)
	if err != nil {
		return err
	}
	inum, _, err := o.scan(m, oldParent, oldName)
	if err != nil {
		return err
	}
	if inum == 0 {
		return ErrNotFound
	}

	target, err := o.Inodes.Iget(oldParent.FS, inum)
	if err != nil {
		return err
	}

	dm, err := o.mapperFor(newParent.FS)
	if err != nil {
		o.Inodes.Iput(target)
		return err
	}
	if existing, _, err := o.scan(dm, newParent, newName); err != nil {
		o.Inodes.Iput(target)
		return err
	} else if existing != 0 {
		if err := o.Unlinki(newParent, newName); err != nil {
			o.Inodes.Iput(target)
			return err
		}
	}

	if err := o.Linki(newParent, target, newName); err != nil {
		o.Inodes.Iput(target)
		return err
	}
	if err := o.Inodes.Iput(target); err != nil {
		return err
	}
	return o.Unlinki(oldParent, oldName)
}

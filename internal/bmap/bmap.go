// Package bmap maps a byte offset within a file to the filesystem
// block that holds it, per spec §4.4: direct references (slots
// 0..18), then one or more levels of indirection built from however
// many block numbers fit in one block. Missing blocks are allocated
// on demand.
package bmap

import (
	"encoding/binary"

	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/balloc"
	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/inode"
	"github.com/stixfs/stix/internal/ondisk"
)

// refsPerBlock is how many uint32 block references fit in one block.
const refsPerBlock = ondisk.BlockSize / 4

// Result describes where one file offset lives.
type Result struct {
	FSBlock     uint32 // 0 only if allocation failed
	OffsetInBlk int
	LeftInBlock int
	Readahead   uint32 // hint: next block's data, 0 if none
}

// Mapper maps offsets within the inodes of one mounted filesystem.
type Mapper struct {
	Dev   device.Ldev
	Bufs  *buf.Cache
	Alloc *balloc.Allocator
}

// Lookup resolves offset within in without allocating: used for
// scanning existing file/directory content, where a hole would
// indicate a bug rather than something to fill in lazily.
func (m *Mapper) Lookup(in *inode.Inode, offset uint32) (Result, error) {
	blockIdx := offset / ondisk.BlockSize
	res := Result{
		OffsetInBlk: int(offset % ondisk.BlockSize),
		LeftInBlock: ondisk.BlockSize - int(offset%ondisk.BlockSize),
	}
	fsBlock, err := m.resolve(in, blockIdx, false)
	if err != nil {
		return res, err
	}
	res.FSBlock = fsBlock
	if ra, err := m.resolve(in, blockIdx+1, false); err == nil {
		res.Readahead = ra
	}
	return res, nil
}

// ReadBlock fetches the buffer for res.FSBlock, using Breada's
// read-ahead hint when available.
func (m *Mapper) ReadBlock(res Result) (*buf.Head, error) {
	if res.Readahead != 0 {
		return m.Bufs.Breada(m.Dev, res.FSBlock, res.Readahead)
	}
	return m.Bufs.Bread(m.Dev, res.FSBlock)
}

// Map resolves offset within in, allocating any missing intermediate
// or data block via Alloc and marking the parent indirect block
// dwrite, per §4.4. It returns FSBlock == 0 only when allocation
// failed partway through.
func (m *Mapper) Map(in *inode.Inode, offset uint32) (Result, error) {
	blockIdx := offset / ondisk.BlockSize
	res := Result{
		OffsetInBlk: int(offset % ondisk.BlockSize),
		LeftInBlock: ondisk.BlockSize - int(offset%ondisk.BlockSize),
	}

	fsBlock, err := m.resolve(in, blockIdx, true)
	if err != nil {
		return res, err
	}
	res.FSBlock = fsBlock

	if ra, err := m.resolve(in, blockIdx+1, false); err == nil {
		res.Readahead = ra
	}
	return res, nil
}

// resolve walks the direct/indirect tree to find (and optionally
// allocate) the filesystem block backing logical block index idx.
func (m *Mapper) resolve(in *inode.Inode, idx uint32, allocate bool) (uint32, error) {
	if idx < ondisk.NDirect {
		return m.resolveSlot(&in.Blocks[idx], in, allocate)
	}
	idx -= ondisk.NDirect

	// Levels of indirection beyond the direct refs: level 0 is single
	// indirect (slot IndSingle), level 1 is double indirect (slot
	// IndDouble), and so on, generalized per §4.4/§9 rather than
	// hard-coded to exactly two levels.
	level := 0
	span := uint32(1)
	for {
		capacity := span * refsPerBlock
		if idx < capacity {
			break
		}
		idx -= capacity
		span *= refsPerBlock
		level++
		if ondisk.NDirect+level >= ondisk.NBlockRefs {
			return 0, xerrors.New("bmap: offset exceeds maximum representable file size")
		}
	}

	rootSlot := &in.Blocks[ondisk.NDirect+level]
	rootBlock, err := m.resolveSlot(rootSlot, in, allocate)
	if err != nil || rootBlock == 0 {
		return 0, err
	}

	return m.walkIndirect(rootBlock, idx, level, allocate, in)
}

// walkIndirect descends level levels of indirect blocks rooted at
// block, locating (and allocating, if requested) the leaf data block
// for the idx-th entry within that subtree.
func (m *Mapper) walkIndirect(block uint32, idx uint32, level int, allocate bool, in *inode.Inode) (uint32, error) {
	h, err := m.Bufs.Bread(m.Dev, block)
	if err != nil {
		return 0, xerrors.Errorf("bmap: reading indirect block %d: %w", block, err)
	}
	defer m.Bufs.Brelse(h)

	span := uint32(1)
	for i := 0; i < level; i++ {
		span *= refsPerBlock
	}
	slot := idx / span
	rest := idx % span

	ref := binary.LittleEndian.Uint32(h.Data[slot*4 : slot*4+4])
	if ref == 0 {
		if !allocate {
			return 0, xerrors.New("bmap: no readahead block allocated")
		}
		nb, err := m.Alloc.Balloc()
		if err != nil {
			return 0, err
		}
		ref = nb.Block
		binary.LittleEndian.PutUint32(h.Data[slot*4:slot*4+4], ref)
		h.MarkDwrite()
		m.Bufs.Brelse(nb)
	}

	if level == 0 {
		return ref, nil
	}
	return m.walkIndirect(ref, rest, level-1, allocate, in)
}

// Truncate frees every block in's data tree references — direct refs
// and every level of indirection — and resets in to an empty file, as
// OTRUNC and the last-close-with-nlinks==0 path both need (§4.6/§4.3).
func (m *Mapper) Truncate(in *inode.Inode) error {
	for i := 0; i < ondisk.NDirect; i++ {
		if in.Blocks[i] != 0 {
			if err := m.Alloc.Bfree(in.Blocks[i]); err != nil {
				return err
			}
			in.Blocks[i] = 0
		}
	}
	for level, slot := 1, ondisk.NDirect; slot < ondisk.NBlockRefs; level, slot = level+1, slot+1 {
		if in.Blocks[slot] == 0 {
			continue
		}
		if err := m.freeIndirect(in.Blocks[slot], level); err != nil {
			return err
		}
		in.Blocks[slot] = 0
	}
	in.Size = 0
	in.MarkModified()
	return nil
}

// freeIndirect frees block itself and, if level > 0, every block it
// transitively references.
func (m *Mapper) freeIndirect(block uint32, level int) error {
	if level > 0 {
		h, err := m.Bufs.Bread(m.Dev, block)
		if err != nil {
			return xerrors.Errorf("bmap: reading indirect block %d for free: %w", block, err)
		}
		refs := make([]uint32, refsPerBlock)
		for i := range refs {
			refs[i] = binary.LittleEndian.Uint32(h.Data[i*4 : i*4+4])
		}
		m.Bufs.Brelse(h)
		for _, ref := range refs {
			if ref == 0 {
				continue
			}
			if err := m.freeIndirect(ref, level-1); err != nil {
				return err
			}
		}
	}
	return m.Alloc.Bfree(block)
}

// resolveSlot reads a direct or indirect-root block reference,
// allocating it on demand if it is zero and allocate is set.
func (m *Mapper) resolveSlot(slot *uint32, in *inode.Inode, allocate bool) (uint32, error) {
	if *slot != 0 {
		return *slot, nil
	}
	if !allocate {
		return 0, xerrors.New("bmap: no readahead block allocated")
	}
	h, err := m.Alloc.Balloc()
	if err != nil {
		return 0, err
	}
	*slot = h.Block
	in.MarkModified()
	m.Bufs.Brelse(h)
	return *slot, nil
}

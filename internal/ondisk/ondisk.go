// Package ondisk defines the bit-exact on-disk layout of a stix
// filesystem: the superblock, the packed inode record and directory
// entries. All multi-byte fields are little-endian regardless of host
// byte order, matching the wire format described in the specification.
package ondisk

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// BlockSize is the fixed size in bytes of every disk block (sector).
const BlockSize = 512

// Magic identifies a stix superblock: the ASCII bytes "stix" read as
// a big-endian uint32. Like every other field it is stored
// little-endian, so the bytes on disk read "xits".
const Magic = 0x73746978

// File types stored in a dinode's Type field.
const (
	TypeFree = iota
	TypeRegular
	TypeDirectory
	TypeCharacter
	TypeBlock
	TypeFIFO
	TypeUnspec
)

// NameLen is the fixed width of a directory entry's name field.
const NameLen = 14

// DirentSize is the on-disk size of one directory entry:
// 2-byte inode number + NameLen bytes of name.
const DirentSize = 2 + NameLen

// NDirect is the number of direct block references in a dinode.
const NDirect = 19

// Indirection slot indices, following the direct references.
const (
	IndSingle = NDirect     // slot 19: single indirect
	IndDouble = NDirect + 1 // slot 20: double indirect
	NBlockRefs = NDirect + 2
)

// Superblock is the on-disk filesystem header, stored at sector 1.
type Superblock struct {
	Magic      uint32
	Type       uint32
	Version    uint32
	NotClean   uint32
	InodeStart uint32 // first sector of the inode table
	BBitmap    uint32 // first sector of the block bitmap
	FirstBlock uint32 // first data block
	NInodes    uint32
	NBlocks    uint32
}

// ReadSuperblock decodes a Superblock from sector 1 of r and validates
// it per §6.1: magic must match, NInodes/NBlocks must be non-zero, and
// BBitmap/FirstBlock/InodeStart must each be strictly less than
// NBlocks.
func ReadSuperblock(r io.ReaderAt) (Superblock, error) {
	var sb Superblock
	buf := make([]byte, BlockSize)
	if _, err := r.ReadAt(buf, BlockSize); err != nil {
		return sb, xerrors.Errorf("reading superblock sector: %w", err)
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return sb, xerrors.Errorf("decoding superblock: %w", err)
	}
	if err := sb.Validate(); err != nil {
		return sb, err
	}
	return sb, nil
}

// Validate checks the field-range invariants required by §6.1.
func (sb Superblock) Validate() error {
	if sb.Magic != Magic {
		return xerrors.Errorf("bad superblock magic: got %#x, want %#x", sb.Magic, uint32(Magic))
	}
	if sb.NInodes == 0 {
		return xerrors.New("superblock: ninodes is zero")
	}
	if sb.NBlocks == 0 {
		return xerrors.New("superblock: nblocks is zero")
	}
	if sb.BBitmap >= sb.NBlocks {
		return xerrors.Errorf("superblock: bbitmap %d >= nblocks %d", sb.BBitmap, sb.NBlocks)
	}
	if sb.FirstBlock >= sb.NBlocks {
		return xerrors.Errorf("superblock: firstblock %d >= nblocks %d", sb.FirstBlock, sb.NBlocks)
	}
	if sb.InodeStart >= sb.NBlocks {
		return xerrors.Errorf("superblock: inodes %d >= nblocks %d", sb.InodeStart, sb.NBlocks)
	}
	return nil
}

// WriteTo encodes sb into the fixed 512-byte sector-1 layout.
func (sb Superblock) WriteTo(w io.WriterAt) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, sb); err != nil {
		return xerrors.Errorf("encoding superblock: %w", err)
	}
	sector := make([]byte, BlockSize)
	copy(sector, buf.Bytes())
	if _, err := w.WriteAt(sector, BlockSize); err != nil {
		return xerrors.Errorf("writing superblock sector: %w", err)
	}
	return nil
}

// Dinode is the on-disk inode record. Reserved pads the record so
// BlockSize (512) is an integral multiple of its encoded size (128
// bytes, 4 inodes per block) per the record-size invariant in §9.
type Dinode struct {
	Type     uint16
	UID      uint16
	GID      uint16
	Mode     uint16
	Mtime    uint32
	Itime    uint32
	Nlinks   uint16
	Size     uint32
	Blocks   [NBlockRefs]uint32 // direct + single + double indirect, or Blocks[0] = device id for CHARACTER/BLOCK
	Reserved [22]byte
}

// DinodeSize is the encoded size of a Dinode.
var DinodeSize = binary.Size(Dinode{})

// InodesPerBlock returns how many packed Dinode records fit in one
// disk block. BlockSize is required to be an integral multiple of
// DinodeSize (enforced by init()).
func InodesPerBlock() int {
	return BlockSize / DinodeSize
}

func init() {
	if BlockSize%DinodeSize != 0 {
		panic("ondisk: BLOCKSIZE is not an integral multiple of dinode size")
	}
}

// Encode serializes d to exactly DinodeSize little-endian bytes.
func (d Dinode) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(DinodeSize)
	if err := binary.Write(&buf, binary.LittleEndian, d); err != nil {
		panic(err) // fixed-size struct of fixed-size fields; cannot fail
	}
	return buf.Bytes()
}

// DecodeDinode parses a DinodeSize-byte little-endian record.
func DecodeDinode(b []byte) (Dinode, error) {
	var d Dinode
	if len(b) < DinodeSize {
		return d, xerrors.Errorf("dinode record too short: %d < %d", len(b), DinodeSize)
	}
	if err := binary.Read(bytes.NewReader(b[:DinodeSize]), binary.LittleEndian, &d); err != nil {
		return d, xerrors.Errorf("decoding dinode: %w", err)
	}
	return d, nil
}

// Dirent is one packed directory entry.
type Dirent struct {
	Inum uint16
	Name [NameLen]byte
}

// NewDirent builds a Dirent from a name, truncating (unterminated) at
// NameLen bytes per §3.
func NewDirent(inum uint16, name string) Dirent {
	var de Dirent
	de.Inum = inum
	n := copy(de.Name[:], name)
	_ = n
	return de
}

// NameString returns the entry's name, trimmed of trailing NUL bytes
// for names shorter than NameLen.
func (de Dirent) NameString() string {
	i := bytes.IndexByte(de.Name[:], 0)
	if i < 0 {
		return string(de.Name[:])
	}
	return string(de.Name[:i])
}

// Encode serializes de to exactly DirentSize bytes.
func (de Dirent) Encode() []byte {
	var buf bytes.Buffer
	buf.Grow(DirentSize)
	binary.Write(&buf, binary.LittleEndian, de.Inum)
	buf.Write(de.Name[:])
	return buf.Bytes()
}

// DecodeDirent parses a DirentSize-byte record.
func DecodeDirent(b []byte) (Dirent, error) {
	var de Dirent
	if len(b) < DirentSize {
		return de, xerrors.Errorf("dirent record too short: %d < %d", len(b), DirentSize)
	}
	de.Inum = binary.LittleEndian.Uint16(b[0:2])
	copy(de.Name[:], b[2:2+NameLen])
	return de, nil
}

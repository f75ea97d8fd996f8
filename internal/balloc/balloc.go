// Package balloc implements the per-mounted-filesystem free-block
// allocator of spec §4.2: a 50-entry free-block cache refilled by
// scanning the on-disk bitmap, serialized by a per-superblock lock.
package balloc

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/kernel"
	"github.com/stixfs/stix/internal/ondisk"
)

// ErrNoSpace is returned when the bitmap has no free block left.
var ErrNoSpace = xerrors.New("balloc: no space left on device")

const cacheLimit = 50

// Layout describes the bitmap region of one mounted filesystem, as
// recorded in its on-disk superblock.
type Layout struct {
	Dev        device.Ldev
	BBitmap    uint32 // first bitmap block
	FirstBlock uint32 // first data block
	NBlocks    uint32 // total block count
}

// Allocator is the free-block pool for one mounted filesystem.
type Allocator struct {
	cache  *buf.Cache
	layout Layout

	ch *kernel.Channels

	free       []uint32 // ascending; cacheLimit entries max
	lastScan   uint32   // next block number to resume scanning from
}

// New constructs an Allocator for the given filesystem layout.
func New(cache *buf.Cache, layout Layout) *Allocator {
	return &Allocator{
		cache:    cache,
		layout:   layout,
		ch:       kernel.NewChannels(),
		lastScan: layout.FirstBlock,
	}
}

func (a *Allocator) lock()   { a.ch.Lock() }
func (a *Allocator) unlock() { a.ch.Unlock() }

// bitmapLocation returns the bitmap block and bit offset within it
// for data block b.
func (a *Allocator) bitmapLocation(b uint32) (block uint32, bit uint32) {
	const bitsPerBlock = ondisk.BlockSize * 8
	return a.layout.BBitmap + b/bitsPerBlock, b % bitsPerBlock
}

func bitSet(data []byte, bit uint32) bool {
	return data[bit/8]&(1<<(bit%8)) != 0
}

func setBit(data []byte, bit uint32, v bool) {
	if v {
		data[bit/8] |= 1 << (bit % 8)
	} else {
		data[bit/8] &^= 1 << (bit % 8)
	}
}

// refill scans the on-disk bitmap starting at lastScan, pre-reading
// the next bitmap block as a hint (via Breada) whenever it crosses a
// bitmap-block boundary, until cacheLimit free indices are collected
// or every data block has been scanned once.
func (a *Allocator) refill() error {
	cur := a.lastScan
	scanned := uint32(0)
	curBitmapBlock := uint32(0)
	var h *buf.Head
	for len(a.free) < cacheLimit && scanned < a.layout.NBlocks-a.layout.FirstBlock {
		bitmapBlock, bit := a.bitmapLocation(cur)
		if h == nil || bitmapBlock != curBitmapBlock {
			if h != nil {
				a.cache.Brelse(h)
			}
			var err error
			h, err = a.cache.Breada(a.layout.Dev, bitmapBlock, bitmapBlock+1)
			if err != nil {
				return xerrors.Errorf("balloc: reading bitmap block %d: %w", bitmapBlock, err)
			}
			curBitmapBlock = bitmapBlock
		}
		if !bitSet(h.Data, bit) {
			a.free = append(a.free, cur)
		}
		cur++
		scanned++
		if cur >= a.layout.NBlocks {
			cur = a.layout.FirstBlock
		}
	}
	if h != nil {
		a.cache.Brelse(h)
	}
	a.lastScan = cur
	return nil
}

// Balloc allocates a freshly zeroed data block and returns a busy
// buffer for it, marked valid+dwrite. Returns ErrNoSpace if the
// filesystem is full.
func (a *Allocator) Balloc() (*buf.Head, error) {
	a.lock()
	if len(a.free) == 0 {
		if err := a.refill(); err != nil {
			a.unlock()
			return nil, err
		}
		if len(a.free) == 0 {
			a.unlock()
			return nil, ErrNoSpace
		}
	}
	b := a.free[0]
	a.free = a.free[1:]
	a.unlock()

	if err := a.markBit(b, true); err != nil {
		return nil, err
	}

	h, err := a.cache.Bread(a.layout.Dev, b)
	if err != nil {
		return nil, xerrors.Errorf("balloc: reading new block %d: %w", b, err)
	}
	for i := range h.Data {
		h.Data[i] = 0
	}
	h.MarkDwrite()
	return h, nil
}

func (a *Allocator) markBit(b uint32, set bool) error {
	bitmapBlock, bit := a.bitmapLocation(b)
	h, err := a.cache.Bread(a.layout.Dev, bitmapBlock)
	if err != nil {
		return xerrors.Errorf("balloc: reading bitmap block %d: %w", bitmapBlock, err)
	}
	setBit(h.Data, bit, set)
	h.MarkDwrite()
	a.cache.Brelse(h)
	return nil
}

// Bfree returns block b to the pool: its bitmap bit is cleared
// immediately, and it is inserted into the free cache in ascending
// order if the cache holds fewer than 50 entries (otherwise a later
// bitmap scan finds it).
func (a *Allocator) Bfree(b uint32) error {
	if err := a.markBit(b, false); err != nil {
		return err
	}
	a.lock()
	defer a.unlock()
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i] >= b })
	if i < len(a.free) && a.free[i] == b {
		return nil // already cached free
	}
	if len(a.free) < cacheLimit {
		a.free = append(a.free, 0)
		copy(a.free[i+1:], a.free[i:])
		a.free[i] = b
	}
	return nil
}

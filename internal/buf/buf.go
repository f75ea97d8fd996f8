// Package buf implements the fixed-pool buffer cache described in
// spec §4.1: buffers are hash-indexed by (device, block), kept on a
// global LRU free list, and carry a delayed-write flag so dirty data
// can be batched until eviction or sync. The cache is implemented as
// an arena of fixed slots addressed by integer index (spec §9 "arena
// of buffer/inode slots") rather than hand-maintained raw pointers.
package buf

import (
	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/kernel"
	"github.com/stixfs/stix/internal/ondisk"
)

const noSlot = -1

// Head is the exported view of one buffer slot: its identity, status
// bits and backing memory. All mutation goes through the Cache's
// methods; callers only read a Head's fields after acquiring it via
// GetBlk/Bread and before releasing it via Brelse.
type Head struct {
	Dev   device.Ldev
	Block uint32
	Data  []byte // exactly ondisk.BlockSize bytes

	busy       bool
	dwrite     bool
	valid      bool
	ioerr      bool
	written    bool
	inFreelist bool
	inFlight   bool

	idx                int
	hashNext, hashPrev int
	freeNext, freePrev int
	bucket             int
}

// Busy reports whether the buffer is currently reserved by a caller.
func (h *Head) Busy() bool { return h.busy }

// Valid reports whether the buffer's content matches the on-disk
// block.
func (h *Head) Valid() bool { return h.valid }

// Dwrite reports whether the buffer carries unwritten (delayed) data.
func (h *Head) Dwrite() bool { return h.dwrite }

// Error reports whether the last I/O on this buffer failed.
func (h *Head) Error() bool { return h.ioerr }

// MarkDwrite flags the buffer dirty without writing it synchronously;
// the cache will flush it on eviction or Sync.
func (h *Head) MarkDwrite() { h.dwrite = true }

// Cache is the fixed pool of buffers for one or more devices sharing
// a single device table.
type Cache struct {
	ch      *kernel.Channels
	devices *device.Table

	slots   []Head
	buckets []int // head slot index per hash bucket, or noSlot
	nmask   uint32

	freeHead int // noSlot if empty
}

// NewCache allocates a fixed pool of n buffers hashed into nbuckets
// (rounded up to a power of two) buckets.
func NewCache(n, nbuckets int, devices *device.Table) *Cache {
	mask := uint32(1)
	for int(mask) < nbuckets {
		mask <<= 1
	}
	c := &Cache{
		ch:       kernel.NewChannels(),
		devices:  devices,
		slots:    make([]Head, n),
		buckets:  make([]int, mask),
		nmask:    mask - 1,
		freeHead: noSlot,
	}
	for i := range c.buckets {
		c.buckets[i] = noSlot
	}
	for i := range c.slots {
		c.slots[i].idx = i
		c.slots[i].Data = make([]byte, ondisk.BlockSize)
		c.slots[i].hashNext, c.slots[i].hashPrev = noSlot, noSlot
		c.pushFreeTail(i)
	}
	return c
}

func (c *Cache) hashOf(dev device.Ldev, block uint32) int {
	h := uint32(dev.Major)*2654435761 + uint32(dev.Minor)*40503 + block
	return int(h & c.nmask)
}

// --- free list, circular doubly-linked via indices ---

func (c *Cache) pushFreeHead(i int) { c.pushFree(i, true) }
func (c *Cache) pushFreeTail(i int) { c.pushFree(i, false) }

func (c *Cache) pushFree(i int, front bool) {
	s := &c.slots[i]
	s.inFreelist = true
	if c.freeHead == noSlot {
		s.freeNext, s.freePrev = i, i
		c.freeHead = i
		return
	}
	head := c.freeHead
	tail := c.slots[head].freePrev
	s.freeNext = head
	s.freePrev = tail
	c.slots[tail].freeNext = i
	c.slots[head].freePrev = i
	if front {
		c.freeHead = i
	}
}

func (c *Cache) removeFree(i int) {
	s := &c.slots[i]
	if !s.inFreelist {
		return
	}
	s.inFreelist = false
	if s.freeNext == i { // sole element
		c.freeHead = noSlot
		return
	}
	c.slots[s.freePrev].freeNext = s.freeNext
	c.slots[s.freeNext].freePrev = s.freePrev
	if c.freeHead == i {
		c.freeHead = s.freeNext
	}
}

func (c *Cache) popFreeHead() int {
	if c.freeHead == noSlot {
		return noSlot
	}
	i := c.freeHead
	c.removeFree(i)
	return i
}

// --- hash bucket, circular doubly-linked via indices ---

func (c *Cache) hashInsert(bucket, i int) {
	s := &c.slots[i]
	s.bucket = bucket
	head := c.buckets[bucket]
	if head == noSlot {
		s.hashNext, s.hashPrev = i, i
		c.buckets[bucket] = i
		return
	}
	tail := c.slots[head].hashPrev
	s.hashNext = head
	s.hashPrev = tail
	c.slots[tail].hashNext = i
	c.slots[head].hashPrev = i
}

func (c *Cache) hashRemove(i int) {
	s := &c.slots[i]
	if s.hashNext == noSlot {
		return // not hashed
	}
	if s.hashNext == i {
		c.buckets[s.bucket] = noSlot
	} else {
		c.slots[s.hashPrev].hashNext = s.hashNext
		c.slots[s.hashNext].hashPrev = s.hashPrev
		if c.buckets[s.bucket] == i {
			c.buckets[s.bucket] = s.hashNext
		}
	}
	s.hashNext, s.hashPrev = noSlot, noSlot
}

func (c *Cache) find(dev device.Ldev, block uint32) int {
	bucket := c.hashOf(dev, block)
	head := c.buckets[bucket]
	if head == noSlot {
		return noSlot
	}
	i := head
	for {
		s := &c.slots[i]
		if s.Dev == dev && s.Block == block {
			return i
		}
		i = s.hashNext
		if i == head {
			return noSlot
		}
	}
}

// GetBlk returns a buffer uniquely reserved for (dev, block), per the
// algorithm in spec §4.1. The caller must release it with Brelse.
func (c *Cache) GetBlk(dev device.Ldev, block uint32) *Head {
	c.ch.Lock()
	defer c.ch.Unlock()

	for {
		if i := c.find(dev, block); i != noSlot {
			s := &c.slots[i]
			if s.busy {
				c.ch.Wait(kernel.BlockBusy)
				continue
			}
			c.removeFree(i)
			s.busy = true
			return s
		}

		i := c.popFreeHead()
		if i == noSlot {
			c.ch.Wait(kernel.NoFreeBlocks)
			continue
		}
		s := &c.slots[i]

		if s.dwrite {
			s.inFlight = true
			c.asyncWriteLocked(i)
			continue
		}

		c.hashRemove(i)
		bucket := c.hashOf(dev, block)
		s.Dev, s.Block = dev, block
		s.valid = false
		s.ioerr = false
		s.busy = true
		c.hashInsert(bucket, i)
		return s
	}
}

// asyncWriteLocked issues a write-back for a buffer already marked
// inFlight and taken off the free list; the caller must hold c.ch's
// lock. BufferSynced will release it back to the free list.
func (c *Cache) asyncWriteLocked(i int) {
	s := &c.slots[i]
	req := &device.Request{Block: s.Block, Write: true, Data: append([]byte(nil), s.Data...)}
	dev := s.Dev
	c.devices.Strategy(dev, req, func(_ *device.Request, err error) {
		c.BufferSynced(i, err)
	})
}

// Brelse releases a previously acquired buffer back to the free list:
// at the head if its content is invalid (reuse first), at the tail
// (LRU) otherwise. It clears busy and wakes BLOCKBUSY waiters.
func (c *Cache) Brelse(h *Head) {
	c.ch.Lock()
	defer c.ch.Unlock()
	i := c.indexOf(h)
	s := &c.slots[i]
	s.busy = false
	if !s.valid {
		c.pushFreeHead(i)
	} else {
		c.pushFreeTail(i)
	}
	c.ch.WakeAll(kernel.BlockBusy)
}

func (c *Cache) indexOf(h *Head) int {
	return h.idx
}

// BufferSynced is the strategy-completion callback of spec §4.1. slot
// is the arena index of the buffer that completed I/O.
func (c *Cache) BufferSynced(slot int, err error) {
	c.ch.Lock()
	defer c.ch.Unlock()
	s := &c.slots[slot]
	wasWrite := s.dwrite
	s.dwrite = false
	s.inFlight = false
	if err == nil {
		s.valid = true
		s.ioerr = false
	} else {
		s.ioerr = true
	}
	s.written = wasWrite
	if !s.busy {
		if err != nil {
			c.pushFreeHead(slot)
		} else {
			c.pushFreeTail(slot)
		}
	} else {
		s.busy = false
	}
	if wasWrite {
		c.ch.WakeAll(kernel.BlockWrite)
	} else {
		c.ch.WakeAll(kernel.BlockRead)
	}
	c.ch.WakeAll(kernel.NoFreeBlocks)
}

// Bread returns a valid buffer for (dev, block), loading it from disk
// synchronously if it was not already cached.
func (c *Cache) Bread(dev device.Ldev, block uint32) (*Head, error) {
	h := c.GetBlk(dev, block)
	if h.valid {
		return h, nil
	}
	return c.loadSync(h)
}

func (c *Cache) loadSync(h *Head) (*Head, error) {
	req := &device.Request{Block: h.Block, Write: false, Data: h.Data}
	done := make(chan error, 1)
	c.devices.Strategy(h.Dev, req, func(r *device.Request, err error) {
		if err == nil {
			copy(h.Data, r.Data)
		}
		done <- err
	})
	err := <-done
	c.ch.Lock()
	if err == nil {
		h.valid = true
		h.ioerr = false
	} else {
		h.ioerr = true
	}
	c.ch.Unlock()
	if err != nil {
		return h, xerrors.Errorf("bread(%+v, %d): %w", h.Dev, h.Block, err)
	}
	return h, nil
}

// Breada reads block b1 like Bread and fires a best-effort read-ahead
// for b2: the read-ahead buffer is requested and immediately released
// without the caller waiting on its completion (spec §9 Open
// Questions: the hint may be dropped; errors on it are not surfaced).
func (c *Cache) Breada(dev device.Ldev, b1, b2 uint32) (*Head, error) {
	ah := c.GetBlk(dev, b2)
	if !ah.valid {
		req := &device.Request{Block: ah.Block, Write: false, Data: append([]byte(nil), ah.Data...)}
		i := c.indexOf(ah)
		c.ch.Lock()
		ah.busy = false
		ah.inFlight = true // completion callback (BufferSynced) will return it to the free list
		c.ch.Unlock()
		c.devices.Strategy(dev, req, func(r *device.Request, err error) {
			if err == nil {
				c.ch.Lock()
				copy(c.slots[i].Data, r.Data)
				c.ch.Unlock()
			}
			c.BufferSynced(i, err)
		})
	} else {
		c.Brelse(ah)
	}
	return c.Bread(dev, b1)
}

// Bwrite writes h synchronously unless it is marked Dwrite, in which
// case the write is deferred to eviction or Sync.
func (c *Cache) Bwrite(h *Head) error {
	if h.dwrite {
		return nil
	}
	req := &device.Request{Block: h.Block, Write: true, Data: append([]byte(nil), h.Data...)}
	done := make(chan error, 1)
	c.devices.Strategy(h.Dev, req, func(_ *device.Request, err error) {
		done <- err
	})
	err := <-done
	c.ch.Lock()
	h.ioerr = err != nil
	c.ch.Unlock()
	if err != nil {
		return xerrors.Errorf("bwrite(%+v, %d): %w", h.Dev, h.Block, err)
	}
	return nil
}

// FlushAt synchronously writes back the buffer at arena index i if it
// is both valid and Dwrite, clearing the flag on success. Unlike
// Bwrite (which only ever writes a buffer the caller already holds
// busy via GetBlk/Bread), FlushAt reaches into a buffer sitting on the
// free list, as sync() and Umount need to push delayed writes to disk
// without first going through GetBlk's acquire/Brelse lifecycle. It is
// a no-op if the buffer is already busy (someone else is using it) or
// not dirty.
func (c *Cache) FlushAt(i int) error {
	c.ch.Lock()
	s := &c.slots[i]
	if s.busy || !s.dwrite || !s.valid {
		c.ch.Unlock()
		return nil
	}
	s.busy = true
	data := append([]byte(nil), s.Data...)
	dev, block := s.Dev, s.Block
	c.ch.Unlock()

	req := &device.Request{Block: block, Write: true, Data: data}
	done := make(chan error, 1)
	c.devices.Strategy(dev, req, func(_ *device.Request, err error) {
		done <- err
	})
	err := <-done

	c.ch.Lock()
	s.ioerr = err != nil
	if err == nil {
		s.dwrite = false
	}
	s.busy = false
	c.ch.WakeAll(kernel.BlockBusy)
	c.ch.Unlock()
	if err != nil {
		return xerrors.Errorf("flush(%+v, %d): %w", dev, block, err)
	}
	return nil
}

// Dirty returns the arena index of every buffer currently marked both
// Dwrite and valid, for use by Sync.
func (c *Cache) Dirty() []int {
	c.ch.Lock()
	defer c.ch.Unlock()
	var out []int
	for i := range c.slots {
		if c.slots[i].dwrite && c.slots[i].valid {
			out = append(out, i)
		}
	}
	return out
}

// HeadAt exposes a slot by arena index, for Sync and tests.
func (c *Cache) HeadAt(i int) *Head { return &c.slots[i] }

// Stats reports cache occupancy for the debug/introspection protocol.
type Stats struct {
	Total, Busy, Dirty, Free int
}

// Stats computes a point-in-time snapshot of cache occupancy.
func (c *Cache) Stats() Stats {
	c.ch.Lock()
	defer c.ch.Unlock()
	var st Stats
	st.Total = len(c.slots)
	for i := range c.slots {
		if c.slots[i].busy {
			st.Busy++
		}
		if c.slots[i].dwrite {
			st.Dirty++
		}
		if c.slots[i].inFreelist {
			st.Free++
		}
	}
	return st
}

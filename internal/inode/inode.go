// Package inode implements the in-core inode cache and the on-disk
// inode allocator described in spec §4.3: a fixed pool of cached
// inodes hashed by (fs, inum) with an LRU free list, transparent
// mount-point redirection in Iget, and a per-filesystem free-inode
// cache refilled by scanning the on-disk inode table.
package inode

import (
	"sort"

	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/device"
	"github.com/stixfs/stix/internal/kernel"
	"github.com/stixfs/stix/internal/ondisk"
)

// ErrNoFreeInodes is returned by Ialloc when a filesystem's inode
// table has no FREE entry left.
var ErrNoFreeInodes = xerrors.New("inode: no free inodes left")

// ErrNoCacheSlots is returned by Iget when the in-core inode pool is
// exhausted.
var ErrNoCacheSlots = xerrors.New("inode: in-core inode pool exhausted")

const freeCacheLimit = 50
const noSlot = -1

// Layout locates one mounted filesystem's inode table.
type Layout struct {
	Dev        device.Ldev
	InodeStart uint32 // first block of the packed inode table
	NInodes    uint32
}

func (l Layout) blockOf(inum uint32) (block uint32, offsetInBlock int) {
	perBlock := ondisk.InodesPerBlock()
	idx := inum - 1 // inode numbering is 1-based, per §6.1
	return l.InodeStart + idx/uint32(perBlock), int(idx%uint32(perBlock)) * ondisk.DinodeSize
}

// FS is the per-mounted-filesystem inode-allocator context: the
// inode-table layout plus its free-inode cache. lock is the
// filesystem's superblock lock, shared with the block allocator per
// the "superblock lock serializes balloc/bfree/ialloc/ifree" rule in
// §4.3/§5.
type FS struct {
	Layout Layout
	lock   *kernel.Channels

	free     []uint32 // ascending inode numbers
	lastScan uint32
}

// NewFS constructs the inode-allocator context for one mounted
// filesystem, sharing lock with that filesystem's block allocator.
func NewFS(layout Layout, lock *kernel.Channels) *FS {
	return &FS{Layout: layout, lock: lock, lastScan: 1}
}

// Cache is the fixed, system-wide pool of in-core inodes.
type Cache struct {
	ch   *kernel.Channels
	bufs *buf.Cache

	fsTable map[int]*FS

	slots   []Inode
	buckets []int
	nmask   uint32

	freeHead int

	// MountResolver reports the filesystem mounted on (fs, inum), if
	// any, implementing the transparent redirection in Iget. It is
	// supplied by the mount package to avoid embedding a mutable mount
	// pointer inside the inode itself (spec §9 "Mount-point graph").
	MountResolver func(fs int, inum uint32) (mountedFS int, ok bool)

	// OnFree is invoked from Iput when an inode's reference count
	// drops to zero with Nlinks == 0: it must free every block the
	// inode owns. Supplied by the layer that also imports bmap, since
	// inode cannot depend on bmap without an import cycle.
	OnFree func(in *Inode) error
}

// NewCache allocates a fixed pool of n in-core inodes.
func NewCache(n, nbuckets int, bufs *buf.Cache) *Cache {
	mask := uint32(1)
	for int(mask) < nbuckets {
		mask <<= 1
	}
	c := &Cache{
		ch:       kernel.NewChannels(),
		bufs:     bufs,
		fsTable:  make(map[int]*FS),
		slots:    make([]Inode, n),
		buckets:  make([]int, mask),
		nmask:    mask - 1,
		freeHead: noSlot,
	}
	for i := range c.buckets {
		c.buckets[i] = noSlot
	}
	for i := range c.slots {
		c.slots[i].idx = i
		c.slots[i].hashNext, c.slots[i].hashPrev = noSlot, noSlot
		c.pushFree(i)
	}
	return c
}

// RegisterFS associates fsID with its inode-table layout and
// allocator context, making Iget/Iput/Ialloc/Ifree able to operate on
// it.
func (c *Cache) RegisterFS(fsID int, fs *FS) {
	c.fsTable[fsID] = fs
}

// UnregisterFS drops fsID's allocator context, on Umount.
func (c *Cache) UnregisterFS(fsID int) {
	delete(c.fsTable, fsID)
}

// Inode is one in-core inode: the on-disk record plus cache
// bookkeeping, per spec §3.
type Inode struct {
	ondisk.Dinode

	FS   int
	Inum uint32

	locked   bool
	modified bool
	nref     int

	idx                int
	hashNext, hashPrev int
	freeNext, freePrev int
	bucket             int
}

// Locked reports whether the inode is currently locked across a
// blocking operation.
func (in *Inode) Locked() bool { return in.locked }

// Modified reports whether the in-core record differs from disk.
func (in *Inode) Modified() bool { return in.modified }

// NRef returns the current reference count.
func (in *Inode) NRef() int { return in.nref }

// MarkModified flags the inode dirty so Iput writes it back.
func (in *Inode) MarkModified() { in.modified = true }

// --- free list (simple circular doubly-linked list, LRU tail) ---

func (c *Cache) pushFree(i int) {
	s := &c.slots[i]
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
}

func (c *Cache) removeFree(i int) {
	s := &c.slots[i]
	if s.freeNext == i {
		c.freeHead = noSlot
		return
	}
	c.slots[s.freePrev].freeNext = s.freeNext
	c.slots[s.freeNext].freePrev = s.freePrev
	if c.freeHead == i {
		c.freeHead = s.freeNext
	}
}

func (c *Cache) popFree() int {
	if c.freeHead == noSlot {
		return noSlot
	}
	i := c.freeHead
	c.removeFree(i)
	return i
}

// --- hash table, per-bucket circular doubly-linked list ---

func (c *Cache) hashOf(fs int, inum uint32) int {
	h := uint32(fs)*2654435761 + inum*40503
	return int(h & c.nmask)
}

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
		return
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

func (c *Cache) find(fs int, inum uint32) int {
	bucket := c.hashOf(fs, inum)
	head := c.buckets[bucket]
	if head == noSlot {
		return noSlot
	}
	i := head
	for {
		s := &c.slots[i]
		if s.FS == fs && s.Inum == inum {
			return i
		}
		i = s.hashNext
		if i == head {
			return noSlot
		}
	}
}

// Iget returns a cached in-core inode for (fs, inum) with its
// reference count incremented, transparently following any mount
// point installed on it (spec §4.3/§4.8).
func (c *Cache) Iget(fs int, inum uint32) (*Inode, error) {
	c.ch.Lock()
	for {
		if i := c.find(fs, inum); i != noSlot {
			s := &c.slots[i]
			if s.locked {
				c.ch.Wait(kernel.InodeLocked)
				continue
			}
			if s.nref == 0 {
				c.removeFree(i)
			}
			s.nref++
			c.ch.Unlock()
			return c.redirect(s)
		}

		i := c.popFree()
		if i == noSlot {
			c.ch.Unlock()
			return nil, ErrNoCacheSlots
		}
		old := &c.slots[i]
		if old.hashNext != noSlot {
			c.hashRemove(i)
		}
		c.ch.Unlock()

		fsCtx, ok := c.fsTable[fs]
		if !ok {
			c.ch.Lock()
			c.pushFree(i)
			c.ch.Unlock()
			return nil, xerrors.Errorf("inode: unknown filesystem id %d", fs)
		}
		block, off := fsCtx.Layout.blockOf(inum)
		h, err := c.bufs.Bread(fsCtx.Layout.Dev, block)
		if err != nil {
			c.ch.Lock()
			c.pushFree(i)
			c.ch.Unlock()
			return nil, xerrors.Errorf("inode: reading inode table block %d: %w", block, err)
		}
		d, err := ondisk.DecodeDinode(h.Data[off : off+ondisk.DinodeSize])
		c.bufs.Brelse(h)
		if err != nil {
			c.ch.Lock()
			c.pushFree(i)
			c.ch.Unlock()
			return nil, err
		}

		c.ch.Lock()
		old.Dinode = d
		old.FS = fs
		old.Inum = inum
		old.nref = 1
		old.locked = false
		old.modified = false
		bucket := c.hashOf(fs, inum)
		c.hashInsert(bucket, i)
		c.ch.Unlock()
		return c.redirect(old)
	}
}

// redirect implements the transparent mount-point follow: if in has
// a filesystem mounted on it, release in and recurse into that
// filesystem's root inode.
func (c *Cache) redirect(in *Inode) (*Inode, error) {
	if c.MountResolver == nil {
		return in, nil
	}
	mountedFS, ok := c.MountResolver(in.FS, in.Inum)
	if !ok {
		return in, nil
	}
	if err := c.Iput(in); err != nil {
		return nil, err
	}
	return c.Iget(mountedFS, 1)
}

// Iput decrements in's reference count. At zero references: if
// Nlinks == 0 the inode's blocks are freed via OnFree and its on-disk
// record is marked FREE; otherwise, if modified, the on-disk record
// is written back. The slot then returns to the free list.
func (c *Cache) Iput(in *Inode) error {
	c.ch.Lock()
	in.nref--
	if in.nref > 0 {
		c.ch.Unlock()
		return nil
	}
	c.ch.Unlock()

	if in.Nlinks == 0 {
		if c.OnFree != nil {
			if err := c.OnFree(in); err != nil {
				return xerrors.Errorf("inode: freeing blocks for inum %d: %w", in.Inum, err)
			}
		}
		in.Dinode = ondisk.Dinode{Type: ondisk.TypeFree}
		if err := c.writeBack(in); err != nil {
			return err
		}
		if err := c.fsOf(in.FS).Ifree(in.Inum); err != nil {
			return err
		}
	} else if in.modified {
		if err := c.writeBack(in); err != nil {
			return err
		}
	}

	c.ch.Lock()
	in.modified = false
	c.pushFree(in.idx)
	c.ch.Unlock()
	return nil
}

func (c *Cache) fsOf(fs int) *FS { return c.fsTable[fs] }

// SyncAll writes back every in-core inode modified since its last
// write-back, as sync() requires alongside flushing dirty buffers.
func (c *Cache) SyncAll() error {
	c.ch.Lock()
	var dirty []int
	for i := range c.slots {
		if c.slots[i].modified {
			dirty = append(dirty, i)
		}
	}
	c.ch.Unlock()

	for _, i := range dirty {
		in := &c.slots[i]
		if err := c.writeBack(in); err != nil {
			return err
		}
		c.ch.Lock()
		in.modified = false
		c.ch.Unlock()
	}
	return nil
}

// Busy reports whether any in-core inode belonging to fs is currently
// referenced, as Umount must check before releasing a filesystem.
func (c *Cache) Busy(fs int) bool {
	c.ch.Lock()
	defer c.ch.Unlock()
	for i := range c.slots {
		if c.slots[i].FS == fs && c.slots[i].nref > 0 {
			return true
		}
	}
	return false
}

// Stats is a point-in-time snapshot of in-core inode cache occupancy.
type Stats struct {
	Total, Busy, Locked, Free int
}

// Stats computes a snapshot across every cached inode, the inode
// cache's analogue of buf.Cache.Stats.
func (c *Cache) Stats() Stats {
	c.ch.Lock()
	defer c.ch.Unlock()
	var st Stats
	st.Total = len(c.slots)
	for i := range c.slots {
		if c.slots[i].nref > 0 {
			st.Busy++
		}
		if c.slots[i].locked {
			st.Locked++
		}
	}
	st.Free = st.Total - st.Busy
	return st
}

// LockInode acquires in's lock, blocking on INODELOCKED while another
// caller holds it across a blocking operation (read/write/truncate),
// per spec §4.6.
func (c *Cache) LockInode(in *Inode) {
	c.ch.Lock()
	defer c.ch.Unlock()
	for in.locked {
		c.ch.Wait(kernel.InodeLocked)
	}
	in.locked = true
}

// UnlockInode releases in's lock and wakes INODELOCKED waiters.
func (c *Cache) UnlockInode(in *Inode) {
	c.ch.Lock()
	defer c.ch.Unlock()
	in.locked = false
	c.ch.WakeAll(kernel.InodeLocked)
}

func (c *Cache) writeBack(in *Inode) error {
	fsCtx, ok := c.fsTable[in.FS]
	if !ok {
		return xerrors.Errorf("inode: unknown filesystem id %d", in.FS)
	}
	block, off := fsCtx.Layout.blockOf(in.Inum)
	h, err := c.bufs.Bread(fsCtx.Layout.Dev, block)
	if err != nil {
		return xerrors.Errorf("inode: reading inode table block %d: %w", block, err)
	}
	copy(h.Data[off:off+ondisk.DinodeSize], in.Dinode.Encode())
	h.MarkDwrite()
	c.bufs.Brelse(h)
	return nil
}

// Ialloc refills fsID's free-inode cache if needed by scanning the
// inode table for FREE entries, then returns a cached in-core inode
// of the given type and mode via Iget. Link count starts at zero;
// linking a directory entry into it bumps it to one.
func (c *Cache) Ialloc(fsID int, ftype uint16, mode uint16) (*Inode, error) {
	fs, ok := c.fsTable[fsID]
	if !ok {
		return nil, xerrors.Errorf("inode: unknown filesystem id %d", fsID)
	}

	for {
		fs.lock.Lock()
		if len(fs.free) == 0 {
			if err := c.refillFreeInodes(fs); err != nil {
				fs.lock.Unlock()
				return nil, err
			}
			if len(fs.free) == 0 {
				fs.lock.Unlock()
				return nil, ErrNoFreeInodes
			}
		}
		inum := fs.free[0]
		fs.free = fs.free[1:]
		fs.lock.Unlock()

		in, err := c.Iget(fsID, inum)
		if err != nil {
			return nil, err
		}
		if in.Type != ondisk.TypeFree || in.Nlinks > 0 || in.nref > 1 {
			// Raced with another allocation of the same slot: flush and retry.
			c.Iput(in)
			continue
		}
		in.Dinode = ondisk.Dinode{Type: ftype, Mode: mode}
		in.modified = true
		return in, nil
	}
}

func (c *Cache) refillFreeInodes(fs *FS) error {
	start := fs.lastScan
	if start < 1 {
		start = 1
	}
	scanned := uint32(0)
	cur := start
	for len(fs.free) < freeCacheLimit && scanned < fs.Layout.NInodes {
		block, off := fs.Layout.blockOf(cur)
		h, err := c.bufs.Bread(fs.Layout.Dev, block)
		if err != nil {
			return xerrors.Errorf("inode: scanning inode table block %d: %w", block, err)
		}
		d, err := ondisk.DecodeDinode(h.Data[off : off+ondisk.DinodeSize])
		c.bufs.Brelse(h)
		if err != nil {
			return err
		}
		if d.Type == ondisk.TypeFree {
			fs.free = append(fs.free, cur)
		}
		cur++
		scanned++
		if cur > fs.Layout.NInodes {
			cur = 1
		}
	}
	fs.lastScan = cur
	return nil
}

// Ifree inserts inum into fsID's free-inode cache in ascending order
// if the cache holds fewer than 50 entries (otherwise a later scan of
// the inode table finds it). The on-disk record is written as FREE by the caller (Iput) before
// Ifree is invoked.
func (fs *FS) Ifree(inum uint32) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	i := sort.Search(len(fs.free), func(i int) bool { return fs.free[i] >= inum })
	if i < len(fs.free) && fs.free[i] == inum {
		return nil
	}
	if len(fs.free) < freeCacheLimit {
		fs.free = append(fs.free, 0)
		copy(fs.free[i+1:], fs.free[i:])
		fs.free[i] = inum
	}
	return nil
}

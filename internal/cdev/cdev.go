// Package cdev implements the character-device driver interface of
// spec §6.5: per major device, an Open/Close/Read/Write/Ioctl
// contract, with the core routing process I/O through a shared
// internal/clist pool rather than handing the driver raw byte
// slices directly.
package cdev

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/clist"
	"github.com/stixfs/stix/internal/device"
)

// Driver is the per-major character-device contract. Open and Close
// are called on the first open / last close of a given minor; Read
// and Write move bytes between the device and the clist queue q
// routes this minor's traffic through.
type Driver interface {
	Open(minor int) error
	Close(minor int) error
	Read(minor int, q *clist.Pool, qid int) (int, error)
	Write(minor int, q *clist.Pool, qid int) (int, error)
	Ioctl(minor int, cmd int, arg uintptr) error
}

var (
	ErrNoDriver = xerrors.New("cdev: no driver registered for major")
	ErrNotOpen  = xerrors.New("cdev: device not open")
)

type instance struct {
	refs int
	qid  int
}

// Table maps a major number to the Driver handling it, and tracks the
// open-refcount and clist queue assigned to every (major, minor) a
// process currently has open — the character-device analogue of
// internal/device.Table for block drivers.
type Table struct {
	mu      sync.Mutex
	drivers map[int]Driver
	pool    *clist.Pool
	opens   map[device.Ldev]*instance
}

// NewTable returns a ready-to-use Table backed by pool for buffering
// device I/O.
func NewTable(pool *clist.Pool) *Table {
	return &Table{
		drivers: make(map[int]Driver),
		pool:    pool,
		opens:   make(map[device.Ldev]*instance),
	}
}

// Register associates major with drv, matching internal/device.Table's
// registration style.
func (t *Table) Register(major int, drv Driver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drivers[major] = drv
}

func (t *Table) driverFor(major int) (Driver, error) {
	drv, ok := t.drivers[major]
	if !ok {
		return nil, ErrNoDriver
	}
	return drv, nil
}

// Open opens ldev, allocating a fresh clist queue and calling the
// driver's Open on the first reference; subsequent opens of the same
// (major, minor) share the queue and just bump the refcount.
func (t *Table) Open(ldev device.Ldev) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	drv, err := t.driverFor(ldev.Major)
	if err != nil {
		return err
	}

	if inst, ok := t.opens[ldev]; ok {
		inst.refs++
		return nil
	}

	qid, err := t.pool.AllocQueue()
	if err != nil {
		return xerrors.Errorf("cdev: opening %+v: %w", ldev, err)
	}
	if err := drv.Open(ldev.Minor); err != nil {
		t.pool.FreeQueue(qid)
		return err
	}
	t.opens[ldev] = &instance{refs: 1, qid: qid}
	return nil
}

// Close drops one reference to ldev, calling the driver's Close and
// releasing its clist queue once the last reference is gone.
func (t *Table) Close(ldev device.Ldev) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, ok := t.opens[ldev]
	if !ok {
		return ErrNotOpen
	}
	inst.refs--
	if inst.refs > 0 {
		return nil
	}
	delete(t.opens, ldev)

	drv, err := t.driverFor(ldev.Major)
	if err != nil {
		return err
	}
	if err := drv.Close(ldev.Minor); err != nil {
		return err
	}
	return t.pool.FreeQueue(inst.qid)
}

// Read asks the driver to produce bytes for ldev into its clist
// queue, then drains up to len(p) of them into p.
func (t *Table) Read(ldev device.Ldev, p []byte) (int, error) {
	t.mu.Lock()
	drv, err := t.driverFor(ldev.Major)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	inst, ok := t.opens[ldev]
	if !ok {
		t.mu.Unlock()
		return 0, ErrNotOpen
	}
	qid := inst.qid
	t.mu.Unlock()

	if _, err := drv.Read(ldev.Minor, t.pool, qid); err != nil {
		return 0, err
	}
	return t.pool.Pop(qid, p)
}

// Write stages p into ldev's clist queue and asks the driver to drain
// it to the device.
func (t *Table) Write(ldev device.Ldev, p []byte) (int, error) {
	t.mu.Lock()
	drv, err := t.driverFor(ldev.Major)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	inst, ok := t.opens[ldev]
	if !ok {
		t.mu.Unlock()
		return 0, ErrNotOpen
	}
	qid := inst.qid
	t.mu.Unlock()

	n, err := t.pool.Push(qid, p)
	if err != nil && n == 0 {
		return 0, err
	}
	if _, werr := drv.Write(ldev.Minor, t.pool, qid); werr != nil {
		return n, werr
	}
	return n, err
}

// Ioctl issues cmd/arg to ldev's driver directly; it does not involve
// the clist queue.
func (t *Table) Ioctl(ldev device.Ldev, cmd int, arg uintptr) error {
	t.mu.Lock()
	drv, err := t.driverFor(ldev.Major)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if _, ok := t.opens[ldev]; !ok {
		t.mu.Unlock()
		return ErrNotOpen
	}
	t.mu.Unlock()
	return drv.Ioctl(ldev.Minor, cmd, arg)
}

// Package device implements the block-device driver interface of
// spec §6.4: an asynchronous strategy(dev, buf) callback that reads
// or writes one fixed-size block and completes by invoking a
// buffer_synced(buf, err) callback exactly once.
package device

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/ondisk"
)

// Ldev identifies a logical device by major (driver selector) and
// minor (instance) number, per spec §3.
type Ldev struct {
	Major, Minor int
}

// Encode packs l into the single uint32 a CHARACTER/BLOCK dinode
// stores in Blocks[0], high 16 bits major, low 16 bits minor.
func (l Ldev) Encode() uint32 {
	return uint32(uint16(l.Major))<<16 | uint32(uint16(l.Minor))
}

// DecodeLdev unpacks the device id a CHARACTER/BLOCK dinode stores in
// Blocks[0] back into an Ldev.
func DecodeLdev(v uint32) Ldev {
	return Ldev{Major: int(uint16(v >> 16)), Minor: int(uint16(v))}
}

// Request describes one pending block transfer.
type Request struct {
	Block uint32
	Write bool   // valid buffer handed in => write; invalid => read
	Data  []byte // exactly ondisk.BlockSize bytes, read into or written from
}

// SyncedFunc completes a Request: err is nil on success.
type SyncedFunc func(req *Request, err error)

// Driver is the per-major-device strategy callback contract.
type Driver interface {
	// Strategy issues req asynchronously and calls done exactly once,
	// from any goroutine, when the transfer completes.
	Strategy(minor int, req *Request, done SyncedFunc)
}

// FileDriver is a Driver backed by a single host file, serving a
// single instance regardless of minor. mkfs, fsck and the test suite
// do not use it (they work on image bytes or in-memory drivers); a
// re-hosted kernel could instead drive a real disk controller behind
// the same interface.
//
// Every in-flight transfer acquires the device's admission semaphore
// before issuing the pread/pwrite, matching the "at-most-one
// in-flight I/O per buffer" rule in §4.1 scaled to one outstanding
// transfer per device.
type FileDriver struct {
	fd  int
	sem *semaphore.Weighted
	mu  sync.Mutex
}

// NewFileDriver opens path (which must already exist, as created by
// mkfs) for reading and writing.
func NewFileDriver(path string) (*FileDriver, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("opening backing file %s: %w", path, err)
	}
	return &FileDriver{fd: fd, sem: semaphore.NewWeighted(1)}, nil
}

// Close releases the backing file descriptor.
func (d *FileDriver) Close() error {
	return unix.Close(d.fd)
}

// Strategy implements Driver. minor is ignored: a FileDriver only
// ever backs a single instance.
func (d *FileDriver) Strategy(minor int, req *Request, done SyncedFunc) {
	go func() {
		if err := d.sem.Acquire(context.Background(), 1); err != nil {
			done(req, err)
			return
		}
		defer d.sem.Release(1)

		off := int64(req.Block) * ondisk.BlockSize
		var err error
		if req.Write {
			_, err = unix.Pwrite(d.fd, req.Data, off)
		} else {
			if len(req.Data) != ondisk.BlockSize {
				req.Data = make([]byte, ondisk.BlockSize)
			}
			_, err = unix.Pread(d.fd, req.Data, off)
		}
		done(req, err)
	}()
}

// Table maps a major number to the Driver instance handling it,
// standing in for the device-driver table wiring spec §1 names as an
// external collaborator.
type Table struct {
	mu      sync.RWMutex
	drivers map[int]Driver
}

// NewTable returns an empty device table.
func NewTable() *Table {
	return &Table{drivers: make(map[int]Driver)}
}

// Register installs drv as the handler for major.
func (t *Table) Register(major int, drv Driver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drivers[major] = drv
}

// Strategy dispatches req to the driver registered for dev.Major.
func (t *Table) Strategy(dev Ldev, req *Request, done SyncedFunc) {
	t.mu.RLock()
	drv, ok := t.drivers[dev.Major]
	t.mu.RUnlock()
	if !ok {
		done(req, xerrors.Errorf("device: no driver registered for major %d", dev.Major))
		return
	}
	drv.Strategy(dev.Minor, req, done)
}

// Package fsync implements the whole-cache sync() of spec §4.9: every
// dwrite buffer is written back, in-core inodes modified since their
// last write-back are flushed, and the caller waits for all of it to
// complete.
package fsync

import (
	"golang.org/x/sync/errgroup"

	"github.com/stixfs/stix/internal/buf"
	"github.com/stixfs/stix/internal/inode"
)

// Sync walks bufs for every dirty, valid buffer and flushes it
// concurrently, then writes back every modified in-core inode and
// flushes the inode-table buffers that write-back dirtied. It
// returns the first error encountered, but still attempts every
// buffer of a pass before giving up, the way the teacher's startup
// fan-out in cmd/minitrd fires off independent units of work and
// joins on the first failure.
func Sync(bufs *buf.Cache, inodes *inode.Cache) error {
	for pass := 0; pass < 2; pass++ {
		var eg errgroup.Group
		for _, i := range bufs.Dirty() {
			i := i
			eg.Go(func() error { return bufs.FlushAt(i) })
		}
		if err := eg.Wait(); err != nil {
			return err
		}
		if pass == 0 {
			if err := inodes.SyncAll(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Command fsck validates (and, with -repair, fixes) a stix filesystem
// image: it cross-checks the on-disk free-block bitmap against blocks
// actually reachable from the inode table, and cross-checks every
// inode's Nlinks field against how many directory entries reference
// it, the same kind of three-pass reachability/consistency check
// classic fsck implementations run.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/stixfs/stix/internal/ondisk"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: fsck [-repair] [-dump <gzip report>] <image>

fsck validates a stix filesystem image: free-block bitmap
reachability and inode link-count consistency.
`)
	flag.PrintDefaults()
}

// Stats is the statistics record fsck_check_filesystem returns per
// spec §8 scenario 7.
type Stats struct {
	TotalBlocks uint32   `json:"total_blocks"`
	TotalInodes uint32   `json:"total_inodes"`
	ErrorsFound int      `json:"errors_found"`
	Findings    []string `json:"findings,omitempty"`
}

func main() {
	fs := flag.NewFlagSet("fsck", flag.ExitOnError)
	fs.Usage = usage
	repair := fs.Bool("repair", false, "fix inconsistencies found (bitmap leaks/corruption, link-count mismatches)")
	dump := fs.String("dump", "", "write a gzip-compressed JSON diagnostic report to this path")
	fs.Parse(os.Args[1:])

	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	path := fs.Arg(0)

	mode := os.O_RDONLY
	if *repair {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(path, mode, 0)
	if err != nil {
		log.Fatalf("fsck: %v", err)
	}
	defer f.Close()

	stats, err := checkFilesystem(f, *repair)
	if err != nil {
		log.Fatalf("fsck: %v", err)
	}

	if *dump != "" {
		if err := writeDump(*dump, stats); err != nil {
			log.Fatalf("fsck: writing dump: %v", err)
		}
	}

	printSummary(stats)
	if stats.ErrorsFound > 0 && !*repair {
		os.Exit(1)
	}
}

func printSummary(stats Stats) {
	colored := isatty.IsTerminal(os.Stdout.Fd())
	status := "OK"
	if stats.ErrorsFound > 0 {
		status = "FAIL"
	}
	if colored {
		color := "\x1b[32m" // green
		if stats.ErrorsFound > 0 {
			color = "\x1b[31m" // red
		}
		fmt.Printf("%s%s\x1b[0m total_blocks=%d total_inodes=%d errors_found=%d\n",
			color, status, stats.TotalBlocks, stats.TotalInodes, stats.ErrorsFound)
	} else {
		fmt.Printf("%s total_blocks=%d total_inodes=%d errors_found=%d\n",
			status, stats.TotalBlocks, stats.TotalInodes, stats.ErrorsFound)
	}
	for _, f := range stats.Findings {
		fmt.Println("  -", f)
	}
}

// writeDump writes stats as gzip-compressed JSON, matching the
// "compress auxiliary output, not the primary store" role compression
// plays for the teacher's squashfs body.
func writeDump(path string, stats Stats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zw, err := gzip.NewWriterLevel(f, gzip.BestCompression)
	if err != nil {
		return err
	}
	defer zw.Close()
	return json.NewEncoder(zw).Encode(stats)
}

type readerWriterAt interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// checkFilesystem runs the three passes: reachability (walk every
// inode's block tree) and link-count tallying run concurrently since
// neither depends on the other's result, then the bitmap cross-check
// runs once reachability is known.
func checkFilesystem(f readerWriterAt, repair bool) (Stats, error) {
	sb, err := ondisk.ReadSuperblock(f)
	if err != nil {
		return Stats{}, err
	}

	dinodes, err := readInodeTable(f, sb)
	if err != nil {
		return Stats{}, err
	}

	var (
		reachable  *bitset
		reachErr   error
		linkCounts map[uint32]uint16
		linkErr    error
	)
	var eg errgroup.Group
	eg.Go(func() error {
		reachable, reachErr = computeReachable(f, sb, dinodes)
		return reachErr
	})
	eg.Go(func() error {
		linkCounts, linkErr = computeLinkCounts(f, sb, dinodes)
		return linkErr
	})
	if err := eg.Wait(); err != nil {
		return Stats{}, err
	}

	stats := Stats{TotalBlocks: sb.NBlocks, TotalInodes: sb.NInodes}

	if err := checkBitmap(f, sb, reachable, repair, &stats); err != nil {
		return stats, err
	}
	checkLinkCounts(dinodes, linkCounts, repair, &stats)

	if repair {
		if err := writeInodeTable(f, sb, dinodes); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func readInodeTable(f readerWriterAt, sb ondisk.Superblock) ([]ondisk.Dinode, error) {
	perBlock := ondisk.InodesPerBlock()
	dinodes := make([]ondisk.Dinode, sb.NInodes)
	for i := range dinodes {
		block := sb.InodeStart + uint32(i)/uint32(perBlock)
		off := (i % perBlock) * ondisk.DinodeSize
		rec := make([]byte, ondisk.DinodeSize)
		if _, err := f.ReadAt(rec, int64(block)*ondisk.BlockSize+int64(off)); err != nil {
			return nil, xerrors.Errorf("fsck: reading inode %d: %w", i+1, err)
		}
		d, err := ondisk.DecodeDinode(rec)
		if err != nil {
			return nil, err
		}
		dinodes[i] = d
	}
	return dinodes, nil
}

func writeInodeTable(f readerWriterAt, sb ondisk.Superblock, dinodes []ondisk.Dinode) error {
	perBlock := ondisk.InodesPerBlock()
	for i, d := range dinodes {
		block := sb.InodeStart + uint32(i)/uint32(perBlock)
		off := (i % perBlock) * ondisk.DinodeSize
		if _, err := f.WriteAt(d.Encode(), int64(block)*ondisk.BlockSize+int64(off)); err != nil {
			return xerrors.Errorf("fsck: writing back inode %d: %w", i+1, err)
		}
	}
	return nil
}

type bitset struct {
	bytes []byte
}

func newBitset(n uint32) *bitset { return &bitset{bytes: make([]byte, (n+7)/8)} }
func (b *bitset) set(bit uint32) { b.bytes[bit/8] |= 1 << (bit % 8) }
func (b *bitset) isSet(bit uint32) bool {
	return b.bytes[bit/8]&(1<<(bit%8)) != 0
}

const refsPerBlock = ondisk.BlockSize / 4

// computeReachable walks every non-free inode's direct and indirect
// block references, the offline equivalent of internal/bmap's tree
// walk (but over a plain io.ReaderAt instead of the buffer cache,
// since fsck runs with no live filesystem mounted).
func computeReachable(f readerWriterAt, sb ondisk.Superblock, dinodes []ondisk.Dinode) (*bitset, error) {
	reach := newBitset(sb.NBlocks)
	for b := uint32(0); b < sb.FirstBlock; b++ {
		reach.set(b)
	}
	for _, d := range dinodes {
		if d.Type == ondisk.TypeFree || d.Type == ondisk.TypeCharacter || d.Type == ondisk.TypeBlock {
			continue
		}
		for i := 0; i < ondisk.NDirect; i++ {
			if b := d.Blocks[i]; b != 0 {
				reach.set(b)
			}
		}
		levels := []struct {
			slot, depth int
		}{
			{ondisk.IndSingle, 1},
			{ondisk.IndDouble, 2},
		}
		for _, lv := range levels {
			b := d.Blocks[lv.slot]
			if b == 0 {
				continue
			}
			reach.set(b)
			if err := walkIndirect(f, b, lv.depth, reach); err != nil {
				return nil, err
			}
		}
	}
	return reach, nil
}

// readIndirectRefs reads the up-to-refsPerBlock block references
// packed into the indirect block at address block.
func readIndirectRefs(f readerWriterAt, block uint32) ([]uint32, error) {
	buf := make([]byte, ondisk.BlockSize)
	if _, err := f.ReadAt(buf, int64(block)*ondisk.BlockSize); err != nil {
		return nil, xerrors.Errorf("fsck: reading indirect block %d: %w", block, err)
	}
	refs := make([]uint32, refsPerBlock)
	for i := range refs {
		refs[i] = leUint32(buf[i*4 : i*4+4])
	}
	return refs, nil
}

func walkIndirect(f readerWriterAt, block uint32, depth int, reach *bitset) error {
	refs, err := readIndirectRefs(f, block)
	if err != nil {
		return err
	}
	for _, b := range refs {
		if b == 0 {
			continue
		}
		reach.set(b)
		if depth > 1 {
			if err := walkIndirect(f, b, depth-1, reach); err != nil {
				return err
			}
		}
	}
	return nil
}

// collectIndirect returns, in logical order, every leaf data block
// reachable from the indirect block at address block.
func collectIndirect(f readerWriterAt, block uint32, depth int) ([]uint32, error) {
	refs, err := readIndirectRefs(f, block)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, b := range refs {
		if b == 0 {
			continue
		}
		if depth > 1 {
			sub, err := collectIndirect(f, b, depth-1)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// dataBlocks returns every non-zero data block d references, in
// logical offset order: direct slots, then the leaves of the single-
// and double-indirect trees — mirroring computeReachable's walk so a
// directory large enough to need indirection isn't silently truncated
// by the link-count tally below.
func dataBlocks(f readerWriterAt, d ondisk.Dinode) ([]uint32, error) {
	var blocks []uint32
	for i := 0; i < ondisk.NDirect; i++ {
		if b := d.Blocks[i]; b != 0 {
			blocks = append(blocks, b)
		}
	}
	levels := []struct {
		slot, depth int
	}{
		{ondisk.IndSingle, 1},
		{ondisk.IndDouble, 2},
	}
	for _, lv := range levels {
		root := d.Blocks[lv.slot]
		if root == 0 {
			continue
		}
		leaves, err := collectIndirect(f, root, lv.depth)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, leaves...)
	}
	return blocks, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// checkBitmap compares the on-disk bitmap against reach: a block
// marked allocated but unreachable is an orphan (repairable: clear
// it); a block reachable but marked free is a corruption (repairable:
// set it).
func checkBitmap(f readerWriterAt, sb ondisk.Superblock, reach *bitset, repair bool, stats *Stats) error {
	const bitsPerBlock = ondisk.BlockSize * 8
	disk := newBitset(sb.NBlocks)
	nBitmapBlocks := (sb.NBlocks + bitsPerBlock - 1) / bitsPerBlock
	raw := make([]byte, nBitmapBlocks*ondisk.BlockSize)
	if _, err := f.ReadAt(raw, int64(sb.BBitmap)*ondisk.BlockSize); err != nil {
		return xerrors.Errorf("fsck: reading bitmap: %w", err)
	}
	copy(disk.bytes, raw)

	dirty := false
	for b := uint32(0); b < sb.NBlocks; b++ {
		onDisk := disk.isSet(b)
		want := reach.isSet(b)
		switch {
		case onDisk && !want:
			stats.ErrorsFound++
			stats.Findings = append(stats.Findings, fmt.Sprintf("block %d: allocated but unreachable (leaked)", b))
			if repair {
				disk.bytes[b/8] &^= 1 << (b % 8)
				dirty = true
			}
		case !onDisk && want:
			stats.ErrorsFound++
			stats.Findings = append(stats.Findings, fmt.Sprintf("block %d: reachable but not marked allocated", b))
			if repair {
				disk.bytes[b/8] |= 1 << (b % 8)
				dirty = true
			}
		}
	}
	if repair && dirty {
		if _, err := f.WriteAt(disk.bytes, int64(sb.BBitmap)*ondisk.BlockSize); err != nil {
			return xerrors.Errorf("fsck: writing repaired bitmap: %w", err)
		}
	}
	return nil
}

// computeLinkCounts walks every directory inode's entries and tallies
// how many times each inode number is referenced.
func computeLinkCounts(f readerWriterAt, sb ondisk.Superblock, dinodes []ondisk.Dinode) (map[uint32]uint16, error) {
	counts := make(map[uint32]uint16)
	for _, d := range dinodes {
		if d.Type != ondisk.TypeDirectory {
			continue
		}
		n := int(d.Size) / ondisk.DirentSize
		blocks, err := dataBlocks(f, d)
		if err != nil {
			return nil, err
		}
		read := 0
		for _, block := range blocks {
			if read >= n {
				break
			}
			buf := make([]byte, ondisk.BlockSize)
			if _, err := f.ReadAt(buf, int64(block)*ondisk.BlockSize); err != nil {
				return nil, xerrors.Errorf("fsck: reading directory block %d: %w", block, err)
			}
			perBlock := ondisk.BlockSize / ondisk.DirentSize
			for j := 0; j < perBlock && read < n; j++ {
				de, err := ondisk.DecodeDirent(buf[j*ondisk.DirentSize : (j+1)*ondisk.DirentSize])
				if err != nil {
					return nil, err
				}
				read++
				if de.Inum == 0 {
					continue
				}
				counts[uint32(de.Inum)]++
			}
		}
	}
	return counts, nil
}

func checkLinkCounts(dinodes []ondisk.Dinode, counts map[uint32]uint16, repair bool, stats *Stats) {
	for i := range dinodes {
		d := &dinodes[i]
		if d.Type == ondisk.TypeFree {
			continue
		}
		inum := uint32(i + 1)
		want := counts[inum]
		if d.Nlinks != want {
			stats.ErrorsFound++
			stats.Findings = append(stats.Findings, fmt.Sprintf("inode %d: nlinks=%d, %d directory entries reference it", inum, d.Nlinks, want))
			if repair {
				d.Nlinks = want
			}
		}
	}
}

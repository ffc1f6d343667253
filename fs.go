package shadowfs

import (
	"fmt"
	"log"
	"math"
)

// Filesystem is a mounted shadowfs volume: the block device, its
// superblock, the current shadow's allocator and inode engine, and the
// live file descriptor table. All exported methods are safe to call
// only from a single goroutine at a time; concurrent access is a
// non-goal (spec.md §5).
type Filesystem struct {
	dev       BlockDevice
	sb        *Superblock
	alloc     *allocator
	eng       *engine
	fdt       *fdTable
	blockSize uint32
}

// Option configures geometry at Format time.
type Option func(*formatConfig) error

type formatConfig struct {
	blockSize uint32
	numBlocks uint32
}

// WithBlockSize overrides DefaultBlockSize.
func WithBlockSize(n uint32) Option {
	return func(c *formatConfig) error {
		if n == 0 {
			return fmt.Errorf("shadowfs: block size must be positive: %w", ErrInvalidArgument)
		}
		c.blockSize = n
		return nil
	}
}

// WithNumBlocks overrides DefaultNumBlocks.
func WithNumBlocks(n uint32) Option {
	return func(c *formatConfig) error {
		if n == 0 {
			return fmt.Errorf("shadowfs: block count must be positive: %w", ErrInvalidArgument)
		}
		c.numBlocks = n
		return nil
	}
}

// Format lays down a fresh volume at path and mounts it. The FBM and WM
// each occupy exactly one on-disk block (one byte per block), which
// bounds NumBlocks to at most BlockSize; see DESIGN.md.
func Format(path string, opts ...Option) (*Filesystem, error) {
	cfg := formatConfig{blockSize: DefaultBlockSize, numBlocks: DefaultNumBlocks}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.numBlocks > cfg.blockSize {
		return nil, fmt.Errorf("shadowfs: num blocks (%d) exceeds block size (%d), mask would not fit in one block: %w", cfg.numBlocks, cfg.blockSize, ErrInvalidArgument)
	}
	if cfg.blockSize > math.MaxUint16 || cfg.numBlocks > math.MaxUint16 {
		return nil, fmt.Errorf("shadowfs: block size and num blocks must each fit in 16 bits (superblock field width): %w", ErrInvalidArgument)
	}

	sb := newSuperblock(cfg.blockSize, cfg.numBlocks)
	if sb.binarySize() > int(cfg.blockSize) {
		return nil, fmt.Errorf("shadowfs: superblock (%d bytes) does not fit in one block of %d: %w", sb.binarySize(), cfg.blockSize, ErrInvalidArgument)
	}

	dev, err := InitFresh(path, cfg.blockSize, cfg.numBlocks)
	if err != nil {
		return nil, err
	}

	// Reserve blocks 0 (superblock), 1 (FBM), 2 (WM), 3 (initial inode
	// table block), 4 (initial root-directory block).
	const (
		blockFBM   = 1
		blockWM    = 2
		blockTable = 3
		blockRoot  = 4
	)
	if cfg.numBlocks <= blockRoot {
		dev.Close()
		return nil, fmt.Errorf("shadowfs: volume too small to hold reserved blocks: %w", ErrInvalidArgument)
	}

	fbm := &bitmap{mask: make([]byte, cfg.numBlocks), block: blockFBM}
	wm := &bitmap{mask: make([]byte, cfg.numBlocks), block: blockWM}
	for id := uint32(0); id < cfg.numBlocks; id++ {
		fbm.set(id, true)
		wm.set(id, true)
	}
	for _, b := range []uint32{blockSuperblock, blockFBM, blockWM, blockTable, blockRoot} {
		fbm.set(b, false)
	}
	if err := dev.WriteBlocks(blockTable, make([]byte, cfg.blockSize)); err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.WriteBlocks(blockRoot, make([]byte, cfg.blockSize)); err != nil {
		dev.Close()
		return nil, err
	}
	if err := fbm.persist(dev); err != nil {
		dev.Close()
		return nil, err
	}
	if err := wm.persist(dev); err != nil {
		dev.Close()
		return nil, err
	}

	// The root directory's own inode (id 0) lives at offset 0 of the
	// inode table; the j-node (shadow 0's view of the table) has one
	// direct block and a size covering that single record.
	rootInode := Inode{Size: 0, DPtrs: [MaxDirectPtr]uint32{0: blockRoot}}
	jnode := rawInode{Size: inodeRecordSize, DPtrs: [MaxDirectPtr]uint32{0: blockTable}}

	sb.NumInodes = 1
	sb.CurrentRoot = 0
	sb.Roots[0] = jnode
	sb.FBMPtrs[0] = blockFBM
	sb.WMPtrs[0] = blockWM

	fs := &Filesystem{dev: dev, sb: sb, blockSize: cfg.blockSize}
	fs.alloc = &allocator{dev: dev, fbm: fbm, wm: wm}
	fs.eng = &engine{dev: dev, alloc: fs.alloc}
	fs.eng.persist = fs.persistInode
	fs.fdt = newFDTable(cfg.numBlocks)
	fs.fdt.slots[slotJNode] = descriptor{inode: inodeFromRaw(jnode), inodeID: -1, live: true}
	fs.fdt.slots[slotRootDir] = descriptor{inode: rootInode, inodeID: rootDirInode, live: true}

	if err := writeSuperblock(dev, sb); err != nil {
		dev.Close()
		return nil, err
	}

	if err := fs.persistInode(rootDirInode, &rootInode); err != nil {
		dev.Close()
		return nil, err
	}

	log.Printf("shadowfs: formatted %s (%d blocks of %d bytes)", path, cfg.numBlocks, cfg.blockSize)
	return fs, nil
}

// Mount opens an already-formatted volume.
func Mount(path string) (*Filesystem, error) {
	dev, err := InitExisting(path)
	if err != nil {
		return nil, err
	}

	// Provisional geometry so block 0 can be read; the superblock fits
	// in DefaultBlockSize bytes whatever the volume's real block size.
	dev.SetGeometry(DefaultBlockSize, 1)
	peek := make([]byte, DefaultBlockSize)
	if err := dev.ReadBlocks(0, 1, peek); err != nil {
		dev.Close()
		return nil, err
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(peek); err != nil {
		dev.Close()
		return nil, err
	}
	dev.SetGeometry(uint32(sb.BlockSize), uint32(sb.NumBlocks))

	if sb.CurrentRoot >= NumShadowRoots {
		dev.Close()
		return nil, fmt.Errorf("shadowfs: current_root %d out of range: %w", sb.CurrentRoot, ErrCorrupt)
	}

	fbm, err := loadBitmap(dev, sb.FBMPtrs[sb.CurrentRoot])
	if err != nil {
		dev.Close()
		return nil, err
	}
	wm, err := loadBitmap(dev, sb.WMPtrs[sb.CurrentRoot])
	if err != nil {
		dev.Close()
		return nil, err
	}

	fs := &Filesystem{dev: dev, sb: sb, blockSize: uint32(sb.BlockSize)}
	fs.alloc = &allocator{dev: dev, fbm: fbm, wm: wm}
	fs.eng = &engine{dev: dev, alloc: fs.alloc}
	fs.eng.persist = fs.persistInode
	fs.fdt = newFDTable(uint32(sb.NumBlocks))
	fs.fdt.slots[slotJNode] = descriptor{inode: inodeFromRaw(sb.Roots[sb.CurrentRoot]), inodeID: -1, live: true}

	rootInode, err := fs.readInodeRecord(rootDirInode)
	if err != nil {
		dev.Close()
		return nil, err
	}
	fs.fdt.slots[slotRootDir] = descriptor{inode: rootInode, inodeID: rootDirInode, live: true}

	log.Printf("shadowfs: mounted %s at shadow %d", path, sb.CurrentRoot)
	return fs, nil
}

// Unmount releases the advisory lock and closes the backing device.
func (fs *Filesystem) Unmount() error {
	return fs.dev.Close()
}

// persistInode is the engine's persist callback: inodeID == -1 means
// ino is the current shadow's j-node, written straight to the
// superblock; any other id is an ordinary inode record written through
// slot 0, per spec.md §4.4 point 4.
func (fs *Filesystem) persistInode(inodeID int32, ino *Inode) error {
	if inodeID == -1 {
		fs.sb.Roots[fs.sb.CurrentRoot] = ino.toRaw()
		return writeSuperblock(fs.dev, fs.sb)
	}
	data := marshalRawInode(ino.toRaw())
	fs.fdt.slots[slotJNode].wr = bytesToCursor(int(inodeID)*inodeRecordSize, fs.blockSize)
	n, err := fs.writeInternal(slotJNode, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("shadowfs: short write persisting inode %d: %w", inodeID, ErrNoSpace)
	}
	return nil
}

// writeInternal implements write() for any descriptor, reserved or
// user: resolve (allocating or copy-on-writing as needed), overlay the
// incoming bytes, advance the size and cursor, then persist the
// updated inode. Partial progress is surfaced as a positive count, not
// an error; only a write that makes zero progress returns one, apart
// from a failure to persist the updated inode afterwards.
func (fs *Filesystem) writeInternal(fd int, buf []byte) (int, error) {
	d, err := fs.fdt.get(fd)
	if err != nil {
		return 0, err
	}

	total := 0
	remaining := buf
	var loopErr error
	for len(remaining) > 0 {
		startCursor := d.wr.bytes(fs.blockSize)
		k := d.wr.dptr
		blockID, err := fs.eng.resolveForWrite(&d.inode, d.inodeID, k)
		if err != nil {
			loopErr = err
			break
		}

		offt := d.wr.offt
		n := len(remaining)
		if n > int(fs.blockSize)-offt {
			n = int(fs.blockSize) - offt
		}

		blk := make([]byte, fs.blockSize)
		if err := fs.dev.ReadBlocks(blockID, 1, blk); err != nil {
			loopErr = err
			break
		}
		copy(blk[offt:offt+n], remaining[:n])
		if err := fs.dev.WriteBlocks(blockID, blk); err != nil {
			loopErr = err
			break
		}

		newSize := startCursor + n
		if int(d.inode.Size) > newSize {
			newSize = int(d.inode.Size)
		}
		d.inode.Size = uint32(newSize)

		total += n
		remaining = remaining[n:]
		d.wr.offt += n
		if d.wr.offt >= int(fs.blockSize) {
			d.wr.dptr++
			d.wr.offt = 0
		}
	}

	if total == 0 {
		if loopErr != nil {
			return 0, loopErr
		}
		return 0, nil
	}
	if err := fs.persistInode(d.inodeID, &d.inode); err != nil {
		return total, err
	}
	return total, nil
}

// readInternal implements read() for any descriptor: it never returns
// a partial count after a successful prefix, only the total (clamped
// to EOF) or an error.
func (fs *Filesystem) readInternal(fd int, buf []byte) (int, error) {
	d, err := fs.fdt.get(fd)
	if err != nil {
		return 0, err
	}

	avail := int(d.inode.Size) - d.rd.bytes(fs.blockSize)
	if avail < 0 {
		avail = 0
	}
	n := len(buf)
	if n > avail {
		n = avail
	}

	total := 0
	remaining := buf[:n]
	for len(remaining) > 0 {
		k := d.rd.dptr
		blockID, err := fs.eng.resolve(&d.inode, k)
		if err != nil {
			return 0, err
		}

		offt := d.rd.offt
		m := int(fs.blockSize) - offt
		if m > len(remaining) {
			m = len(remaining)
		}

		if blockID == 0 {
			for i := 0; i < m; i++ {
				remaining[i] = 0
			}
		} else {
			blk := make([]byte, fs.blockSize)
			if err := fs.dev.ReadBlocks(blockID, 1, blk); err != nil {
				return 0, err
			}
			copy(remaining[:m], blk[offt:offt+m])
		}

		total += m
		remaining = remaining[m:]
		d.rd.offt += m
		if d.rd.offt >= int(fs.blockSize) {
			d.rd.dptr++
			d.rd.offt = 0
		}
	}
	return total, nil
}

func checkUserFD(fd int) error {
	if fd == slotJNode || fd == slotRootDir {
		return ErrReservedDescriptor
	}
	return nil
}

// Open returns a file descriptor for name, creating it if it doesn't
// exist and the volume has at least one free block. Names longer than
// FilenameSize are truncated, not rejected, matching the reference
// implementation's ssfs_fopen.
func (fs *Filesystem) Open(name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("shadowfs: filename must not be empty: %w", ErrInvalidArgument)
	}
	if len(name) > FilenameSize {
		name = name[:FilenameSize]
	}

	id, found, err := fs.dirLookup(name)
	if err != nil {
		return 0, err
	}

	var ino Inode
	if found {
		ino, err = fs.readInodeRecord(id)
		if err != nil {
			return 0, err
		}
	} else {
		if !fs.alloc.fbm.hasFree() {
			return 0, ErrNoSpace
		}
		reused, ok, err := fs.findFreeInode()
		if err != nil {
			return 0, err
		}
		if ok {
			id = reused
		} else {
			id = fs.tableEntries()
		}
		ino = Inode{Free: false, Size: 0}
		if err := fs.persistInode(int32(id), &ino); err != nil {
			return 0, err
		}
		if err := fs.dirWriteEntry(id, name); err != nil {
			return 0, err
		}
		fs.sb.NumInodes++
		if err := writeSuperblock(fs.dev, fs.sb); err != nil {
			return 0, err
		}
	}

	fd, err := fs.fdt.alloc()
	if err != nil {
		return 0, err
	}
	// Both cursors start at 0 on open, even for an existing file with
	// nonzero size: this format has no append mode.
	fs.fdt.slots[fd] = descriptor{
		inode:   ino,
		inodeID: int32(id),
		name:    name,
		rd:      cursor{},
		wr:      cursor{},
		live:    true,
	}
	return fd, nil
}

// Close releases a user file descriptor.
func (fs *Filesystem) Close(fd int) error {
	return fs.fdt.close(fd)
}

// Rseek repositions fd's read cursor. Seeking past end-of-file clamps
// the cursor to size and returns an error, matching the reference
// implementation's historical behavior (spec.md §9).
func (fs *Filesystem) Rseek(fd int, loc int) error {
	if err := checkUserFD(fd); err != nil {
		return err
	}
	d, err := fs.fdt.get(fd)
	if err != nil {
		return err
	}
	if loc < 0 {
		return ErrInvalidArgument
	}
	if loc > int(d.inode.Size) {
		d.rd = bytesToCursor(int(d.inode.Size), fs.blockSize)
		return fmt.Errorf("shadowfs: seek past end of file: %w", ErrInvalidArgument)
	}
	d.rd = bytesToCursor(loc, fs.blockSize)
	return nil
}

// Wseek repositions fd's write cursor. loc must fall within [0, size].
func (fs *Filesystem) Wseek(fd int, loc int) error {
	if err := checkUserFD(fd); err != nil {
		return err
	}
	d, err := fs.fdt.get(fd)
	if err != nil {
		return err
	}
	if loc < 0 || loc > int(d.inode.Size) {
		return ErrInvalidArgument
	}
	d.wr = bytesToCursor(loc, fs.blockSize)
	return nil
}

// Write writes buf at fd's write cursor, growing and copy-on-writing
// blocks as needed.
func (fs *Filesystem) Write(fd int, buf []byte) (int, error) {
	if err := checkUserFD(fd); err != nil {
		return 0, err
	}
	return fs.writeInternal(fd, buf)
}

// Read reads into buf from fd's read cursor.
func (fs *Filesystem) Read(fd int, buf []byte) (int, error) {
	if err := checkUserFD(fd); err != nil {
		return 0, err
	}
	return fs.readInternal(fd, buf)
}

// Remove deletes name: any open descriptors on it are invalidated, its
// blocks still owned by this shadow are freed, and its directory entry
// and inode-table slot are cleared.
func (fs *Filesystem) Remove(name string) error {
	id, found, err := fs.dirLookup(name)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}

	ino, err := fs.readInodeRecord(id)
	if err != nil {
		return err
	}

	fs.fdt.closeByInode(int32(id))

	if err := fs.eng.freeInodeBlocks(&ino); err != nil {
		return err
	}

	freed := freeInode()
	if err := fs.persistInode(int32(id), &freed); err != nil {
		return err
	}
	if err := fs.dirClearEntry(id); err != nil {
		return err
	}

	fs.sb.NumInodes--
	return writeSuperblock(fs.dev, fs.sb)
}

// Commit freezes every block currently live in the present shadow into
// a new shadow, and returns the shadow number that was current just
// before the call. Restoring to it later reverts the namespace exactly
// to this point.
func (fs *Filesystem) Commit() (uint32, error) {
	if fs.sb.CurrentRoot+1 >= NumShadowRoots {
		return 0, fmt.Errorf("shadowfs: no shadow slots remain: %w", ErrNoSpace)
	}

	newFBMBlock, err := fs.alloc.allocateBlock()
	if err != nil {
		return 0, err
	}
	if err := fs.alloc.markAllocated(newFBMBlock); err != nil {
		return 0, err
	}
	newWMBlock, err := fs.alloc.allocateBlock()
	if err != nil {
		return 0, err
	}
	if err := fs.alloc.markAllocated(newWMBlock); err != nil {
		return 0, err
	}

	newFBM := fs.alloc.fbm.clone(newFBMBlock)
	newWM := fs.alloc.wm.clone(newWMBlock)
	for id := uint32(0); id < fs.dev.NumBlocks(); id++ {
		if !newFBM.get(id) {
			newWM.set(id, false)
		}
	}
	if err := newFBM.persist(fs.dev); err != nil {
		return 0, err
	}
	if err := newWM.persist(fs.dev); err != nil {
		return 0, err
	}

	prev := fs.sb.CurrentRoot
	next := prev + 1
	fs.sb.Roots[next] = fs.sb.Roots[prev]
	fs.sb.FBMPtrs[next] = newFBMBlock
	fs.sb.WMPtrs[next] = newWMBlock
	fs.sb.CurrentRoot = next
	if err := writeSuperblock(fs.dev, fs.sb); err != nil {
		return 0, err
	}

	fs.alloc.fbm = newFBM
	fs.alloc.wm = newWM
	log.Printf("shadowfs: committed shadow %d, now on %d", prev, next)
	return uint32(prev), nil
}

// Restore switches the live namespace back to a previously committed
// shadow. Blocks frozen after that shadow are left allocated and
// referenced by later shadows, not reclaimed (snapshot GC is a
// non-goal; see spec.md §9 and DESIGN.md).
func (fs *Filesystem) Restore(n uint32) error {
	if n > uint32(fs.sb.CurrentRoot) {
		return fmt.Errorf("shadowfs: shadow %d does not exist yet: %w", n, ErrInvalidArgument)
	}

	fbm, err := loadBitmap(fs.dev, fs.sb.FBMPtrs[n])
	if err != nil {
		return err
	}
	wm, err := loadBitmap(fs.dev, fs.sb.WMPtrs[n])
	if err != nil {
		return err
	}

	fs.sb.CurrentRoot = uint8(n)
	if err := writeSuperblock(fs.dev, fs.sb); err != nil {
		return err
	}

	fs.alloc.fbm = fbm
	fs.alloc.wm = wm
	fs.fdt.slots[slotJNode] = descriptor{inode: inodeFromRaw(fs.sb.Roots[n]), inodeID: -1, live: true}

	rootInode, err := fs.readInodeRecord(rootDirInode)
	if err != nil {
		return err
	}
	fs.fdt.slots[slotRootDir] = descriptor{inode: rootInode, inodeID: rootDirInode, live: true}

	log.Printf("shadowfs: restored to shadow %d", n)
	return nil
}

package shadowfs

import "log"

// allocator owns the current shadow's free-block mask and write mask
// and persists mutations as they happen, per spec.md §4.3.
type allocator struct {
	dev BlockDevice
	fbm *bitmap
	wm  *bitmap
}

const noBlock = ^uint32(0)

// allocateBlock picks the first free block by a first-fit scan from
// block 1 (block 0 is always the superblock). It does NOT clear the FBM byte — per spec.md §4.3 that is
// left to the caller, once the new block has been recorded in an
// inode pointer and its initial contents written, so an allocate
// followed by a failure never leaks a block as "neither free nor
// owned".
func (a *allocator) allocateBlock() (uint32, error) {
	for id := uint32(1); id < a.dev.NumBlocks(); id++ {
		if a.fbm.get(id) {
			return id, nil
		}
	}
	return noBlock, ErrNoSpace
}

func (a *allocator) markAllocated(id uint32) error {
	a.fbm.set(id, false)
	return a.fbm.persist(a.dev)
}

func (a *allocator) markFree(id uint32) error {
	a.fbm.set(id, true)
	return a.fbm.persist(a.dev)
}

// freezeAllLive sets WM[b] = 0 for every block currently allocated.
// Commit() does not call it: it applies the same rule itself to the
// cloned WM of the new shadow before switching the allocator over.
func (a *allocator) freezeAllLive() error {
	for id := uint32(0); id < a.dev.NumBlocks(); id++ {
		if !a.fbm.get(id) {
			a.wm.set(id, false)
		}
	}
	log.Printf("shadowfs: froze %d live blocks", a.countLive())
	return a.wm.persist(a.dev)
}

func (a *allocator) countLive() int {
	n := 0
	for id := uint32(0); id < a.dev.NumBlocks(); id++ {
		if !a.fbm.get(id) {
			n++
		}
	}
	return n
}

func (a *allocator) isWritable(id uint32) bool {
	return a.wm.get(id)
}

func (a *allocator) markWritable(id uint32, v bool) error {
	a.wm.set(id, v)
	return a.wm.persist(a.dev)
}

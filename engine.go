package shadowfs

import "fmt"

// engine is the inode address-translation and growth/copy-on-write
// machinery of spec.md §4.4. It knows nothing about file descriptors
// or directories; it only ever deals in (inode, logical pointer index)
// pairs and the physical blocks they resolve to.
//
// Persisting a grown or copy-on-write'd inode back to its owning
// record (the inode table for ordinary files, the superblock for the
// j-node itself, per spec.md §4.4 point 4) is delegated to persist,
// supplied by the Filesystem that owns this engine.
type engine struct {
	dev   BlockDevice
	alloc *allocator

	persist func(inodeID int32, ino *Inode) error
}

// resolve translates logical pointer index k to a physical block id.
// It returns 0 (the "not yet allocated" sentinel) when the direct slot
// or the whole indirect region is empty, and ErrCorrupt when k or the
// resolved block id is out of range.
func (e *engine) resolve(ino *Inode, k int) (uint32, error) {
	max := maxAddressableDirectPtr(e.dev.BlockSize())
	if k < 0 || k >= max {
		return 0, fmt.Errorf("shadowfs: pointer index %d out of range: %w", k, ErrCorrupt)
	}

	if k < MaxDirectPtr {
		b := ino.directPtr(k)
		if b != 0 && b >= e.dev.NumBlocks() {
			return 0, fmt.Errorf("shadowfs: direct pointer %d out of range: %w", b, ErrCorrupt)
		}
		return b, nil
	}

	if ino.IPtr == 0 {
		return 0, nil
	}
	if ino.IPtr >= e.dev.NumBlocks() {
		return 0, fmt.Errorf("shadowfs: indirect pointer %d out of range: %w", ino.IPtr, ErrCorrupt)
	}

	ib, err := e.readIndirectBlock(ino.IPtr)
	if err != nil {
		return 0, err
	}
	b := ib.get(k - MaxDirectPtr)
	if b != 0 && b >= e.dev.NumBlocks() {
		return 0, fmt.Errorf("shadowfs: indirect entry %d out of range: %w", b, ErrCorrupt)
	}
	return b, nil
}

func (e *engine) readIndirectBlock(id uint32) (*indirectBlock, error) {
	buf := make([]byte, e.dev.BlockSize())
	if err := e.dev.ReadBlocks(id, 1, buf); err != nil {
		return nil, err
	}
	ib := newIndirectBlock(e.dev.BlockSize())
	ib.unmarshal(buf)
	return ib, nil
}

func (e *engine) writeIndirectBlock(id uint32, ib *indirectBlock) error {
	return e.dev.WriteBlocks(id, ib.marshal(e.dev.BlockSize()))
}

func (e *engine) zeroBlock(id uint32) error {
	return e.dev.WriteBlocks(id, make([]byte, e.dev.BlockSize()))
}

// attachBlock grows ino so that logical index k resolves to a freshly
// allocated block, per spec.md §4.4's growth algorithm: zero the new
// block, allocate a second block for the indirect-pointer block on
// first crossing into the indirect region, record the new pointer,
// clear its FBM byte, and persist the updated inode (or, for the
// j-node, the superblock).
func (e *engine) attachBlock(ino *Inode, inodeID int32, k int) (uint32, error) {
	max := maxAddressableDirectPtr(e.dev.BlockSize())
	if k < 0 || k >= max {
		return 0, fmt.Errorf("shadowfs: pointer index %d out of range: %w", k, ErrCorrupt)
	}

	newBlock, err := e.alloc.allocateBlock()
	if err != nil {
		return 0, err
	}
	if err := e.zeroBlock(newBlock); err != nil {
		return 0, err
	}

	if k < MaxDirectPtr {
		ino.setDirectPtr(k, newBlock)
	} else {
		if ino.IPtr == 0 {
			// newBlock's FBM byte is still set, so claim it first or the
			// next first-fit scan would hand back the same block.
			if err := e.alloc.markAllocated(newBlock); err != nil {
				return 0, err
			}
			ipBlock, err := e.alloc.allocateBlock()
			if err != nil {
				e.alloc.markFree(newBlock)
				return 0, err
			}
			if err := e.zeroBlock(ipBlock); err != nil {
				return 0, err
			}
			ino.IPtr = ipBlock
			if err := e.alloc.markAllocated(ipBlock); err != nil {
				return 0, err
			}
		}
		ib, err := e.readIndirectBlock(ino.IPtr)
		if err != nil {
			return 0, err
		}
		ib.set(k-MaxDirectPtr, newBlock)
		if err := e.writeIndirectBlock(ino.IPtr, ib); err != nil {
			return 0, err
		}
	}

	if err := e.alloc.markAllocated(newBlock); err != nil {
		return 0, err
	}
	if err := e.persist(inodeID, ino); err != nil {
		return 0, err
	}
	return newBlock, nil
}

// copyOnWrite duplicates the contents of a frozen block owned by a
// prior shadow into a freshly allocated block and redirects ino's
// pointer slot k to it. The old block is left untouched and NOT freed
// (spec.md §4.4: another shadow still owns it). The caller is
// responsible for overlaying the incoming write bytes on top and
// writing the new block back; copyOnWrite only establishes ownership.
func (e *engine) copyOnWrite(ino *Inode, inodeID int32, k int, oldBlock uint32) (uint32, error) {
	newBlock, err := e.alloc.allocateBlock()
	if err != nil {
		return 0, err
	}

	old := make([]byte, e.dev.BlockSize())
	if err := e.dev.ReadBlocks(oldBlock, 1, old); err != nil {
		return 0, err
	}
	if err := e.dev.WriteBlocks(newBlock, old); err != nil {
		return 0, err
	}

	if k < MaxDirectPtr {
		ino.setDirectPtr(k, newBlock)
	} else {
		ib, err := e.readIndirectBlock(ino.IPtr)
		if err != nil {
			return 0, err
		}
		ib.set(k-MaxDirectPtr, newBlock)
		if err := e.writeIndirectBlock(ino.IPtr, ib); err != nil {
			return 0, err
		}
	}

	if err := e.alloc.markAllocated(newBlock); err != nil {
		return 0, err
	}
	if err := e.persist(inodeID, ino); err != nil {
		return 0, err
	}
	return newBlock, nil
}

// resolveForWrite returns a block id that is safe to read-modify-write
// for logical index k, allocating or copy-on-writing as needed. This
// collapses spec.md §4.5 write() steps 1-3 into one call; the actual
// byte overlay (step 4) is left to the caller since only it knows the
// bytes and offset involved.
func (e *engine) resolveForWrite(ino *Inode, inodeID int32, k int) (uint32, error) {
	b, err := e.resolve(ino, k)
	if err != nil {
		return 0, err
	}
	if b == 0 {
		return e.attachBlock(ino, inodeID, k)
	}
	if !e.alloc.isWritable(b) {
		return e.copyOnWrite(ino, inodeID, k, b)
	}
	return b, nil
}

// freeInodeBlocks releases every block owned by ino back to the
// allocator, but only those this shadow actually owns outright
// (WM==1); a frozen block is left alone since an earlier shadow still
// references it. Used by remove().
func (e *engine) freeInodeBlocks(ino *Inode) error {
	for k := 0; k < MaxDirectPtr; k++ {
		b := ino.directPtr(k)
		if b != 0 && e.alloc.isWritable(b) {
			if err := e.alloc.markFree(b); err != nil {
				return err
			}
		}
	}
	if ino.IPtr != 0 {
		ib, err := e.readIndirectBlock(ino.IPtr)
		if err != nil {
			return err
		}
		for _, b := range ib.ptrs {
			if b != 0 && e.alloc.isWritable(b) {
				if err := e.alloc.markFree(b); err != nil {
					return err
				}
			}
		}
		if e.alloc.isWritable(ino.IPtr) {
			if err := e.alloc.markFree(ino.IPtr); err != nil {
				return err
			}
		}
	}
	return nil
}

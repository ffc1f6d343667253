package shadowfs

import "testing"

func newTestEngine(t *testing.T) (*engine, *Inode) {
	t.Helper()
	a, dev := newTestAllocator(t)
	e := &engine{dev: dev, alloc: a}
	e.persist = func(inodeID int32, ino *Inode) error { return nil }
	ino := &Inode{}
	return e, ino
}

func TestAttachBlockGrowsDirectPointers(t *testing.T) {
	e, ino := newTestEngine(t)
	b, err := e.attachBlock(ino, 1, 0)
	if err != nil {
		t.Fatalf("attachBlock failed: %s", err)
	}
	if ino.directPtr(0) != b {
		t.Fatalf("attachBlock did not record pointer: got %d want %d", ino.directPtr(0), b)
	}
	if e.alloc.isWritable(b) != true {
		t.Fatalf("a freshly attached block should be writable in its own shadow")
	}
}

func TestAttachBlockCrossesIntoIndirectRegion(t *testing.T) {
	e, ino := newTestEngine(t)
	k := MaxDirectPtr // first indirect-region index
	b, err := e.attachBlock(ino, 1, k)
	if err != nil {
		t.Fatalf("attachBlock failed: %s", err)
	}
	if ino.IPtr == 0 {
		t.Fatal("attachBlock should allocate an indirect-pointer block on first crossing")
	}
	ib, err := e.readIndirectBlock(ino.IPtr)
	if err != nil {
		t.Fatalf("readIndirectBlock failed: %s", err)
	}
	if ib.get(0) != b {
		t.Fatalf("indirect block entry 0 = %d, want %d", ib.get(0), b)
	}
}

func TestAttachBlockOutOfRange(t *testing.T) {
	e, ino := newTestEngine(t)
	if _, err := e.attachBlock(ino, 1, maxAddressableDirectPtr(e.dev.BlockSize())); err == nil {
		t.Fatal("expected an error attaching a block beyond the addressable range")
	}
}

func TestResolveForWriteCopyOnWrite(t *testing.T) {
	e, ino := newTestEngine(t)
	b, err := e.attachBlock(ino, 1, 0)
	if err != nil {
		t.Fatalf("attachBlock failed: %s", err)
	}

	// Simulate a later shadow where this block is now frozen.
	e.alloc.markWritable(b, false)

	got, err := e.resolveForWrite(ino, 1, 0)
	if err != nil {
		t.Fatalf("resolveForWrite failed: %s", err)
	}
	if got == b {
		t.Fatal("resolveForWrite should copy-on-write a frozen block, not reuse it")
	}
	if ino.directPtr(0) != got {
		t.Fatalf("copy-on-write should redirect the inode's pointer to the new block")
	}
	if !e.alloc.isWritable(got) {
		t.Fatal("the new block from copy-on-write should be writable in the current shadow")
	}
}

func TestResolveForWriteReusesWritableBlock(t *testing.T) {
	e, ino := newTestEngine(t)
	b, err := e.attachBlock(ino, 1, 0)
	if err != nil {
		t.Fatalf("attachBlock failed: %s", err)
	}

	got, err := e.resolveForWrite(ino, 1, 0)
	if err != nil {
		t.Fatalf("resolveForWrite failed: %s", err)
	}
	if got != b {
		t.Fatalf("a block already writable in this shadow should be reused, got %d want %d", got, b)
	}
}

func TestFreeInodeBlocksSkipsFrozenBlocks(t *testing.T) {
	e, ino := newTestEngine(t)
	writable, _ := e.attachBlock(ino, 1, 0)
	frozen, _ := e.attachBlock(ino, 1, 1)
	e.alloc.markWritable(frozen, false)

	if err := e.freeInodeBlocks(ino); err != nil {
		t.Fatalf("freeInodeBlocks failed: %s", err)
	}

	if !e.alloc.fbm.get(writable) {
		t.Errorf("a block this shadow owned outright should be freed")
	}
	if e.alloc.fbm.get(frozen) {
		t.Errorf("a block frozen by an earlier shadow must not be freed")
	}
}

package shadowfs

// The root directory is stored as an ordinary file through the
// reserved slot 1 descriptor, per spec.md §4.6: one dirEntry record per
// user inode id, at a fixed offset derived from that id, so insert and
// remove never need to search for a slot. Lookup by name is still a
// linear scan, since names aren't indexed.

// dirLookup scans the root directory for name and returns the inode id
// it names, or ok == false if no entry matches.
func (fs *Filesystem) dirLookup(name string) (uint32, bool, error) {
	size := int(fs.fdt.slots[slotRootDir].inode.Size)
	fs.fdt.slots[slotRootDir].rd = cursor{}

	for pos := 0; pos < size; pos += DirEntrySize {
		buf := make([]byte, DirEntrySize)
		n, err := fs.readInternal(slotRootDir, buf)
		if err != nil {
			return 0, false, err
		}
		if n < DirEntrySize {
			break
		}
		e := unmarshalDirEntry(buf)
		if !e.empty() && e.filename() == name {
			return e.inodeID, true, nil
		}
	}
	return 0, false, nil
}

// dirWriteEntry records that inodeID is named name, at the fixed offset
// spec.md §4.6 assigns that id.
func (fs *Filesystem) dirWriteEntry(inodeID uint32, name string) error {
	e := makeDirEntry(name, inodeID)
	return fs.writeReservedAt(slotRootDir, int(inodeID-1)*DirEntrySize, e.marshal())
}

// dirClearEntry removes inodeID's directory entry by zeroing its slot.
func (fs *Filesystem) dirClearEntry(inodeID uint32) error {
	return fs.writeReservedAt(slotRootDir, int(inodeID-1)*DirEntrySize, make([]byte, DirEntrySize))
}

// writeReservedAt writes data at an absolute offset in a reserved
// descriptor's file (slot 0 or slot 1), bypassing the [0,size] bound
// Wseek enforces for user calls: both the inode table and the
// directory are grown by writing past their current end.
func (fs *Filesystem) writeReservedAt(fd int, offset int, data []byte) error {
	fs.fdt.slots[fd].wr = bytesToCursor(offset, fs.blockSize)
	n, err := fs.writeInternal(fd, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return ErrNoSpace
	}
	return nil
}

// listNames returns every live filename in the root directory, in
// table order. Used by the optional FUSE surface's Readdir.
func (fs *Filesystem) listNames() ([]string, error) {
	size := int(fs.fdt.slots[slotRootDir].inode.Size)
	fs.fdt.slots[slotRootDir].rd = cursor{}

	var names []string
	for pos := 0; pos < size; pos += DirEntrySize {
		buf := make([]byte, DirEntrySize)
		n, err := fs.readInternal(slotRootDir, buf)
		if err != nil {
			return nil, err
		}
		if n < DirEntrySize {
			break
		}
		e := unmarshalDirEntry(buf)
		if !e.empty() {
			names = append(names, e.filename())
		}
	}
	return names, nil
}

// readInodeRecord loads inode id's record from the inode table.
func (fs *Filesystem) readInodeRecord(id uint32) (Inode, error) {
	fs.fdt.slots[slotJNode].rd = bytesToCursor(int(id)*inodeRecordSize, fs.blockSize)
	buf := make([]byte, inodeRecordSize)
	n, err := fs.readInternal(slotJNode, buf)
	if err != nil {
		return Inode{}, err
	}
	if n < inodeRecordSize {
		return Inode{}, ErrCorrupt
	}
	return inodeFromRaw(unmarshalRawInode(buf)), nil
}

// tableEntries returns how many inode-record slots the table currently
// spans, including any interior slots remove() has freed.
func (fs *Filesystem) tableEntries() uint32 {
	return fs.fdt.slots[slotJNode].inode.Size / inodeRecordSize
}

// findFreeInode scans existing table slots (skipping id 0, the root
// directory) for one remove() has marked free, for open() to reuse.
func (fs *Filesystem) findFreeInode() (uint32, bool, error) {
	entries := fs.tableEntries()
	for id := uint32(1); id < entries; id++ {
		ino, err := fs.readInodeRecord(id)
		if err != nil {
			return 0, false, err
		}
		if ino.Free {
			return id, true, nil
		}
	}
	return 0, false, nil
}

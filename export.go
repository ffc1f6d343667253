package shadowfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// exportMagic tags an export archive so Import can reject garbage early.
const exportMagic uint32 = 0x53484144 // "SHAD"

// Export serializes every file reachable from shadow's root directory
// into an archive written to w, compressed with comp. It is read-only:
// no block is allocated and no shadow, including the current one, is
// mutated. This is the manual mitigation spec.md §9 calls for in place
// of snapshot garbage collection — a shadow slot that would otherwise
// sit in the superblock's fixed 14-entry array forever can be exported
// and later reimported as ordinary files.
func (fs *Filesystem) Export(shadow uint32, w io.Writer, comp Compression) error {
	if shadow > uint32(fs.sb.CurrentRoot) {
		return fmt.Errorf("shadowfs: shadow %d does not exist: %w", shadow, ErrInvalidArgument)
	}
	h, ok := compHandlers[comp]
	if !ok {
		return fmt.Errorf("shadowfs: unsupported export compression %s: %w", comp, ErrInvalidArgument)
	}
	cw, err := h.compress(w)
	if err != nil {
		return err
	}
	defer cw.Close()

	jnode := inodeFromRaw(fs.sb.Roots[shadow])
	rootDir, err := fs.readInodeRecordFrom(&jnode, rootDirInode)
	if err != nil {
		return err
	}
	dirBytes, err := fs.readFull(&rootDir, int(rootDir.Size))
	if err != nil {
		return err
	}

	var entries []dirEntry
	for pos := 0; pos+DirEntrySize <= len(dirBytes); pos += DirEntrySize {
		e := unmarshalDirEntry(dirBytes[pos : pos+DirEntrySize])
		if !e.empty() {
			entries = append(entries, e)
		}
	}

	if err := binary.Write(cw, binary.LittleEndian, exportMagic); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(len(entries))); err != nil {
		return err
	}

	for _, e := range entries {
		ino, err := fs.readInodeRecordFrom(&jnode, e.inodeID)
		if err != nil {
			return err
		}
		content, err := fs.readFull(&ino, int(ino.Size))
		if err != nil {
			return err
		}
		if err := writeExportRecord(cw, e.filename(), content); err != nil {
			return err
		}
	}
	return nil
}

func writeExportRecord(w io.Writer, name string, content []byte) error {
	nameBytes := []byte(name)
	if err := binary.Write(w, binary.LittleEndian, uint8(len(nameBytes))); err != nil {
		return err
	}
	if _, err := w.Write(nameBytes); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(content))); err != nil {
		return err
	}
	_, err := w.Write(content)
	return err
}

// Import reads an Export archive and recreates each file it contains
// as an ordinary file in the currently mounted shadow, via Remove/Open/
// Write, so existing files of the same name are replaced rather than
// merged at the block level. It returns the number of files imported.
// Callers that want the pre-import state to remain reachable should
// Commit() first.
func (fs *Filesystem) Import(r io.Reader, comp Compression) (int, error) {
	h, ok := compHandlers[comp]
	if !ok {
		return 0, fmt.Errorf("shadowfs: unsupported import compression %s: %w", comp, ErrInvalidArgument)
	}
	dr, err := h.decompress(r)
	if err != nil {
		return 0, err
	}
	defer dr.Close()

	var magic, count uint32
	if err := binary.Read(dr, binary.LittleEndian, &magic); err != nil {
		return 0, fmt.Errorf("shadowfs: read archive header: %w", ErrCorrupt)
	}
	if magic != exportMagic {
		return 0, fmt.Errorf("shadowfs: not a shadowfs export archive: %w", ErrCorrupt)
	}
	if err := binary.Read(dr, binary.LittleEndian, &count); err != nil {
		return 0, fmt.Errorf("shadowfs: read archive entry count: %w", ErrCorrupt)
	}

	imported := 0
	for i := uint32(0); i < count; i++ {
		name, content, err := readExportRecord(dr)
		if err != nil {
			return imported, err
		}
		if err := fs.Remove(name); err != nil && err != ErrNotFound {
			return imported, err
		}
		fd, err := fs.Open(name)
		if err != nil {
			return imported, err
		}
		if len(content) > 0 {
			if _, err := fs.Write(fd, content); err != nil {
				fs.Close(fd)
				return imported, err
			}
		}
		if err := fs.Close(fd); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func readExportRecord(r io.Reader) (string, []byte, error) {
	var nameLen uint8
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", nil, fmt.Errorf("shadowfs: read archive record name length: %w", ErrCorrupt)
	}
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return "", nil, fmt.Errorf("shadowfs: read archive record name: %w", ErrCorrupt)
	}
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return "", nil, fmt.Errorf("shadowfs: read archive record size: %w", ErrCorrupt)
	}
	content := make([]byte, size)
	if _, err := io.ReadFull(r, content); err != nil {
		return "", nil, fmt.Errorf("shadowfs: read archive record content: %w", ErrCorrupt)
	}
	return string(nameBytes), content, nil
}

// readFull reads exactly n bytes from the start of ino, following its
// direct and indirect pointers via the engine's read-only resolve.
// Unlike readInternal, it needs no file descriptor or cursor: Export
// walks shadows that are not necessarily the one currently mounted.
func (fs *Filesystem) readFull(ino *Inode, n int) ([]byte, error) {
	out := make([]byte, n)
	pos := 0
	for pos < n {
		k := pos / int(fs.blockSize)
		offt := pos % int(fs.blockSize)
		blockID, err := fs.eng.resolve(ino, k)
		if err != nil {
			return nil, err
		}
		m := int(fs.blockSize) - offt
		if m > n-pos {
			m = n - pos
		}
		if blockID != 0 {
			blk := make([]byte, fs.blockSize)
			if err := fs.dev.ReadBlocks(blockID, 1, blk); err != nil {
				return nil, err
			}
			copy(out[pos:pos+m], blk[offt:offt+m])
		}
		pos += m
	}
	return out, nil
}

// readInodeRecordFrom loads inode id's record out of an arbitrary
// inode table (jnode), not necessarily the currently mounted shadow's.
func (fs *Filesystem) readInodeRecordFrom(jnode *Inode, id uint32) (Inode, error) {
	data, err := fs.readFull(jnode, int(id+1)*inodeRecordSize)
	if err != nil {
		return Inode{}, err
	}
	raw := unmarshalRawInode(data[int(id)*inodeRecordSize:])
	return inodeFromRaw(raw), nil
}

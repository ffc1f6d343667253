package shadowfs

import "encoding/binary"

// dirEntry is one fixed-size record in the root directory file: a
// NUL-padded filename and the inode id it names. An all-zero filename
// marks an empty slot.
type dirEntry struct {
	name    [FilenameSize + 1]byte
	inodeID uint32
}

// makeDirEntry packs name and inodeID into a directory record. name
// must already be at most FilenameSize bytes; Open truncates before a
// name ever reaches a lookup or a write, so the same bound applies
// consistently to both.
func makeDirEntry(name string, inodeID uint32) dirEntry {
	var e dirEntry
	copy(e.name[:], name)
	e.inodeID = inodeID
	return e
}

func (e dirEntry) filename() string {
	n := 0
	for n < len(e.name) && e.name[n] != 0 {
		n++
	}
	return string(e.name[:n])
}

func (e dirEntry) empty() bool {
	for _, b := range e.name {
		if b != 0 {
			return false
		}
	}
	return true
}

func (e dirEntry) marshal() []byte {
	buf := make([]byte, DirEntrySize)
	copy(buf, e.name[:])
	binary.LittleEndian.PutUint32(buf[FilenameSize+1:FilenameSize+1+4], e.inodeID)
	return buf
}

func unmarshalDirEntry(buf []byte) dirEntry {
	var e dirEntry
	copy(e.name[:], buf[:FilenameSize+1])
	e.inodeID = binary.LittleEndian.Uint32(buf[FilenameSize+1 : FilenameSize+1+4])
	return e
}

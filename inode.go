package shadowfs

import "encoding/binary"

// inodeRecordSize is the on-disk width of one rawInode record: the
// size field, the direct pointer array, and the indirect pointer.
const inodeRecordSize = 4 + 4*MaxDirectPtr + 4

func marshalRawInode(r rawInode) []byte {
	buf := make([]byte, inodeRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.Size)
	for i, p := range r.DPtrs {
		off := 4 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], p)
	}
	binary.LittleEndian.PutUint32(buf[4+4*MaxDirectPtr:], r.IPtr)
	return buf
}

func unmarshalRawInode(buf []byte) rawInode {
	var r rawInode
	r.Size = binary.LittleEndian.Uint32(buf[0:4])
	for i := range r.DPtrs {
		off := 4 + i*4
		r.DPtrs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
	}
	r.IPtr = binary.LittleEndian.Uint32(buf[4+4*MaxDirectPtr:])
	return r
}

// Inode is the in-memory, tagged representation of an inode record.
// spec.md §9 flags the wire format's use of a -1 size sentinel to mean
// "free slot" as a signed/unsigned conflation; this type keeps that
// conflation confined to the marshal boundary (inodeFromRaw/toRaw)
// instead of letting -1-as-uint32 leak into application logic.
type Inode struct {
	Free  bool
	Size  uint32
	DPtrs [MaxDirectPtr]uint32
	IPtr  uint32
}

// freeInode returns a zero-value, unused inode.
func freeInode() Inode {
	return Inode{Free: true}
}

func inodeFromRaw(r rawInode) Inode {
	if r.Size == freeSize {
		return freeInode()
	}
	return Inode{Size: r.Size, DPtrs: r.DPtrs, IPtr: r.IPtr}
}

func (i Inode) toRaw() rawInode {
	if i.Free {
		return rawInode{Size: freeSize}
	}
	return rawInode{Size: i.Size, DPtrs: i.DPtrs, IPtr: i.IPtr}
}

// directPtr returns the block id stored at direct index k. 0 is
// reserved (the superblock) and can never be a legitimate data
// pointer, so it doubles as "unallocated".
func (i *Inode) directPtr(k int) uint32 {
	return i.DPtrs[k]
}

func (i *Inode) setDirectPtr(k int, block uint32) {
	i.DPtrs[k] = block
}

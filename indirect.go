package shadowfs

import "encoding/binary"

// indirectBlock is the packed array of block pointers an inode's i_ptr
// field addresses: BLOCK_SIZE/sizeof(ptr) entries, little-endian,
// zero-padded.
type indirectBlock struct {
	ptrs []uint32
}

func newIndirectBlock(blockSize uint32) *indirectBlock {
	return &indirectBlock{ptrs: make([]uint32, ptrsPerIndirectBlock(blockSize))}
}

func (ib *indirectBlock) unmarshal(data []byte) {
	for i := range ib.ptrs {
		off := i * ptrSize
		if off+ptrSize > len(data) {
			break
		}
		ib.ptrs[i] = binary.LittleEndian.Uint32(data[off : off+ptrSize])
	}
}

func (ib *indirectBlock) marshal(blockSize uint32) []byte {
	buf := make([]byte, blockSize)
	for i, p := range ib.ptrs {
		off := i * ptrSize
		if off+ptrSize > len(buf) {
			break
		}
		binary.LittleEndian.PutUint32(buf[off:off+ptrSize], p)
	}
	return buf
}

func (ib *indirectBlock) get(idx int) uint32 {
	if idx < 0 || idx >= len(ib.ptrs) {
		return 0
	}
	return ib.ptrs[idx]
}

func (ib *indirectBlock) set(idx int, block uint32) {
	if idx < 0 || idx >= len(ib.ptrs) {
		return
	}
	ib.ptrs[idx] = block
}

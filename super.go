package shadowfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// rawInode is the fixed-size on-disk shape of a j-node: the superblock
// keeps one per shadow, describing that shadow's inode table as if it
// were itself a regular file.
type rawInode struct {
	Size  uint32
	DPtrs [MaxDirectPtr]uint32
	IPtr  uint32
}

// Superblock is the parsed contents of block 0. Its field order defines
// the on-disk layout: every exported field is read and written, in
// declaration order, by a reflect-driven walk mirroring the teacher's
// own Superblock.UnmarshalBinary. Field widths are chosen, the same way
// the teacher mixes uint16/uint32/uint64 in its own Superblock, to keep
// the reference configuration (14 shadow roots of 14 direct pointers
// each, the bulk of this struct) inside one 1024-byte block: BlockSize,
// NumBlocks and NumInodes top out at 65535, CurrentRoot at 255 (both
// comfortably above NumShadowRoots), and VolumeID keeps only the first
// four bytes of the generated UUID.
type Superblock struct {
	Magic       uint32
	VolumeID    [4]byte
	BlockSize   uint16
	NumBlocks   uint16
	NumInodes   uint16
	CurrentRoot uint8
	Roots       [NumShadowRoots]rawInode
	FBMPtrs     [NumShadowRoots]uint32
	WMPtrs      [NumShadowRoots]uint32
}

func newSuperblock(blockSize, numBlocks uint32) *Superblock {
	id, err := uuid.NewRandom()
	sb := &Superblock{
		Magic:     Magic,
		BlockSize: uint16(blockSize),
		NumBlocks: uint16(numBlocks),
	}
	if err == nil {
		copy(sb.VolumeID[:], id[:])
	}
	return sb
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	sz := 0
	for i := 0; i < v.NumField(); i++ {
		sz += int(v.Type().Field(i).Type.Size())
	}
	return sz
}

// MarshalBinary serializes the superblock's fields, little-endian, in
// declaration order. The result is only as long as the packed fields;
// writeSuperblock zero-pads it to a full block.
func (s *Superblock) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Write(buf, binary.LittleEndian, v.Field(i).Interface()); err != nil {
			return nil, fmt.Errorf("shadowfs: marshal superblock: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary parses a superblock from data and validates the magic.
func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < 4 || binary.LittleEndian.Uint32(data[:4]) != Magic {
		return ErrInvalidSuper
	}

	r := bytes.NewReader(data)
	v := reflect.ValueOf(s).Elem()
	for i := 0; i < v.NumField(); i++ {
		if err := binary.Read(r, binary.LittleEndian, v.Field(i).Addr().Interface()); err != nil {
			return fmt.Errorf("shadowfs: unmarshal superblock: %w", ErrInvalidSuper)
		}
	}
	return nil
}

// readSuperblock loads and validates the superblock from block 0.
func readSuperblock(dev BlockDevice, blockSize uint32) (*Superblock, error) {
	buf := make([]byte, blockSize)
	if err := dev.ReadBlocks(blockSuperblock, 1, buf); err != nil {
		return nil, err
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return sb, nil
}

// writeSuperblock persists the superblock to block 0, zero-padded to a
// full block.
func writeSuperblock(dev BlockDevice, sb *Superblock) error {
	data, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	if uint32(len(data)) > dev.BlockSize() {
		return fmt.Errorf("shadowfs: superblock larger than one block: %w", ErrCorrupt)
	}
	buf := make([]byte, dev.BlockSize())
	copy(buf, data)
	return dev.WriteBlocks(blockSuperblock, buf)
}

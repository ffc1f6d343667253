package shadowfs

// On-disk geometry constants. BlockSize and NumBlocks are configurable
// at Format time via Option; the rest are structural constants of the
// record layouts and match the reference configuration from the
// original assignment this format is modeled on.
const (
	// DefaultBlockSize is used by Format when WithBlockSize is not given.
	DefaultBlockSize = 1024
	// DefaultNumBlocks is used by Format when WithNumBlocks is not given.
	DefaultNumBlocks = 1024

	// Magic identifies a shadowfs superblock.
	Magic uint32 = 0xACBD0005

	// MaxDirectPtr is the number of direct block pointers in an inode.
	MaxDirectPtr = 14
	// NumShadowRoots is the size of the shadow-roots array in the superblock.
	NumShadowRoots = 14

	// FilenameSize is the maximum length of a filename, not counting the
	// trailing NUL the directory entry format reserves.
	FilenameSize = 10
	// DirEntrySize is the on-disk size of one directory entry.
	DirEntrySize = 16

	// ptrSize is the on-disk size of a single block pointer.
	ptrSize = 4

	// Reserved descriptor slots.
	slotJNode   = 0
	slotRootDir = 1
	firstUserFD = 2

	// Reserved inode id for the root directory.
	rootDirInode = 0

	// freeSize is the on-disk sentinel marking an inode slot as unused.
	freeSize uint32 = 0xFFFFFFFF

	// Reserved blocks at format time.
	blockSuperblock = 0
)

// ptrsPerIndirectBlock returns how many block pointers fit in one
// indirect-pointer block for the given block size.
func ptrsPerIndirectBlock(blockSize uint32) int {
	return int(blockSize / ptrSize)
}

// maxAddressableDirectPtr returns the exclusive upper bound of the
// logical direct-pointer index space (direct region plus indirect
// region) for the given block size.
func maxAddressableDirectPtr(blockSize uint32) int {
	return MaxDirectPtr + ptrsPerIndirectBlock(blockSize)
}

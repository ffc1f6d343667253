package shadowfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidSuper is returned when the superblock magic doesn't match or its fields can't be decoded.
	ErrInvalidSuper = errors.New("shadowfs: invalid or unrecognized superblock")

	// ErrInvalidArgument covers bad names, out-of-range descriptors, and
	// seeks outside [0, size].
	ErrInvalidArgument = errors.New("shadowfs: invalid argument")

	// ErrNotFound is returned by remove() when no file has the given name;
	// open() creates a missing file instead.
	ErrNotFound = errors.New("shadowfs: no such file")

	// ErrNoSpace is returned when the allocator or the shadow-root array is exhausted.
	ErrNoSpace = errors.New("shadowfs: volume full")

	// ErrCorrupt is returned when an inode pointer or a block id can't be trusted.
	ErrCorrupt = errors.New("shadowfs: corrupt filesystem structure")

	// ErrDeviceFailure wraps an I/O error from the underlying block device.
	ErrDeviceFailure = errors.New("shadowfs: block device failure")

	// ErrVolumeLocked is returned when a volume is already locked by another process.
	ErrVolumeLocked = errors.New("shadowfs: volume is locked by another process")

	// ErrReservedDescriptor is returned when user code tries to close or
	// otherwise manipulate the j-node or root directory slots directly.
	ErrReservedDescriptor = errors.New("shadowfs: descriptor is reserved")
)

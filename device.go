package shadowfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BlockDevice is the fixed-size, block-addressable storage abstraction
// the rest of the package is built on. It exposes only "read N blocks
// at offset" and "write N blocks at offset", plus the create/open/close
// lifecycle spec.md §4.1 asks for.
type BlockDevice interface {
	ReadBlocks(start, count uint32, buf []byte) error
	WriteBlocks(start uint32, buf []byte) error
	NumBlocks() uint32
	BlockSize() uint32
	Sync() error
	Close() error
}

// FileDevice is a BlockDevice backed by a regular OS file.
type FileDevice struct {
	f         *os.File
	blockSize uint32
	numBlocks uint32
	locked    bool
}

// InitFresh creates (or truncates) path to hold a volume of the given
// geometry and returns a BlockDevice over it.
func InitFresh(path string, blockSize, numBlocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("shadowfs: init fresh disk: %w", ErrDeviceFailure)
	}

	dev := &FileDevice{f: f, blockSize: blockSize, numBlocks: numBlocks}
	if err := dev.lock(); err != nil {
		f.Close()
		return nil, err
	}

	// Truncate only once the lock is held, so a volume locked by another
	// opener is left intact.
	if err := f.Truncate(0); err != nil {
		dev.Close()
		return nil, fmt.Errorf("shadowfs: truncate volume: %w", ErrDeviceFailure)
	}
	if err := f.Truncate(int64(blockSize) * int64(numBlocks)); err != nil {
		dev.Close()
		return nil, fmt.Errorf("shadowfs: truncate volume: %w", ErrDeviceFailure)
	}

	return dev, nil
}

// InitExisting opens an already-formatted volume file. Geometry is
// unknown until the superblock is read, so the caller fills it in with
// SetGeometry after validating the superblock.
func InitExisting(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("shadowfs: open existing disk: %w", ErrDeviceFailure)
	}

	dev := &FileDevice{f: f}
	if err := dev.lock(); err != nil {
		f.Close()
		return nil, err
	}

	return dev, nil
}

// lock takes a non-blocking advisory exclusive lock on the backing
// file. Two processes opening the same volume is a violation of
// spec.md §5's single-process assumption; this turns that violation
// into an immediate, loud failure instead of interleaved writes.
func (d *FileDevice) lock() error {
	err := unix.Flock(int(d.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrVolumeLocked
		}
		return fmt.Errorf("shadowfs: lock volume: %w", ErrDeviceFailure)
	}
	d.locked = true
	return nil
}

// SetGeometry records the block size and block count read back from an
// existing volume's superblock.
func (d *FileDevice) SetGeometry(blockSize, numBlocks uint32) {
	d.blockSize = blockSize
	d.numBlocks = numBlocks
}

func (d *FileDevice) NumBlocks() uint32 { return d.numBlocks }
func (d *FileDevice) BlockSize() uint32 { return d.blockSize }

func (d *FileDevice) ReadBlocks(start, count uint32, buf []byte) error {
	if start+count > d.numBlocks {
		return fmt.Errorf("shadowfs: read out of range: %w", ErrInvalidArgument)
	}
	if uint32(len(buf)) < count*d.blockSize {
		return fmt.Errorf("shadowfs: read buffer too small: %w", ErrInvalidArgument)
	}
	n, err := d.f.ReadAt(buf[:count*d.blockSize], int64(start)*int64(d.blockSize))
	if err != nil || uint32(n) != count*d.blockSize {
		return fmt.Errorf("shadowfs: read blocks: %w", ErrDeviceFailure)
	}
	return nil
}

func (d *FileDevice) WriteBlocks(start uint32, buf []byte) error {
	count := uint32(len(buf)) / d.blockSize
	if uint32(len(buf))%d.blockSize != 0 {
		return fmt.Errorf("shadowfs: write buffer not block-aligned: %w", ErrInvalidArgument)
	}
	if start+count > d.numBlocks {
		return fmt.Errorf("shadowfs: write out of range: %w", ErrInvalidArgument)
	}
	n, err := d.f.WriteAt(buf, int64(start)*int64(d.blockSize))
	if err != nil || n != len(buf) {
		return fmt.Errorf("shadowfs: write blocks: %w", ErrDeviceFailure)
	}
	return nil
}

func (d *FileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("shadowfs: sync: %w", ErrDeviceFailure)
	}
	return nil
}

func (d *FileDevice) Close() error {
	if d.locked {
		unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
		d.locked = false
	}
	return d.f.Close()
}

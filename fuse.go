//go:build fuse

package shadowfs

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FuseRoot exposes a mounted Filesystem's flat namespace as a FUSE
// mountpoint: a single directory of files, no subdirectories, no
// permissions, matching spec.md's own non-goals. No mount command
// ships with this package; embedding FuseRoot in a go-fuse server is
// left to the caller.
type FuseRoot struct {
	fs.Inode
	vol *Filesystem
}

func NewFuseRoot(vol *Filesystem) *FuseRoot {
	return &FuseRoot{vol: vol}
}

var _ fs.NodeLookuper = (*FuseRoot)(nil)
var _ fs.NodeReaddirer = (*FuseRoot)(nil)

func (r *FuseRoot) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	id, found, err := r.vol.dirLookup(name)
	if err != nil {
		return nil, syscallErrno(err)
	}
	if !found {
		return nil, syscall.ENOENT
	}
	ino, err := r.vol.readInodeRecord(id)
	if err != nil {
		return nil, syscallErrno(err)
	}
	out.Size = uint64(ino.Size)
	out.SetEntryTimeout(0)
	child := r.NewInode(ctx, &fuseFile{vol: r.vol, name: name}, fs.StableAttr{Mode: fuse.S_IFREG, Ino: uint64(id) + 1})
	return child, 0
}

func (r *FuseRoot) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := r.vol.listNames()
	if err != nil {
		return nil, syscallErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, fuse.DirEntry{Name: n, Mode: fuse.S_IFREG})
	}
	return fs.NewListDirStream(entries), 0
}

// fuseFile is the FUSE node for a single shadowfs file. spec.md carries
// no permission bits or mtimes, so Getattr reports size only.
type fuseFile struct {
	fs.Inode
	vol  *Filesystem
	name string
}

var _ fs.NodeOpener = (*fuseFile)(nil)
var _ fs.NodeGetattrer = (*fuseFile)(nil)

func (f *fuseFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fd, err := f.vol.Open(f.name)
	if err != nil {
		return nil, 0, syscallErrno(err)
	}
	return &fuseHandle{vol: f.vol, fd: fd}, fuse.FOPEN_DIRECT_IO, 0
}

func (f *fuseFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	id, found, err := f.vol.dirLookup(f.name)
	if err != nil {
		return syscallErrno(err)
	}
	if !found {
		return syscall.ENOENT
	}
	ino, err := f.vol.readInodeRecord(id)
	if err != nil {
		return syscallErrno(err)
	}
	out.Size = uint64(ino.Size)
	return 0
}

// fuseHandle adapts one open FUSE file handle to a shadowfs descriptor.
// Every Read/Write explicitly seeks first since FUSE hands out absolute
// offsets per call rather than relying on a shared cursor.
type fuseHandle struct {
	vol *Filesystem
	fd  int
}

var _ fs.FileReader = (*fuseHandle)(nil)
var _ fs.FileWriter = (*fuseHandle)(nil)
var _ fs.FileReleaser = (*fuseHandle)(nil)

func (h *fuseHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if err := h.vol.Rseek(h.fd, int(off)); err != nil {
		return fuse.ReadResultData(nil), 0
	}
	n, err := h.vol.Read(h.fd, dest)
	if err != nil {
		return nil, syscallErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fuseHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if err := h.vol.Wseek(h.fd, int(off)); err != nil {
		return 0, syscallErrno(err)
	}
	n, err := h.vol.Write(h.fd, data)
	if err != nil {
		return uint32(n), syscallErrno(err)
	}
	return uint32(n), 0
}

func (h *fuseHandle) Release(ctx context.Context) syscall.Errno {
	h.vol.Close(h.fd)
	return 0
}

func syscallErrno(err error) syscall.Errno {
	switch {
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNoSpace):
		return syscall.ENOSPC
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, ErrReservedDescriptor):
		return syscall.EPERM
	default:
		return syscall.EIO
	}
}

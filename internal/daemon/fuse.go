//go:build fuse

package daemon

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"memfs/internal/engine"
)

// FUSEMountSupported reports whether this build carries the FUSE
// transport.
const FUSEMountSupported = true

// FUSEServer owns a kernel FUSE mount backed by the engine.
type FUSEServer struct {
	server     *fuse.Server
	mountPoint string
}

// MountFUSE mounts the engine at mountPoint through the kernel FUSE
// driver. The caller unmounts via Close.
func MountFUSE(e *engine.Engine, mountPoint string) (*FUSEServer, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", mountPoint, err)
	}

	root := &fuseNode{engine: e, ino: engine.RootIno}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(mountPoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName: "memfs",
			Name:   "memfs",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", mountPoint, err)
	}

	log.Infof("[FUSE] mounted at %s", mountPoint)
	return &FUSEServer{server: server, mountPoint: mountPoint}, nil
}

// Wait blocks until the mount is unmounted.
func (s *FUSEServer) Wait() {
	s.server.Wait()
}

// Close unmounts and waits for the serve loop to drain.
func (s *FUSEServer) Close() error {
	if err := s.server.Unmount(); err != nil {
		return err
	}
	s.server.Wait()
	log.Infof("[FUSE] unmounted %s", s.mountPoint)
	return nil
}

// fuseNode is one engine inode exposed through go-fuse.
type fuseNode struct {
	gofuse.Inode
	engine *engine.Engine
	ino    uint64
}

var (
	_ gofuse.InodeEmbedder  = (*fuseNode)(nil)
	_ gofuse.NodeLookuper   = (*fuseNode)(nil)
	_ gofuse.NodeGetattrer  = (*fuseNode)(nil)
	_ gofuse.NodeSetattrer  = (*fuseNode)(nil)
	_ gofuse.NodeCreater    = (*fuseNode)(nil)
	_ gofuse.NodeMkdirer    = (*fuseNode)(nil)
	_ gofuse.NodeUnlinker   = (*fuseNode)(nil)
	_ gofuse.NodeRmdirer    = (*fuseNode)(nil)
	_ gofuse.NodeRenamer    = (*fuseNode)(nil)
	_ gofuse.NodeOpener     = (*fuseNode)(nil)
	_ gofuse.NodeReaddirer  = (*fuseNode)(nil)
	_ gofuse.NodeSymlinker  = (*fuseNode)(nil)
	_ gofuse.NodeReadlinker = (*fuseNode)(nil)
	_ gofuse.NodeStatfser   = (*fuseNode)(nil)
)

// errno maps an engine error onto the wire errno.
func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if no, ok := err.(syscall.Errno); ok {
		return no
	}
	return syscall.EIO
}

// fillAttr copies engine attributes into the FUSE attr payload.
func fillAttr(a *engine.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Size = uint64(a.Size)
	out.Blocks = uint64(a.Blocks)
	out.Blksize = engine.BlockSize
	out.Nlink = a.Nlink
	out.Owner = fuse.Owner{Uid: a.UID, Gid: a.GID}
	atime, mtime, ctime := a.Atime, a.Mtime, a.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
}

// child wraps an engine inode in a go-fuse inode.
func (n *fuseNode) child(ctx context.Context, a *engine.Attr) *gofuse.Inode {
	return n.NewInode(ctx, &fuseNode{engine: n.engine, ino: a.Ino}, gofuse.StableAttr{
		Mode: a.Mode & engine.ModeMask,
		Ino:  a.Ino,
	})
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.engine.Lookup(n.ino, name)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(attr, &out.Attr)
	return n.child(ctx, attr), 0
}

func (n *fuseNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.engine.GetAttr(n.ino)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (n *fuseNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var req engine.SetAttrRequest
	if mode, ok := in.GetMode(); ok {
		req.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		req.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		req.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		s := int64(size)
		req.Size = &s
	}
	if atime, ok := in.GetATime(); ok {
		req.Atime = &atime
	}
	if mtime, ok := in.GetMTime(); ok {
		req.Mtime = &mtime
	}

	attr, err := n.engine.SetAttr(n.ino, req)
	if err != nil {
		return errno(err)
	}
	fillAttr(attr, &out.Attr)
	return 0
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	h, attr, err := n.engine.Create(n.ino, name, mode, int(flags))
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(attr, &out.Attr)
	return n.child(ctx, attr), &fuseHandle{engine: n.engine, id: h}, 0, 0
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.engine.Mkdir(n.ino, name, mode)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(attr, &out.Attr)
	return n.child(ctx, attr), 0
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.engine.Unlink(n.ino, name))
}

func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.engine.Rmdir(n.ino, name))
}

func (n *fuseNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*fuseNode)
	if !ok {
		return syscall.EXDEV
	}
	return errno(n.engine.Rename(n.ino, name, dst.ino, newName))
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	h, err := n.engine.Open(n.ino, int(flags))
	if err != nil {
		return nil, 0, errno(err)
	}
	// Content lives in memory only; the kernel page cache would just
	// duplicate it.
	return &fuseHandle{engine: n.engine, id: h}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *fuseNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	h, err := n.engine.OpenDir(n.ino)
	if err != nil {
		return nil, errno(err)
	}
	defer n.engine.Release(h)

	entries, err := n.engine.ReadDir(h, 0, 0)
	if err != nil {
		return nil, errno(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, de := range entries {
		out = append(out, fuse.DirEntry{
			Name: de.Name,
			Ino:  de.Ino,
			Mode: de.Mode & engine.ModeMask,
		})
	}
	return &sliceDirStream{entries: out}, 0
}

func (n *fuseNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.engine.Symlink(n.ino, name, target)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(attr, &out.Attr)
	return n.child(ctx, attr), 0
}

func (n *fuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.engine.Readlink(n.ino)
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), 0
}

func (n *fuseNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := n.engine.StatFS()
	out.Bsize = uint32(st.BlockSize)
	out.Frsize = uint32(st.BlockSize)
	out.Blocks = uint64(st.TotalBytes / st.BlockSize)
	out.Bfree = uint64(st.FreeBytes / st.BlockSize)
	out.Bavail = out.Bfree
	out.Files = st.Inodes
	out.NameLen = engine.NameMax
	return 0
}

// fuseHandle bridges a kernel file handle to an engine handle.
type fuseHandle struct {
	engine *engine.Engine
	id     engine.HandleID
}

var (
	_ gofuse.FileReader   = (*fuseHandle)(nil)
	_ gofuse.FileWriter   = (*fuseHandle)(nil)
	_ gofuse.FileReleaser = (*fuseHandle)(nil)
	_ gofuse.FileFlusher  = (*fuseHandle)(nil)
	_ gofuse.FileFsyncer  = (*fuseHandle)(nil)
)

func (h *fuseHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.engine.Read(h.id, dest, off)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fuseHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.engine.Write(h.id, data, off)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(n), 0
}

func (h *fuseHandle) Release(ctx context.Context) syscall.Errno {
	return errno(h.engine.Release(h.id))
}

// Flush is called on close(2) of each descriptor. The engine has no
// dirty state to push, so only the final Release matters.
func (h *fuseHandle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

func (h *fuseHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return 0
}

// sliceDirStream implements fs.DirStream from a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}

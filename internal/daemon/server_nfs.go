package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"memfs/internal/common"
	"memfs/internal/engine"
)

// handleCacheSize bounds the go-nfs file-handle cache. Handles past the
// bound are forgotten and clients holding them get NFS3ERR_STALE.
const handleCacheSize = 65536

// NFSServer wraps the go-nfs server around one engine instance.
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	handler  nfs.Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNFSServer creates an NFS server exporting the given engine.
func NewNFSServer(e *engine.Engine) *NFSServer {
	// Pass the daemon's log level down to go-nfs.
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	billyFS := NewBillyAdapter(e)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, handleCacheSize)

	ctx, cancel := context.WithCancel(context.Background())
	server := &nfs.Server{
		Handler: cacheHelper,
		Context: ctx,
	}

	return &NFSServer{
		server:  server,
		handler: cacheHelper,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Listen binds the listener without serving yet, so the bound port is
// known before the kernel mount points at it.
func (s *NFSServer) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve starts serving and blocks until the listener closes. It binds
// first if Listen was not called.
func (s *NFSServer) Serve(addr string) error {
	if s.listener == nil {
		if err := s.Listen(addr); err != nil {
			return err
		}
	}
	return s.server.Serve(s.listener)
}

// Addr returns the bound listen address, or "" before Serve.
func (s *NFSServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully. The kernel mount is removed
// before this is called, so only residual in-flight requests remain.
func (s *NFSServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}

	// Settle time for in-flight requests after the listener closes.
	time.Sleep(100 * time.Millisecond)

	if s.cancel != nil {
		s.cancel()
	}

	close(s.done)
}

// BillyAdapter exposes the engine through the Billy filesystem
// interface that go-nfs consumes. Paths arriving from go-nfs are
// resolved to inode numbers on every call; the engine's handles do the
// rest.
type BillyAdapter struct {
	engine *engine.Engine
	uid    uint32 // cached os.Getuid(), one syscall instead of one per Sys()
	gid    uint32 // cached os.Getgid()
}

// NewBillyAdapter creates a Billy adapter for the engine.
func NewBillyAdapter(e *engine.Engine) *BillyAdapter {
	return &BillyAdapter{
		engine: e,
		uid:    uint32(os.Getuid()),
		gid:    uint32(os.Getgid()),
	}
}

// resolveParent splits filename and resolves the containing directory.
func (b *BillyAdapter) resolveParent(filename string) (uint64, string, error) {
	norm := common.NormalizePath(filename)
	parent, err := b.engine.Resolve(common.ParentPath(norm))
	if err != nil {
		return 0, "", err
	}
	return parent, common.BaseName(norm), nil
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	var h engine.HandleID
	if flag&os.O_CREATE != 0 {
		parent, name, err := b.resolveParent(filename)
		if err != nil {
			return nil, err
		}
		h, _, err = b.engine.Create(parent, name, uint32(perm.Perm()), flag)
		if err == engine.EEXIST && flag&os.O_EXCL == 0 {
			ino, rerr := b.engine.Resolve(filename)
			if rerr != nil {
				return nil, rerr
			}
			h, err = b.engine.Open(ino, flag)
		}
		if err != nil {
			return nil, err
		}
	} else {
		ino, err := b.engine.Resolve(filename)
		if err != nil {
			return nil, err
		}
		h, err = b.engine.Open(ino, flag)
		if err != nil {
			return nil, err
		}
	}
	return &BillyFile{
		adapter: b,
		handle:  h,
		name:    filename,
		flags:   flag,
	}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	ino, err := b.engine.Resolve(filename)
	if err != nil {
		return nil, err
	}
	attr, err := b.engine.GetAttr(ino)
	if err != nil {
		return nil, err
	}
	return &BillyFileInfo{
		name:    path.Base("/" + common.NormalizePath(filename)),
		attr:    attr,
		adapter: b,
	}, nil
}

// Lstat matches Stat: the engine never follows symlinks itself, the
// NFS client does.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	srcParent, srcName, err := b.resolveParent(oldpath)
	if err != nil {
		return err
	}
	dstParent, dstName, err := b.resolveParent(newpath)
	if err != nil {
		return err
	}
	return b.engine.Rename(srcParent, srcName, dstParent, dstName)
}

// Remove handles both files and directories; go-nfs routes REMOVE and
// RMDIR here.
func (b *BillyAdapter) Remove(filename string) error {
	parent, name, err := b.resolveParent(filename)
	if err != nil {
		return err
	}
	err = b.engine.Unlink(parent, name)
	if err == engine.EISDIR {
		return b.engine.Rmdir(parent, name)
	}
	return err
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	ino, err := b.engine.Resolve(dirname)
	if err != nil {
		return nil, err
	}
	h, err := b.engine.OpenDir(ino)
	if err != nil {
		return nil, err
	}
	defer b.engine.Release(h)

	entries, err := b.engine.ReadDir(h, 0, 0)
	if err != nil {
		return nil, err
	}

	var result []os.FileInfo
	for i := range entries {
		e := &entries[i]
		if e.Name == "." || e.Name == ".." {
			continue
		}
		result = append(result, &BillyFileInfo{
			name:    e.Name,
			entry:   e,
			adapter: b,
		})
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	parent := engine.RootIno
	for _, name := range common.SplitPath(common.NormalizePath(filename)) {
		attr, err := b.engine.Mkdir(parent, name, uint32(perm.Perm()))
		if err == engine.EEXIST {
			attr, err = b.engine.Lookup(parent, name)
			if err == nil && !attr.IsDir() {
				return engine.ENOTDIR
			}
		}
		if err != nil {
			return err
		}
		parent = attr.Ino
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	parent, name, err := b.resolveParent(link)
	if err != nil {
		return err
	}
	_, err = b.engine.Symlink(parent, name, target)
	return err
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	ino, err := b.engine.Resolve(link)
	if err != nil {
		return "", err
	}
	return b.engine.Readlink(ino)
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	ino, err := b.engine.Resolve(name)
	if err != nil {
		return err
	}
	m := uint32(mode.Perm())
	_, err = b.engine.SetAttr(ino, engine.SetAttrRequest{Mode: &m})
	return err
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	ino, err := b.engine.Resolve(name)
	if err != nil {
		return err
	}
	u, g := uint32(uid), uint32(gid)
	_, err = b.engine.SetAttr(ino, engine.SetAttrRequest{UID: &u, GID: &g})
	return err
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	return b.Chown(name, uid, gid)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	ino, err := b.engine.Resolve(name)
	if err != nil {
		return err
	}
	_, err = b.engine.SetAttr(ino, engine.SetAttrRequest{Atime: &atime, Mtime: &mtime})
	return err
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

// BillyFile is one open file as go-nfs sees it, carrying the stream
// position go-nfs expects on top of the engine's stateless
// offset-based reads and writes.
type BillyFile struct {
	adapter *BillyAdapter
	handle  engine.HandleID
	name    string
	flags   int
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

// Write keeps submitting until the payload lands or the engine rejects
// the remainder. The engine reports a quota-truncated write as a short
// success, so the bounding error surfaces on the follow-up call.
func (f *BillyFile) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := f.adapter.engine.Write(f.handle, p[total:], f.offset)
		f.offset += int64(n)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.adapter.engine.Read(f.handle, p, f.offset)
	if err == nil {
		f.offset += int64(n)
	}
	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}
	return
}

func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = f.adapter.engine.Read(f.handle, p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attr, err := f.adapter.engine.HandleAttr(f.handle)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size + offset
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return f.adapter.engine.Release(f.handle)
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return f.adapter.engine.Truncate(f.handle, size)
}

// BillyFileInfo carries either a full attribute snapshot (stat) or a
// readdir row.
type BillyFileInfo struct {
	name    string
	attr    *engine.Attr
	entry   *engine.DirEntry
	adapter *BillyAdapter
}

func (fi *BillyFileInfo) Name() string {
	return fi.name
}

func (fi *BillyFileInfo) Size() int64 {
	if fi.attr != nil {
		return fi.attr.Size
	}
	if fi.entry != nil {
		return fi.entry.Size
	}
	return 0
}

func (fi *BillyFileInfo) mode() uint32 {
	if fi.attr != nil {
		return fi.attr.Mode
	}
	if fi.entry != nil {
		return fi.entry.Mode
	}
	return 0
}

func (fi *BillyFileInfo) Mode() os.FileMode {
	m := fi.mode()
	perm := os.FileMode(m & 0777)
	switch m & engine.ModeMask {
	case engine.ModeDir:
		return os.ModeDir | perm
	case engine.ModeSymlink:
		return os.ModeSymlink | perm
	default:
		return perm
	}
}

func (fi *BillyFileInfo) ModTime() time.Time {
	if fi.attr != nil {
		return fi.attr.Mtime
	}
	if fi.entry != nil {
		return fi.entry.Mtime
	}
	return time.Now()
}

func (fi *BillyFileInfo) IsDir() bool {
	return fi.mode()&engine.ModeMask == engine.ModeDir
}

// Sys returns *file.FileInfo from go-nfs. go-nfs's GetInfo() only
// recognizes that type; anything else loses the stable Fileid and
// breaks hard-link identity on the client.
func (fi *BillyFileInfo) Sys() interface{} {
	info := &nfsfile.FileInfo{
		Nlink: 1,
		UID:   uint32(os.Getuid()),
		GID:   uint32(os.Getgid()),
	}
	if fi.adapter != nil {
		info.UID = fi.adapter.uid
		info.GID = fi.adapter.gid
	}
	if fi.attr != nil {
		info.Nlink = fi.attr.Nlink
		info.Fileid = fi.attr.Ino
	} else if fi.entry != nil {
		info.Fileid = fi.entry.Ino
	} else {
		info.Fileid = engine.RootIno
	}
	return info
}

var (
	_ NetFSServer      = (*NFSServer)(nil)
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
	_ os.FileInfo      = (*BillyFileInfo)(nil)
)

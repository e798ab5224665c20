// Package engine implements the in-memory filesystem core: the inode
// store, the hierarchical namespace, the byte buffers backing regular
// files, the memory-quota ledger and the open-handle table, composed
// behind one dispatcher with a fixed operation set.
//
// The engine owns all mutable filesystem state. Protocol transports
// and the CLI reach it only through the exported operations, each of
// which is atomic at the granularity of the inode(s) it touches. The
// engine never logs and never retries; every call returns either a
// payload or exactly one error kind from errors.go.
package engine

import (
	"os"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Config is the construction-time configuration. The CLI layer owns
// validation; the engine trusts the values it is given.
type Config struct {
	// MemoryLimit is the global budget, in bytes, for regular-file
	// content across the whole filesystem.
	MemoryLimit int64

	// MaxFileSize is the per-file content ceiling in bytes.
	MaxFileSize int64

	// Root inode ownership and permission bits.
	RootMode uint32
	RootUID  uint32
	RootGID  uint32
}

// Engine is one mounted in-memory filesystem instance. Create it with
// New at mount time and drop it at unmount; there is no ambient global
// state.
type Engine struct {
	store      *inodeStore
	accountant *Accountant
	handles    *handleTable

	// renameMu serializes renames so directory ancestry stays frozen
	// while a rename checks for cycles. All parent-pointer changes
	// happen under it.
	renameMu sync.Mutex
}

// StatFS is the statfs payload: the accountant snapshot plus object
// counts, in BlockSize units where the protocol wants blocks.
type StatFS struct {
	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64
	BlockSize  int64
	Inodes     uint64
}

// New constructs an engine with an empty root directory.
func New(cfg Config) *Engine {
	e := &Engine{
		store:      newInodeStore(),
		accountant: NewAccountant(cfg.MemoryLimit, cfg.MaxFileSize),
		handles:    newHandleTable(),
	}
	mode := cfg.RootMode
	if mode == 0 {
		mode = 0777
	}
	e.store.insertRoot(mode, cfg.RootUID, cfg.RootGID)
	return e
}

// Close tears the engine down, dropping all handles. Intended for
// unmount; any state still referenced simply becomes garbage.
func (e *Engine) Close() {
	e.handles.clear()
}

// dir fetches an inode that must be a directory.
func (e *Engine) dir(ino uint64) (*Inode, error) {
	n, ok := e.store.get(ino)
	if !ok {
		return nil, ENOENT
	}
	if !n.IsDir() {
		return nil, ENOTDIR
	}
	return n, nil
}

// Lookup finds name in the parent directory and returns the child's
// attributes.
func (e *Engine) Lookup(parent uint64, name string) (*Attr, error) {
	p, err := e.dir(parent)
	if err != nil {
		return nil, err
	}

	switch name {
	case "", ".":
		return e.GetAttr(parent)
	case "..":
		p.mu.RLock()
		up := p.parent
		p.mu.RUnlock()
		return e.GetAttr(up)
	}
	if err := validName(name); err != nil {
		return nil, err
	}

	p.mu.RLock()
	ino, ok := p.lookupChild(name)
	p.mu.RUnlock()
	if !ok {
		return nil, ENOENT
	}
	return e.GetAttr(ino)
}

// GetAttr returns the inode's attributes.
func (e *Engine) GetAttr(ino uint64) (*Attr, error) {
	n, ok := e.store.get(ino)
	if !ok {
		return nil, ENOENT
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.attr(), nil
}

// SetAttr applies attribute changes. Size changes truncate or extend
// the file: extension zero-fills and must pass the accountant
// all-or-nothing; truncation releases the freed bytes back to the
// ledger.
func (e *Engine) SetAttr(ino uint64, req SetAttrRequest) (*Attr, error) {
	n, ok := e.store.get(ino)
	if !ok {
		return nil, ENOENT
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()

	if req.Size != nil {
		if n.IsDir() {
			return nil, EISDIR
		}
		if !n.IsFile() {
			return nil, EINVAL
		}
		newSize := *req.Size
		if newSize < 0 {
			return nil, EINVAL
		}
		cur := int64(len(n.data))
		switch {
		case newSize > cur:
			if err := e.accountant.Reserve(newSize-cur, cur); err != nil {
				return nil, err
			}
			n.data = append(n.data, make([]byte, newSize-cur)...)
		case newSize < cur:
			n.data = n.data[:newSize]
			e.accountant.Release(cur - newSize)
		}
		n.mtime = now
	}

	if req.Mode != nil {
		// Type bits are immutable; only permission bits change.
		n.mode = (n.mode & ModeMask) | (*req.Mode & 07777)
	}
	if req.UID != nil {
		n.uid = *req.UID
	}
	if req.GID != nil {
		n.gid = *req.GID
	}
	if req.Atime != nil {
		n.atime = *req.Atime
	}
	if req.Mtime != nil {
		n.mtime = *req.Mtime
	}
	n.ctime = now

	return n.attr(), nil
}

// Create allocates a regular file of size zero, links it under the
// parent and returns an open handle plus the new attributes.
func (e *Engine) Create(parent uint64, name string, mode uint32, flags int) (HandleID, *Attr, error) {
	if err := validName(name); err != nil {
		return 0, nil, err
	}
	p, err := e.dir(parent)
	if err != nil {
		return 0, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A concurrent rmdir may have detached the parent between the
	// store fetch and the lock. The flag is set under this lock.
	if p.unlinked {
		return 0, nil, ENOENT
	}
	if _, ok := p.lookupChild(name); ok {
		return 0, nil, EEXIST
	}

	n := e.store.allocate(ModeFile|(mode&07777), p.uid, p.gid, parent)
	p.linkChild(name, n.ino)
	now := time.Now()
	p.mtime = now
	p.ctime = now

	e.store.addOpen(n)
	h := e.handles.open(n.ino, flags, false)
	return h, n.attr(), nil
}

// Mkdir allocates an empty directory and links it under the parent.
func (e *Engine) Mkdir(parent uint64, name string, mode uint32) (*Attr, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	p, err := e.dir(parent)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unlinked {
		return nil, ENOENT
	}
	if _, ok := p.lookupChild(name); ok {
		return nil, EEXIST
	}

	n := e.store.allocate(ModeDir|(mode&07777), p.uid, p.gid, parent)
	p.linkChild(name, n.ino)
	now := time.Now()
	p.mtime = now
	p.ctime = now
	p.nlink++ // the child's ".."

	return n.attr(), nil
}

// Symlink creates a symbolic link holding target.
func (e *Engine) Symlink(parent uint64, name, target string) (*Attr, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	p, err := e.dir(parent)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.unlinked {
		return nil, ENOENT
	}
	if _, ok := p.lookupChild(name); ok {
		return nil, EEXIST
	}

	n := e.store.allocate(ModeSymlink|0777, p.uid, p.gid, parent)
	n.target = target
	p.linkChild(name, n.ino)
	now := time.Now()
	p.mtime = now
	p.ctime = now

	return n.attr(), nil
}

// Readlink returns a symlink's target.
func (e *Engine) Readlink(ino uint64) (string, error) {
	n, ok := e.store.get(ino)
	if !ok {
		return "", ENOENT
	}
	if !n.IsSymlink() {
		return "", EINVAL
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.target, nil
}

// Unlink removes a file or symlink entry. The inode becomes invisible
// to new lookups immediately; its memory is reclaimed once the last
// open handle is released.
func (e *Engine) Unlink(parent uint64, name string) error {
	return e.removeEntry(parent, name, false)
}

// Rmdir removes an empty directory entry, with the same deferred
// reclamation as Unlink.
func (e *Engine) Rmdir(parent uint64, name string) error {
	return e.removeEntry(parent, name, true)
}

func (e *Engine) removeEntry(parent uint64, name string, wantDir bool) error {
	if err := validName(name); err != nil {
		return err
	}
	p, err := e.dir(parent)
	if err != nil {
		return err
	}

	for {
		p.mu.RLock()
		ino, ok := p.lookupChild(name)
		p.mu.RUnlock()
		if !ok {
			return ENOENT
		}
		c, ok := e.store.get(ino)
		if !ok {
			// Entry raced away between the lookup and here.
			continue
		}

		unlock := lockPair(p, c)

		// Re-verify under the locks; a concurrent rename or remove
		// may have changed the entry.
		if cur, ok := p.lookupChild(name); !ok || cur != ino {
			unlock()
			continue
		}

		if wantDir {
			if !c.IsDir() {
				unlock()
				return ENOTDIR
			}
			if len(c.children) > 0 {
				unlock()
				return ENOTEMPTY
			}
		} else if c.IsDir() {
			unlock()
			return EISDIR
		}

		p.unlinkChild(name)
		now := time.Now()
		p.mtime = now
		p.ctime = now
		if wantDir {
			p.nlink--
			c.nlink = 0
		} else {
			c.nlink = 0
		}
		c.ctime = now
		// Flag the inode removed while its lock is still held, so
		// whoever locks it next sees the flag before touching it.
		reclaimNow := e.store.markUnlinked(c)
		unlock()

		if reclaimNow {
			e.reclaim(c)
		}
		return nil
	}
}

// reclaim frees an inode that left both the namespace and the handle
// table. Only regular-file buffers are on the ledger. The inode lock
// covers readers that fetched the pointer before it left the store.
func (e *Engine) reclaim(n *Inode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.IsFile() {
		e.accountant.Release(int64(len(n.data)))
	}
	n.data = nil
	n.children = nil
	n.index = nil
}

// Rename moves src_parent/src_name to dst_parent/dst_name, atomically
// with respect to concurrent lookups. An existing destination file is
// replaced and marked deleted; a destination directory must be empty;
// moving a directory under its own descendant fails.
func (e *Engine) Rename(srcParent uint64, srcName string, dstParent uint64, dstName string) error {
	if err := validName(srcName); err != nil {
		return err
	}
	if err := validName(dstName); err != nil {
		return err
	}
	sp, err := e.dir(srcParent)
	if err != nil {
		return err
	}
	dp, err := e.dir(dstParent)
	if err != nil {
		return err
	}

	e.renameMu.Lock()
	defer e.renameMu.Unlock()

	for {
		sp.mu.RLock()
		srcIno, ok := sp.lookupChild(srcName)
		sp.mu.RUnlock()
		if !ok {
			return ENOENT
		}
		src, ok := e.store.get(srcIno)
		if !ok {
			continue
		}

		dp.mu.RLock()
		dstIno, dstExists := dp.lookupChild(dstName)
		dp.mu.RUnlock()

		if dstExists && dstIno == srcIno {
			// Same object at both names; nothing to do.
			return nil
		}
		var dst *Inode
		if dstExists {
			if dst, ok = e.store.get(dstIno); !ok {
				continue
			}
		}

		// Cycle prevention: a directory may not move under itself.
		// Parent pointers are frozen by renameMu, so this walk is
		// stable even before the inode locks are taken.
		if src.IsDir() && e.isAncestorOf(srcIno, dp) {
			return EINVAL
		}

		unlock := lockAll(sp, dp, src, dst)

		// Either parent may have been rmdir'd before its lock was won.
		if sp.unlinked || dp.unlinked {
			unlock()
			return ENOENT
		}
		if cur, ok := sp.lookupChild(srcName); !ok || cur != srcIno {
			unlock()
			continue
		}
		cur, ok := dp.lookupChild(dstName)
		if ok != dstExists || (ok && cur != dstIno) {
			unlock()
			continue
		}

		if dst != nil {
			if dst.IsDir() {
				if !src.IsDir() {
					unlock()
					return EISDIR
				}
				if len(dst.children) > 0 {
					unlock()
					return ENOTEMPTY
				}
			} else if src.IsDir() {
				unlock()
				return ENOTDIR
			}
		}

		now := time.Now()
		var reclaimDst bool
		sp.unlinkChild(srcName)
		if dst != nil {
			dp.unlinkChild(dstName)
			if dst.IsDir() {
				dp.nlink--
			}
			dst.nlink = 0
			dst.ctime = now
			reclaimDst = e.store.markUnlinked(dst)
		}
		dp.linkChild(dstName, srcIno)
		if src.IsDir() && sp != dp {
			sp.nlink--
			dp.nlink++
		}
		src.parent = dstParent
		src.ctime = now
		sp.mtime = now
		sp.ctime = now
		dp.mtime = now
		dp.ctime = now
		unlock()

		if reclaimDst {
			e.reclaim(dst)
		}
		return nil
	}
}

// Open opens an existing regular file or symlink and returns a handle.
// O_TRUNC drops the content and returns its bytes to the ledger.
func (e *Engine) Open(ino uint64, flags int) (HandleID, error) {
	n, ok := e.store.get(ino)
	if !ok {
		return 0, ENOENT
	}
	if n.IsDir() {
		return 0, EISDIR
	}

	if flags&os.O_TRUNC != 0 && n.IsFile() {
		n.mu.Lock()
		if len(n.data) > 0 {
			e.accountant.Release(int64(len(n.data)))
			n.data = n.data[:0]
			n.mtime = time.Now()
		}
		n.mu.Unlock()
	}

	e.store.addOpen(n)
	return e.handles.open(ino, flags, false), nil
}

// OpenDir opens a directory for enumeration.
func (e *Engine) OpenDir(ino uint64) (HandleID, error) {
	n, err := e.dir(ino)
	if err != nil {
		return 0, err
	}
	e.store.addOpen(n)
	return e.handles.open(ino, os.O_RDONLY, true), nil
}

// Read copies file content at the given offset into p. It returns
// fewer bytes than len(p) only at end of content.
func (e *Engine) Read(h HandleID, p []byte, off int64) (int, error) {
	hd, ok := e.handles.get(h)
	if !ok {
		return 0, EBADF
	}
	if hd.isDir {
		return 0, EISDIR
	}
	if hd.flags&syscall.O_ACCMODE == os.O_WRONLY {
		return 0, EBADF
	}
	if off < 0 {
		return 0, EINVAL
	}
	n, ok := e.store.get(hd.ino)
	if !ok {
		return 0, EBADF
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.IsFile() {
		return 0, EINVAL
	}
	if off >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(p, n.data[off:]), nil
}

// Write places p at the given offset, zero-filling any gap past the
// current end of content. The capacity delta is reserved through the
// accountant before anything is committed; under quota pressure the
// write is truncated to the admissible prefix and the shorter count is
// returned as success. Only when not a single byte fits does the call
// fail, with the limit that bound it.
func (e *Engine) Write(h HandleID, p []byte, off int64) (int, error) {
	hd, ok := e.handles.get(h)
	if !ok {
		return 0, EBADF
	}
	if hd.isDir {
		return 0, EISDIR
	}
	if hd.flags&syscall.O_ACCMODE == os.O_RDONLY {
		return 0, EBADF
	}
	if off < 0 {
		return 0, EINVAL
	}
	n, ok := e.store.get(hd.ino)
	if !ok {
		return 0, EBADF
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.IsFile() {
		return 0, EINVAL
	}

	cur := int64(len(n.data))
	if hd.flags&os.O_APPEND != 0 {
		off = cur
	}

	admitted, err := e.accountant.AdmitWrite(cur, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	if end := off + admitted; end > cur {
		n.data = append(n.data, make([]byte, end-cur)...)
	}
	copy(n.data[off:off+admitted], p[:admitted])

	now := time.Now()
	n.mtime = now
	n.ctime = now
	return int(admitted), nil
}

// Truncate changes a file's size through its handle.
func (e *Engine) Truncate(h HandleID, size int64) error {
	hd, ok := e.handles.get(h)
	if !ok {
		return EBADF
	}
	if hd.isDir {
		return EISDIR
	}
	_, err := e.SetAttr(hd.ino, SetAttrRequest{Size: &size})
	return err
}

// HandleAttr returns the attributes of the inode behind a handle.
func (e *Engine) HandleAttr(h HandleID) (*Attr, error) {
	hd, ok := e.handles.get(h)
	if !ok {
		return nil, EBADF
	}
	return e.GetAttr(hd.ino)
}

// Ref adds a protocol-level reference to a handle.
func (e *Engine) Ref(h HandleID) error {
	if !e.handles.ref(h) {
		return EBADF
	}
	return nil
}

// Release drops one reference to a handle. When the last reference
// goes away the handle leaves the table, and an inode that was
// unlinked while open is reclaimed: buffer freed, ledger credited,
// store entry removed.
func (e *Engine) Release(h HandleID) error {
	hd, last, err := e.handles.release(h)
	if err != nil {
		return err
	}
	if !last {
		return nil
	}
	n, ok := e.store.get(hd.ino)
	if !ok {
		return nil
	}
	if e.store.releaseOpen(n) {
		e.reclaim(n)
	}
	return nil
}

// ReadDir returns directory entries starting at offset in the
// directory's stable insertion order, "." and ".." first. count <= 0
// means all remaining entries. The enumeration is restartable: pass
// offset 0 to start over. Entry attributes are snapshots; entries
// whose inode vanished mid-enumeration are skipped.
func (e *Engine) ReadDir(h HandleID, offset, count int) ([]DirEntry, error) {
	hd, ok := e.handles.get(h)
	if !ok {
		return nil, EBADF
	}
	if !hd.isDir {
		return nil, ENOTDIR
	}
	n, ok := e.store.get(hd.ino)
	if !ok {
		return nil, EBADF
	}
	if offset < 0 {
		return nil, EINVAL
	}

	n.mu.RLock()
	self := n.attr()
	parentIno := n.parent
	ents := make([]dirent, len(n.children))
	copy(ents, n.children)
	n.mu.RUnlock()

	all := make([]DirEntry, 0, len(ents)+2)
	all = append(all,
		DirEntry{Name: ".", Ino: self.Ino, Mode: self.Mode, Size: self.Size, Mtime: self.Mtime},
		// Parent attributes mirror the directory's own; transports
		// only need the ino and the type bit here.
		DirEntry{Name: "..", Ino: parentIno, Mode: self.Mode, Size: 0, Mtime: self.Mtime},
	)
	for _, de := range ents {
		a, err := e.GetAttr(de.ino)
		if err != nil {
			continue
		}
		all = append(all, DirEntry{
			Name:  de.name,
			Ino:   a.Ino,
			Mode:  a.Mode,
			Size:  a.Size,
			Mtime: a.Mtime,
		})
	}

	if offset >= len(all) {
		return nil, nil
	}
	rest := all[offset:]
	if count > 0 && count < len(rest) {
		rest = rest[:count]
	}
	return rest, nil
}

// StatFS reports the accountant snapshot and the live object count.
func (e *Engine) StatFS() StatFS {
	total, used, free := e.accountant.Snapshot()
	return StatFS{
		TotalBytes: total,
		UsedBytes:  used,
		FreeBytes:  free,
		BlockSize:  BlockSize,
		Inodes:     uint64(e.store.count()),
	}
}

// lockPair locks two inodes exclusively in ascending ino order and
// returns the matching unlock. Identical inodes are locked once.
func lockPair(a, b *Inode) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	if a.ino > b.ino {
		a, b = b, a
	}
	a.mu.Lock()
	b.mu.Lock()
	return func() {
		b.mu.Unlock()
		a.mu.Unlock()
	}
}

// lockAll locks the given inodes (nils skipped, duplicates collapsed)
// exclusively in ascending ino order.
func lockAll(nodes ...*Inode) func() {
	uniq := nodes[:0]
	seen := make(map[uint64]bool, len(nodes))
	for _, n := range nodes {
		if n == nil || seen[n.ino] {
			continue
		}
		seen[n.ino] = true
		uniq = append(uniq, n)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].ino < uniq[j].ino })
	for _, n := range uniq {
		n.mu.Lock()
	}
	locked := make([]*Inode, len(uniq))
	copy(locked, uniq)
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
}

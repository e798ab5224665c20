package engine

import (
	"sync"
	"time"
)

// inodeStore owns every live inode and allocates inode numbers.
// Numbers are monotonic and never reused within a mount session, so a
// stale handle can never alias a newer object. The store's lock covers
// only allocation, removal and the unlinked/opens bookkeeping; content
// access goes through each inode's own lock.
type inodeStore struct {
	mu    sync.Mutex
	next  uint64
	byIno map[uint64]*Inode
}

func newInodeStore() *inodeStore {
	return &inodeStore{
		next:  RootIno + 1,
		byIno: make(map[uint64]*Inode),
	}
}

// allocate creates a fresh inode of the given mode and inserts it into
// the store. The caller links it into the namespace before it becomes
// externally visible.
func (s *inodeStore) allocate(mode, uid, gid uint32, parent uint64) *Inode {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := &Inode{
		ino:    s.next,
		mode:   mode,
		uid:    uid,
		gid:    gid,
		atime:  now,
		mtime:  now,
		ctime:  now,
		nlink:  1,
		parent: parent,
	}
	if n.IsDir() {
		n.nlink = 2
		n.index = make(map[string]int)
	}
	s.next++
	s.byIno[n.ino] = n
	return n
}

// insertRoot seeds the store with the root directory inode.
func (s *inodeStore) insertRoot(mode, uid, gid uint32) *Inode {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	root := &Inode{
		ino:    RootIno,
		mode:   ModeDir | (mode & 07777),
		uid:    uid,
		gid:    gid,
		atime:  now,
		mtime:  now,
		ctime:  now,
		nlink:  2,
		parent: RootIno,
		index:  make(map[string]int),
	}
	s.byIno[RootIno] = root
	return root
}

func (s *inodeStore) get(ino uint64) (*Inode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byIno[ino]
	return n, ok
}

// count returns the number of live inodes.
func (s *inodeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byIno)
}

// addOpen records one more open handle on the inode.
func (s *inodeStore) addOpen(n *Inode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.opens++
}

// releaseOpen drops one open handle. It reports true when the inode is
// both unlinked and no longer open, in which case it has been removed
// from the store and the caller must reclaim its resources.
func (s *inodeStore) releaseOpen(n *Inode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.opens--
	if n.unlinked && n.opens == 0 {
		delete(s.byIno, n.ino)
		return true
	}
	return false
}

// markUnlinked flags the inode as removed from the namespace. The
// caller must hold the inode's exclusive lock, so directory-mutating
// ops that lock the inode afterwards observe the flag. It reports true
// when no handles remain, in which case it has been removed from the
// store and the caller must reclaim its resources once the lock is
// released. Otherwise reclamation is deferred to the last releaseOpen.
func (s *inodeStore) markUnlinked(n *Inode) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.unlinked = true
	if n.opens == 0 {
		delete(s.byIno, n.ino)
		return true
	}
	return false
}

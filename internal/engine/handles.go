package engine

import "sync"

// HandleID identifies one open instance of a file or directory. Ids
// are monotonic and never reused, so a released handle can never alias
// a newer open.
type HandleID uint64

// handle is the open-file state behind a HandleID: target inode, open
// flags and a reference count of outstanding protocol-level uses.
// Offsets stay with the caller; the transports all issue positioned
// reads and writes.
type handle struct {
	ino   uint64
	flags int
	isDir bool
	refs  int
}

// handleTable tracks open handles, decoupled from inode identity so
// independent opens of the same inode stay independent.
type handleTable struct {
	mu      sync.RWMutex
	handles map[HandleID]*handle
	next    HandleID
}

func newHandleTable() *handleTable {
	return &handleTable{
		handles: make(map[HandleID]*handle),
		next:    1,
	}
}

// open allocates a handle with one reference.
func (t *handleTable) open(ino uint64, flags int, isDir bool) HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	t.handles[id] = &handle{
		ino:   ino,
		flags: flags,
		isDir: isDir,
		refs:  1,
	}
	return id
}

func (t *handleTable) get(id HandleID) (*handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[id]
	return h, ok
}

// ref adds a protocol-level reference to an existing handle.
func (t *handleTable) ref(id HandleID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	if !ok {
		return false
	}
	h.refs++
	return true
}

// release drops one reference. It returns the handle and true when the
// last reference went away and the entry was removed from the table.
func (t *handleTable) release(id HandleID) (*handle, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.handles[id]
	if !ok {
		return nil, false, EBADF
	}
	h.refs--
	if h.refs > 0 {
		return h, false, nil
	}
	delete(t.handles, id)
	return h, true, nil
}

// clear removes every handle, returning how many were open. Used at
// engine teardown.
func (t *handleTable) clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := len(t.handles)
	t.handles = make(map[HandleID]*handle)
	// next is not reset, so ids stay unique across the session.
	return count
}

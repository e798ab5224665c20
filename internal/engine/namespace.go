package engine

import "strings"

// Directory child-table manipulation. Callers hold the directory
// inode's lock exclusively for mutations, shared for lookups. Entries
// keep their insertion order; removal splices the slice so readdir
// order stays stable for the surviving entries.

// lookupChild finds a name in the directory.
func (n *Inode) lookupChild(name string) (uint64, bool) {
	i, ok := n.index[name]
	if !ok {
		return 0, false
	}
	return n.children[i].ino, true
}

// linkChild inserts a new entry. The name must not be present.
func (n *Inode) linkChild(name string, ino uint64) error {
	if _, ok := n.index[name]; ok {
		return EEXIST
	}
	n.index[name] = len(n.children)
	n.children = append(n.children, dirent{name: name, ino: ino})
	return nil
}

// unlinkChild removes an entry by name.
func (n *Inode) unlinkChild(name string) bool {
	i, ok := n.index[name]
	if !ok {
		return false
	}
	delete(n.index, name)
	n.children = append(n.children[:i], n.children[i+1:]...)
	for j := i; j < len(n.children); j++ {
		n.index[n.children[j].name] = j
	}
	return true
}

// validName rejects names the namespace will not accept: empty, "." and
// "..", embedded separators or NUL, and names past NameMax bytes.
func validName(name string) error {
	if name == "" || name == "." || name == ".." {
		return EINVAL
	}
	if strings.ContainsAny(name, "/\x00") {
		return EINVAL
	}
	if len(name) > NameMax {
		return ENAMETOOLONG
	}
	return nil
}

// Resolve walks a multi-segment path from the root to an inode number.
// Each step holds only the directory being inspected, so resolution
// never builds a lock chain that could oppose a multi-inode mutation.
func (e *Engine) Resolve(path string) (uint64, error) {
	cur := RootIno
	for _, seg := range splitPath(path) {
		n, ok := e.store.get(cur)
		if !ok {
			return 0, ENOENT
		}
		if !n.IsDir() {
			return 0, ENOTDIR
		}
		n.mu.RLock()
		child, ok := n.lookupChild(seg)
		n.mu.RUnlock()
		if !ok {
			return 0, ENOENT
		}
		cur = child
	}
	return cur, nil
}

// splitPath splits a slash-separated path into segments, ignoring
// empty and "." segments. The engine does no further path parsing; the
// protocol layer normalizes paths before they get here.
func splitPath(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(path, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" && p != "." {
			segs = append(segs, p)
		}
	}
	return segs
}

// isAncestorOf reports whether anc appears on the parent chain of n,
// or is n itself. Only called with the rename lock held, which freezes
// every parent pointer in the tree.
func (e *Engine) isAncestorOf(anc uint64, n *Inode) bool {
	cur := n
	for {
		if cur.ino == anc {
			return true
		}
		if cur.ino == RootIno {
			return false
		}
		next, ok := e.store.get(cur.parent)
		if !ok {
			return false
		}
		cur = next
	}
}

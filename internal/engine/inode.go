package engine

import (
	"sync"
	"time"
)

// File type bits, held in the high bits of an inode's mode.
const (
	ModeDir     = 0040000 // Directory
	ModeFile    = 0100000 // Regular file
	ModeSymlink = 0120000 // Symbolic link
	ModeMask    = 0170000 // Type mask
)

// Default modes for newly created inodes.
const (
	DefaultDirMode  = ModeDir | 0755  // rwxr-xr-x
	DefaultFileMode = ModeFile | 0644 // rw-r--r--
)

const (
	// RootIno is the inode number of the filesystem root.
	RootIno uint64 = 1

	// NameMax is the maximum length of a single directory entry name.
	NameMax = 255

	// BlockSize is the block unit reported by getattr and statfs.
	BlockSize = 512
)

// dirent is one name slot inside a directory, in insertion order.
type dirent struct {
	name string
	ino  uint64
}

// Inode is one filesystem object: a regular file, a directory or a
// symlink. Regular files own their byte buffer, directories own their
// insertion-ordered child table, symlinks own their target string.
//
// Each inode carries its own read/write lock. Readers (lookup, getattr,
// read, readdir) take it shared, mutators take it exclusive. The type
// bits of mode are immutable for the inode's lifetime and may be read
// without the lock; everything else below the lock comment is guarded
// by mu. The unlinked/opens pair is guarded by the store instead, so
// reclamation decisions serialize without touching content locks;
// unlinked is additionally written under mu, letting namespace ops
// that hold mu read it without the store lock.
type Inode struct {
	ino uint64

	mu sync.RWMutex

	mode  uint32
	uid   uint32
	gid   uint32
	atime time.Time
	mtime time.Time
	ctime time.Time
	nlink uint32

	// parent is the ino of the containing directory ("..");
	// the root's parent is the root itself. Guarded by mu; rename
	// additionally serializes all parent changes behind the
	// engine's rename lock so ancestry walks stay stable.
	parent uint64

	data     []byte         // regular files
	children []dirent       // directories, insertion order
	index    map[string]int // name -> position in children
	target   string         // symlinks

	// Guarded by the inode store. unlinked is set with mu also held,
	// so holders of either lock read it safely.
	unlinked bool // removed from the namespace, awaiting last close
	opens    int  // open handles referencing this inode
}

// IsDir returns true if the inode is a directory.
func (n *Inode) IsDir() bool {
	return n.mode&ModeMask == ModeDir
}

// IsFile returns true if the inode is a regular file.
func (n *Inode) IsFile() bool {
	return n.mode&ModeMask == ModeFile
}

// IsSymlink returns true if the inode is a symbolic link.
func (n *Inode) IsSymlink() bool {
	return n.mode&ModeMask == ModeSymlink
}

// size returns the inode's logical size. Callers hold mu.
func (n *Inode) size() int64 {
	switch n.mode & ModeMask {
	case ModeFile:
		return int64(len(n.data))
	case ModeSymlink:
		return int64(len(n.target))
	default:
		return 0
	}
}

// attr snapshots the inode's attributes. Callers hold mu (shared is
// enough).
func (n *Inode) attr() *Attr {
	size := n.size()
	return &Attr{
		Ino:    n.ino,
		Mode:   n.mode,
		Size:   size,
		Blocks: (size + BlockSize - 1) / BlockSize,
		UID:    n.uid,
		GID:    n.gid,
		Atime:  n.atime,
		Mtime:  n.mtime,
		Ctime:  n.ctime,
		Nlink:  n.nlink,
	}
}

// Attr is the attribute payload returned by lookup/getattr/setattr.
type Attr struct {
	Ino    uint64
	Mode   uint32
	Size   int64
	Blocks int64
	UID    uint32
	GID    uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Nlink  uint32
}

// IsDir returns true if the attributes describe a directory.
func (a *Attr) IsDir() bool {
	return a.Mode&ModeMask == ModeDir
}

// IsSymlink returns true if the attributes describe a symbolic link.
func (a *Attr) IsSymlink() bool {
	return a.Mode&ModeMask == ModeSymlink
}

// Permissions returns the permission bits.
func (a *Attr) Permissions() uint32 {
	return a.Mode & 0777
}

// DirEntry is one readdir result row.
type DirEntry struct {
	Name  string
	Ino   uint64
	Mode  uint32
	Size  int64
	Mtime time.Time
}

// SetAttrRequest carries the attribute changes accepted by SetAttr.
// Nil fields are left untouched.
type SetAttrRequest struct {
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *int64
	Atime *time.Time
	Mtime *time.Time
}

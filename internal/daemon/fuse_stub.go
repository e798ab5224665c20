//go:build !fuse

package daemon

import (
	"memfs/internal/engine"
)

// FUSEMountSupported reports whether this build carries the FUSE
// transport.
const FUSEMountSupported = false

// FUSEServer is a placeholder in builds without the fuse tag.
type FUSEServer struct{}

// MountFUSE is unavailable without the fuse build tag.
func MountFUSE(e *engine.Engine, mountPoint string) (*FUSEServer, error) {
	return nil, engine.ENOTSUP
}

// Wait is a no-op in builds without the fuse tag.
func (s *FUSEServer) Wait() {}

// Close is a no-op in builds without the fuse tag.
func (s *FUSEServer) Close() error { return nil }

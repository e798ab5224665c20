package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// NetFSServer abstracts the network filesystem server end of a mount.
type NetFSServer interface {
	// Listen binds the listener without serving yet.
	Listen(addr string) error

	// Addr returns the bound listen address.
	Addr() string

	// Serve starts the server on the given address (e.g., "127.0.0.1:12345")
	Serve(addr string) error

	// Shutdown stops the server
	Shutdown()
}

// MountNetFS attaches the NFS export at addr to mountPath through the
// kernel NFS client.
func MountNetFS(addr, mountPath string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid server port %q: %w", portStr, err)
	}

	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		// soft,timeo=50,retrans=3 keeps a dead server from wedging the
		// kernel mount; noac keeps attribute changes immediately
		// visible; nobrowse hides the mount from Finder and Spotlight.
		cmd = exec.Command("mount_nfs",
			"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolocks,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3,nobrowse", port, port),
			fmt.Sprintf("%s:/", host),
			mountPath,
		)
	case "linux":
		cmd = exec.Command("mount",
			"-t", "nfs",
			"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolock,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3", port, port),
			fmt.Sprintf("%s:/", host),
			mountPath,
		)
	default:
		return fmt.Errorf("kernel NFS mount not supported on %s", runtime.GOOS)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nfs mount failed: %w: %s", err, string(output))
	}
	return nil
}

// UnmountNetFS detaches the kernel mount at mountPath.
func UnmountNetFS(mountPath string) error {
	output, err := exec.Command("umount", mountPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount failed: %w: %s", err, string(output))
	}
	return nil
}

// ForceUnmountNetFS detaches the mount even with open files, for
// shutdown paths where a graceful umount already failed.
func ForceUnmountNetFS(mountPath string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("umount", "-f", mountPath)
	case "linux":
		cmd = exec.Command("umount", "-l", mountPath)
	default:
		return fmt.Errorf("unmount not supported on %s", runtime.GOOS)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount failed: %w: %s", err, string(output))
	}
	return nil
}

// Copyright 2025 memfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"memfs/internal/common"
	"memfs/internal/daemon"
	"memfs/internal/engine"
)

var mountCmd = &cobra.Command{
	Use:   "mount <mount-point> -m <MB>",
	Short: "Mount an in-memory filesystem",
	Long: `Mounts a RAM-backed filesystem at the specified mount point and
serves it until interrupted. Unmounting discards all content.

The memory budget (-m) caps total file content across the filesystem.
The per-file limit (-s) caps each individual file; it defaults to 1 MB.

Examples:
  memfs mount /mnt/scratch -m 512
  memfs mount ./tmpfs -m 1024 -s 64
  memfs mount /mnt/scratch -m 512 --fuse`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var mountLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List active mounts",
	Long:  `Lists all currently active memfs mounts.`,
	Args:  cobra.NoArgs,
	RunE:  runMountLs,
}

var (
	mountMemoryMB  int64
	mountMaxFileMB int64
	mountAddr      string
	mountUseFUSE   bool
)

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.AddCommand(mountLsCmd)
	mountCmd.Flags().Int64VarP(&mountMemoryMB, "memory", "m", 0, "Memory budget in MB (required)")
	mountCmd.Flags().Int64VarP(&mountMaxFileMB, "max-file-size", "s", 0, "Per-file size limit in MB (default from settings, 1 MB)")
	mountCmd.Flags().StringVar(&mountAddr, "addr", "", "NFS listen address (default: free loopback port)")
	mountCmd.Flags().BoolVar(&mountUseFUSE, "fuse", false, "Mount through the kernel FUSE driver instead of NFS")
	mountCmd.MarkFlagRequired("memory")
}

// resolveLimits validates the memory budget and resolves the effective
// per-file limit, falling back to the settings default when the flag
// was not given. The per-file limit may not exceed the global budget.
func resolveLimits(memoryMB, maxFileMB int64, settings *daemon.GlobalSettings) (int64, error) {
	if memoryMB <= 0 {
		return 0, fmt.Errorf("memory budget must be positive, got %d MB", memoryMB)
	}
	if maxFileMB == 0 {
		maxFileMB = settings.MaxFileSizeMB
	}
	if maxFileMB <= 0 {
		return 0, fmt.Errorf("per-file limit must be positive, got %d MB", maxFileMB)
	}
	if maxFileMB > memoryMB {
		return 0, fmt.Errorf("per-file limit %d MB exceeds the memory budget of %d MB", maxFileMB, memoryMB)
	}
	return maxFileMB, nil
}

func runMount(cmd *cobra.Command, args []string) error {
	mountPoint, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}

	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return err
	}
	maxFileMB, err := resolveLimits(mountMemoryMB, mountMaxFileMB, settings)
	if err != nil {
		return err
	}

	// An existing mount point must be an empty directory.
	if info, err := os.Lstat(mountPoint); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("target %s exists and is not a directory: %w", mountPoint, common.ErrInvalidPath)
		}
		entries, err := os.ReadDir(mountPoint)
		if err != nil {
			return fmt.Errorf("failed to read target directory: %w", err)
		}
		if len(entries) > 0 {
			return fmt.Errorf("target directory is not empty: %s", mountPoint)
		}
	}

	if rec, err := daemon.FindMount(mountPoint); err == nil {
		return fmt.Errorf("already mounted at %s (session %s, pid %d)", mountPoint, rec.ID, rec.PID)
	} else if !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("failed to read mount registry: %w", err)
	}

	if mountUseFUSE {
		return runFUSEMount(mountPoint, mountMemoryMB<<20, maxFileMB<<20, settings)
	}

	addr := mountAddr
	if addr == "" {
		addr = settings.NFSListenIP + ":0"
	}

	d := daemon.New(daemon.Options{
		MountPoint:  mountPoint,
		Addr:        addr,
		MemoryLimit: mountMemoryMB << 20,
		MaxFileSize: maxFileMB << 20,
		LogLevel:    effectiveLogLevel(settings),
		Foreground:  verbosity > 0,
	})

	fmt.Printf("Mounting memfs at %s (%d MB, %d MB per file)\n", mountPoint, mountMemoryMB, maxFileMB)
	return d.Run(cmd.Context())
}

func runFUSEMount(mountPoint string, memoryLimit, maxFileSize int64, settings *daemon.GlobalSettings) error {
	if !daemon.FUSEMountSupported {
		return fmt.Errorf("this build does not include the FUSE transport (rebuild with -tags fuse)")
	}

	e := engine.New(engine.Config{
		MemoryLimit: memoryLimit,
		MaxFileSize: maxFileSize,
		RootUID:     uint32(os.Getuid()),
		RootGID:     uint32(os.Getgid()),
	})
	defer e.Close()

	srv, err := daemon.MountFUSE(e, mountPoint)
	if err != nil {
		return err
	}

	fmt.Printf("Mounting memfs at %s (%d MB budget) via FUSE\n", mountPoint, memoryLimit>>20)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()

	select {
	case <-sigCh:
		return srv.Close()
	case <-done:
		return nil
	}
}

func runMountLs(cmd *cobra.Command, args []string) error {
	mounts, err := daemon.LoadMounts()
	if err != nil {
		return fmt.Errorf("failed to read mount registry: %w", err)
	}

	if len(mounts) == 0 {
		fmt.Println("No active mounts")
		return nil
	}

	fmt.Printf("Active mounts (%d):\n", len(mounts))
	for _, m := range mounts {
		fmt.Printf("  %s (%d MB, %d MB per file, pid %d, since %s)\n",
			m.MountPoint, m.MemoryMB, m.MaxFileMB, m.PID,
			m.MountedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

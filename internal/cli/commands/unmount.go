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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"memfs/internal/common"
	"memfs/internal/daemon"
	"memfs/internal/util"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount <mount-point>",
	Aliases: []string{"umount"},
	Short:   "Unmount a memfs filesystem",
	Long: `Unmounts the memfs filesystem at the given mount point. All
content is discarded.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmount,
}

func init() {
	rootCmd.AddCommand(unmountCmd)
}

func runUnmount(cmd *cobra.Command, args []string) error {
	mountPoint, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}

	rec, err := daemon.FindMount(mountPoint)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("no memfs mount registered at %s", mountPoint)
		}
		return fmt.Errorf("failed to read mount registry: %w", err)
	}

	// Signal the serving process; it unmounts, deregisters and exits.
	proc, err := os.FindProcess(rec.PID)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		// The process is gone. Clean up the kernel mount and the stale
		// record directly.
		if uerr := daemon.UnmountNetFS(mountPoint); uerr != nil {
			daemon.ForceUnmountNetFS(mountPoint)
		}
		if rerr := daemon.RemoveMount(mountPoint); rerr != nil {
			return fmt.Errorf("failed to remove stale mount record: %w", rerr)
		}
		fmt.Printf("Cleaned up stale mount at %s\n", mountPoint)
		return nil
	}

	// Wait for the serving process to deregister the mount.
	err = util.PollUntil(context.Background(), util.DefaultPollConfig(), func() bool {
		_, err := daemon.FindMount(mountPoint)
		return errors.Is(err, common.ErrNotFound)
	})
	if err != nil {
		return fmt.Errorf("timed out waiting for %s to unmount", mountPoint)
	}

	fmt.Printf("Unmounted %s\n", mountPoint)
	return nil
}

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
	"fmt"

	"github.com/spf13/cobra"

	"memfs/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve -m <MB>",
	Short: "Serve the NFS export without a kernel mount",
	Long: `Runs the in-memory filesystem as a plain NFS export on a TCP
address, without touching the kernel mount table. Useful for clients
that mount remotely or for platforms without local NFS mount support.

Example:
  memfs serve -m 256 --addr 127.0.0.1:20490`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveMemoryMB  int64
	serveMaxFileMB int64
	serveAddr      string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int64VarP(&serveMemoryMB, "memory", "m", 0, "Memory budget in MB (required)")
	serveCmd.Flags().Int64VarP(&serveMaxFileMB, "max-file-size", "s", 0, "Per-file size limit in MB (default from settings, 1 MB)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: free loopback port)")
	serveCmd.MarkFlagRequired("memory")
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return err
	}
	maxFileMB, err := resolveLimits(serveMemoryMB, serveMaxFileMB, settings)
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = settings.NFSListenIP + ":0"
	}

	d := daemon.New(daemon.Options{
		Addr:        addr,
		MemoryLimit: serveMemoryMB << 20,
		MaxFileSize: maxFileMB << 20,
		LogLevel:    effectiveLogLevel(settings),
		Foreground:  true,
	})

	fmt.Printf("Serving memfs over NFS (%d MB, %d MB per file)\n", serveMemoryMB, maxFileMB)
	return d.Run(cmd.Context())
}

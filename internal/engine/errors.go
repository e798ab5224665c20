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

package engine

import "syscall"

// Engine error kinds mapped to syscall errors. Every operation either
// succeeds or returns exactly one of these; the protocol transports
// translate them into wire-level failure codes.
var (
	ENOENT       = syscall.ENOENT       // No such file, directory or inode
	EEXIST       = syscall.EEXIST       // Name already taken
	ENOTDIR      = syscall.ENOTDIR      // Not a directory
	EISDIR       = syscall.EISDIR       // Is a directory
	ENOTEMPTY    = syscall.ENOTEMPTY    // Directory not empty
	EBADF        = syscall.EBADF        // Stale or unknown handle
	EINVAL       = syscall.EINVAL       // Malformed name, cyclic rename, bad offset
	ENAMETOOLONG = syscall.ENAMETOOLONG // Name longer than NameMax
	ENOSPC       = syscall.ENOSPC       // Global memory limit exhausted
	EFBIG        = syscall.EFBIG        // Per-file size limit exhausted
	EIO          = syscall.EIO          // Internal inconsistency
	ENOTSUP      = syscall.ENOTSUP      // Operation not supported
)

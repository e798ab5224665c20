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

package daemon

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nfsfile "github.com/willscott/go-nfs/file"

	"memfs/internal/engine"
)

// fileIDOf extracts the NFS Fileid from a Sys() payload.
func fileIDOf(t *testing.T, sys interface{}) uint64 {
	t.Helper()
	info, ok := sys.(*nfsfile.FileInfo)
	require.True(t, ok, "Sys() must return *file.FileInfo, got %T", sys)
	return info.Fileid
}

// testAdapter creates a BillyAdapter over a fresh engine.
func testAdapter(t *testing.T) *BillyAdapter {
	t.Helper()
	e := engine.New(engine.Config{MemoryLimit: 1 << 20, MaxFileSize: 1 << 20})
	t.Cleanup(e.Close)
	return NewBillyAdapter(e)
}

func TestBillyCreateAndRead(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.Create("/hello.txt")
	require.NoError(t, err)

	n, err := f.Write([]byte("hello, billy"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	require.NoError(t, f.Close())

	f, err = b.Open("/hello.txt")
	require.NoError(t, err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello, billy", string(data))
}

func TestBillyCreateTruncatesExisting(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.Create("/f")
	require.NoError(t, err)
	_, err = f.Write([]byte("original content"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = b.Create("/f")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := b.Stat("/f")
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestBillyOpenFileExclusive(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.OpenFile("/f", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The exclusive flag must not fall back to opening the existing file.
	_, err = b.OpenFile("/f", os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	assert.Equal(t, engine.EEXIST, err)

	f, err = b.OpenFile("/f", os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestBillyStat(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	require.NoError(t, b.MkdirAll("/dir", 0755))
	f, err := b.Create("/dir/file")
	require.NoError(t, err)
	_, err = f.Write([]byte("1234"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := b.Stat("/dir")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "dir", info.Name())

	info, err = b.Stat("/dir/file")
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.EqualValues(t, 4, info.Size())
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	_, err = b.Stat("/missing")
	assert.Equal(t, engine.ENOENT, err)
}

func TestBillyStatSysFileID(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.Create("/f")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	info, err := b.Stat("/f")
	require.NoError(t, err)

	// go-nfs needs the *file.FileInfo with a stable Fileid.
	attr, err := b.engine.Lookup(engine.RootIno, "f")
	require.NoError(t, err)
	sys := info.Sys()
	require.NotNil(t, sys)
	fileID := fileIDOf(t, sys)
	assert.Equal(t, attr.Ino, fileID)
}

func TestBillyReadDir(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	require.NoError(t, b.MkdirAll("/sub", 0755))
	for _, name := range []string{"/a", "/b"} {
		f, err := b.Create(name)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	infos, err := b.ReadDir("/")
	require.NoError(t, err)

	// Dot entries are filtered, insertion order preserved.
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	assert.Equal(t, []string{"sub", "a", "b"}, names)
}

func TestBillyRename(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	require.NoError(t, b.MkdirAll("/src", 0755))
	require.NoError(t, b.MkdirAll("/dst", 0755))
	f, err := b.Create("/src/f")
	require.NoError(t, err)
	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Rename("/src/f", "/dst/g"))

	_, err = b.Stat("/src/f")
	assert.Equal(t, engine.ENOENT, err)
	info, err := b.Stat("/dst/g")
	require.NoError(t, err)
	assert.EqualValues(t, 7, info.Size())
}

func TestBillyRemove(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.Create("/f")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, b.MkdirAll("/d", 0755))

	// Remove covers both files and directories; go-nfs routes REMOVE
	// and RMDIR through it.
	require.NoError(t, b.Remove("/f"))
	require.NoError(t, b.Remove("/d"))

	_, err = b.Stat("/f")
	assert.Equal(t, engine.ENOENT, err)
	_, err = b.Stat("/d")
	assert.Equal(t, engine.ENOENT, err)
}

func TestBillyMkdirAll(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	require.NoError(t, b.MkdirAll("/a/b/c", 0755))

	info, err := b.Stat("/a/b/c")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent on existing directories.
	require.NoError(t, b.MkdirAll("/a/b", 0755))

	// A file in the way fails.
	f, err := b.Create("/a/file")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, engine.ENOTDIR, b.MkdirAll("/a/file/sub", 0755))
}

func TestBillySymlink(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	require.NoError(t, b.Symlink("target/path", "/link"))

	got, err := b.Readlink("/link")
	require.NoError(t, err)
	assert.Equal(t, "target/path", got)

	info, err := b.Lstat("/link")
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)
}

func TestBillySeekAndReadAt(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.Create("/f")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	pos, err := f.Seek(2, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pos)

	buf := make([]byte, 3)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "234", string(buf[:n]))

	pos, err = f.Seek(-4, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, 6, pos)

	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "012", string(buf[:n]))
}

func TestBillyTruncate(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.Create("/f")
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4))

	info, err := b.Stat("/f")
	require.NoError(t, err)
	assert.EqualValues(t, 4, info.Size())
}

func TestBillyWriteQuota(t *testing.T) {
	t.Parallel()
	e := engine.New(engine.Config{MemoryLimit: 100, MaxFileSize: 200})
	t.Cleanup(e.Close)
	b := NewBillyAdapter(e)

	f, err := b.Create("/big")
	require.NoError(t, err)
	defer f.Close()

	// The adapter surfaces the binding limit as the error of the last
	// short write, with the admitted byte count.
	n, err := f.Write(make([]byte, 150))
	assert.Equal(t, 100, n)
	assert.Equal(t, engine.ENOSPC, err)
}

func TestBillyChmodChtimes(t *testing.T) {
	t.Parallel()
	b := testAdapter(t)

	f, err := b.Create("/f")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, b.Chmod("/f", 0600))
	info, err := b.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

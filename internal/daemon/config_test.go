package daemon

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memfs/internal/common"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		original := os.Getenv("MEMFS_CONFIG_DIR")
		os.Unsetenv("MEMFS_CONFIG_DIR")
		defer os.Setenv("MEMFS_CONFIG_DIR", original)

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".memfs"), "should end with .memfs")
	})

	t.Run("override with MEMFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("MEMFS_CONFIG_DIR", "/tmp/test-memfs-config")
		assert.Equal(t, "/tmp/test-memfs-config", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	t.Setenv("MEMFS_CONFIG_DIR", t.TempDir())

	tests := []struct {
		name   string
		fn     func() string
		suffix string
	}{
		{"LogPath", LogPath, "memfs.log"},
		{"MountsPath", MountsPath, "mounts.yaml"},
		{"GlobalSettingsPath", GlobalSettingsPath, "settings.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.fn()
			assert.True(t, strings.HasSuffix(path, tt.suffix),
				"%s() = %q should end with %q", tt.name, path, tt.suffix)
			assert.True(t, strings.HasPrefix(path, ConfigDir()),
				"%s() = %q should be in config dir %q", tt.name, path, ConfigDir())
		})
	}
}

func TestGlobalSettings(t *testing.T) {
	t.Setenv("MEMFS_CONFIG_DIR", t.TempDir())

	t.Run("defaults without file", func(t *testing.T) {
		settings, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "off", settings.LogLevel)
		assert.Equal(t, "127.0.0.1", settings.NFSListenIP)
		assert.EqualValues(t, 1, settings.MaxFileSizeMB)
	})

	t.Run("round trip", func(t *testing.T) {
		saved := &GlobalSettings{
			LogLevel:      "debug",
			NFSListenIP:   "127.0.0.2",
			MaxFileSizeMB: 16,
		}
		require.NoError(t, SaveGlobalSettings(saved))

		loaded, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, saved, loaded)
	})
}

func TestMountRegistry(t *testing.T) {
	t.Setenv("MEMFS_CONFIG_DIR", t.TempDir())

	rec := MountRecord{
		ID:         "session-1",
		MountPoint: "/mnt/a",
		Addr:       "127.0.0.1:20490",
		PID:        1234,
		MemoryMB:   512,
		MaxFileMB:  1,
		MountedAt:  time.Now().Truncate(time.Second),
	}

	t.Run("empty registry", func(t *testing.T) {
		mounts, err := LoadMounts()
		require.NoError(t, err)
		assert.Empty(t, mounts)

		_, err = FindMount("/mnt/a")
		assert.True(t, errors.Is(err, common.ErrNotFound))
	})

	t.Run("add and find", func(t *testing.T) {
		require.NoError(t, AddMount(rec))

		found, err := FindMount("/mnt/a")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, found.ID)
		assert.Equal(t, rec.Addr, found.Addr)
	})

	t.Run("duplicate mount point rejected", func(t *testing.T) {
		err := AddMount(MountRecord{ID: "session-2", MountPoint: "/mnt/a"})
		assert.True(t, errors.Is(err, common.ErrExists))
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, AddMount(MountRecord{ID: "session-3", MountPoint: "/mnt/b"}))
		require.NoError(t, RemoveMount("/mnt/a"))

		_, err := FindMount("/mnt/a")
		assert.True(t, errors.Is(err, common.ErrNotFound))

		// The other record survives.
		_, err = FindMount("/mnt/b")
		require.NoError(t, err)
	})

	t.Run("remove unknown is not an error", func(t *testing.T) {
		assert.NoError(t, RemoveMount("/mnt/never-mounted"))
	})
}

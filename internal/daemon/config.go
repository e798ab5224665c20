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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"memfs/internal/common"
)

// getConfigDir returns the config directory path.
// Uses MEMFS_CONFIG_DIR env var if set, otherwise defaults to ~/.memfs.
// Computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("MEMFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memfs")
}

// ConfigDir returns the configuration directory path.
func ConfigDir() string {
	return getConfigDir()
}

// LogPath returns the log file path.
// Uses MEMFS_LOG env var if set, otherwise config_dir/memfs.log.
func LogPath() string {
	if envPath := os.Getenv("MEMFS_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "memfs.log")
}

// MountsPath returns the path of the active-mounts registry.
func MountsPath() string {
	return filepath.Join(getConfigDir(), "mounts.yaml")
}

// mountsLockPath returns the lock file guarding the mounts registry.
func mountsLockPath() string {
	return filepath.Join(getConfigDir(), "mounts.lock")
}

// GlobalSettingsPath returns the global settings file path.
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// GlobalSettings holds persistent defaults applied when the matching
// command-line flag is absent.
type GlobalSettings struct {
	LogLevel      string `yaml:"log_level"`         // trace, debug, info, warn, off (default: off)
	NFSListenIP   string `yaml:"nfs_listen_ip"`     // loopback IP to serve on (default: 127.0.0.1)
	MaxFileSizeMB int64  `yaml:"max_file_size_mb"`  // default per-file limit in MB
}

// ApplyDefaults fills zero-value fields with their defaults.
func (s *GlobalSettings) ApplyDefaults() {
	if s.LogLevel == "" {
		s.LogLevel = "off"
	}
	if s.NFSListenIP == "" {
		s.NFSListenIP = "127.0.0.1"
	}
	if s.MaxFileSizeMB == 0 {
		s.MaxFileSizeMB = 1
	}
}

// LoadGlobalSettings loads settings.yaml, falling back to defaults if
// the file does not exist.
func LoadGlobalSettings() (*GlobalSettings, error) {
	var settings GlobalSettings
	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", GlobalSettingsPath(), err)
	}
	settings.ApplyDefaults()
	return &settings, nil
}

// SaveGlobalSettings saves the global settings to settings.yaml.
func SaveGlobalSettings(settings *GlobalSettings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# memfs settings\n\n")
	return os.WriteFile(GlobalSettingsPath(), append(header, data...), 0600)
}

// MountRecord is one active mount in the registry.
type MountRecord struct {
	ID          string    `yaml:"id"`            // session UUID
	MountPoint  string    `yaml:"mount_point"`   // absolute kernel mount path
	Addr        string    `yaml:"addr"`          // NFS server listen address
	PID         int       `yaml:"pid"`           // serving process
	MemoryMB    int64     `yaml:"memory_mb"`     // global budget
	MaxFileMB   int64     `yaml:"max_file_mb"`   // per-file limit
	MountedAt   time.Time `yaml:"mounted_at"`
}

// mountRegistry is the on-disk shape of mounts.yaml.
type mountRegistry struct {
	Mounts []MountRecord `yaml:"mounts"`
}

// withMountsLock runs fn while holding the registry flock. Serving
// processes race on the registry file, nothing else.
func withMountsLock(fn func() error) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	lock := flock.New(mountsLockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock mount registry: %w", err)
	}
	defer lock.Unlock()
	return fn()
}

func loadRegistry() (*mountRegistry, error) {
	var reg mountRegistry
	data, err := os.ReadFile(MountsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &reg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MountsPath(), err)
	}
	return &reg, nil
}

func saveRegistry(reg *mountRegistry) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}
	return os.WriteFile(MountsPath(), data, 0600)
}

// LoadMounts returns the registered mounts.
func LoadMounts() ([]MountRecord, error) {
	var records []MountRecord
	err := withMountsLock(func() error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		records = reg.Mounts
		return nil
	})
	return records, err
}

// AddMount registers a mount record. A record already present for the
// same mount point is an error.
func AddMount(rec MountRecord) error {
	return withMountsLock(func() error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		for _, m := range reg.Mounts {
			if m.MountPoint == rec.MountPoint {
				return fmt.Errorf("mount %s: %w", rec.MountPoint, common.ErrExists)
			}
		}
		reg.Mounts = append(reg.Mounts, rec)
		return saveRegistry(reg)
	})
}

// RemoveMount drops the record for the given mount point. Removing a
// mount point that is not registered is not an error.
func RemoveMount(mountPoint string) error {
	return withMountsLock(func() error {
		reg, err := loadRegistry()
		if err != nil {
			return err
		}
		kept := reg.Mounts[:0]
		for _, m := range reg.Mounts {
			if m.MountPoint != mountPoint {
				kept = append(kept, m)
			}
		}
		reg.Mounts = kept
		return saveRegistry(reg)
	})
}

// FindMount returns the record for the given mount point, or
// common.ErrNotFound.
func FindMount(mountPoint string) (*MountRecord, error) {
	records, err := LoadMounts()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].MountPoint == mountPoint {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("mount %s: %w", mountPoint, common.ErrNotFound)
}

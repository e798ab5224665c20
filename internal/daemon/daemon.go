package daemon

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"memfs/internal/engine"
	"memfs/internal/util"
)

func init() {
	// Logging stays off until a level is configured.
	log.SetOutput(io.Discard)
}

// Options configures one serving session.
type Options struct {
	// MountPoint is where the filesystem appears. Empty means serve
	// the NFS export without a kernel mount.
	MountPoint string

	// Addr is the NFS listen address. Empty picks a free loopback port.
	Addr string

	// MemoryLimit is the global content budget in bytes.
	MemoryLimit int64

	// MaxFileSize is the per-file content limit in bytes.
	MaxFileSize int64

	// LogLevel: trace, debug, info, warn, off.
	LogLevel string

	// Foreground logs to stderr instead of the log file.
	Foreground bool
}

// Daemon owns one engine, its NFS export and (optionally) the kernel
// mount pointing at it, for the lifetime of one serve session.
type Daemon struct {
	opts    Options
	id      string
	engine  *engine.Engine
	server  NetFSServer
	lock    *flock.Flock
	logFile *os.File
	mounted bool
}

// New creates a daemon for the given options.
func New(opts Options) *Daemon {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Daemon{
		opts: opts,
		id:   uuid.NewString(),
	}
}

// ID returns the session id.
func (d *Daemon) ID() string {
	return d.id
}

// mountLockPath derives a per-mount-point lock file name, so two
// sessions cannot race on the same mount point.
func mountLockPath(mountPoint string) string {
	sum := sha256.Sum256([]byte(mountPoint))
	return filepath.Join(getConfigDir(), fmt.Sprintf("mount-%x.lock", sum[:8]))
}

// Run serves until ctx is cancelled or a shutdown signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLog()

	if d.opts.MountPoint != "" {
		d.lock = flock.New(mountLockPath(d.opts.MountPoint))
		locked, err := d.lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire mount lock: %w", err)
		}
		if !locked {
			return fmt.Errorf("mount point %s is already served by another process", d.opts.MountPoint)
		}
		defer d.lock.Unlock()
	}

	d.engine = engine.New(engine.Config{
		MemoryLimit: d.opts.MemoryLimit,
		MaxFileSize: d.opts.MaxFileSize,
		RootUID:     uint32(os.Getuid()),
		RootGID:     uint32(os.Getgid()),
	})
	defer d.engine.Close()

	d.server = NewNFSServer(d.engine)
	if err := d.server.Listen(d.opts.Addr); err != nil {
		return err
	}
	addr := d.server.Addr()
	log.Infof("[Daemon] session %s serving NFS at %s", d.id, addr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.server.Serve(addr)
	}()

	if d.opts.MountPoint != "" {
		if err := d.mount(ctx, addr); err != nil {
			d.server.Shutdown()
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-ctx.Done():
		log.Infof("[Daemon] session %s: context cancelled", d.id)
	case sig := <-sigCh:
		log.Infof("[Daemon] session %s: received %v, shutting down", d.id, sig)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warnf("[Daemon] session %s: server stopped: %v", d.id, err)
			runErr = err
		}
	}

	// Unmount before the listener closes so the kernel client
	// disconnects cleanly.
	d.unmount()
	d.server.Shutdown()
	return runErr
}

// mount attaches the kernel NFS client and registers the mount.
func (d *Daemon) mount(ctx context.Context, addr string) error {
	mountPoint, err := filepath.Abs(d.opts.MountPoint)
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}

	err = util.Retry(ctx, func() error {
		return MountNetFS(addr, mountPoint)
	}, util.MountRetryOptions(ctx)...)
	if err != nil {
		return fmt.Errorf("failed to mount %s: %w", mountPoint, err)
	}
	d.mounted = true
	log.Infof("[Daemon] mounted %s", mountPoint)

	rec := MountRecord{
		ID:         d.id,
		MountPoint: mountPoint,
		Addr:       addr,
		PID:        os.Getpid(),
		MemoryMB:   d.opts.MemoryLimit >> 20,
		MaxFileMB:  d.opts.MaxFileSize >> 20,
		MountedAt:  time.Now(),
	}
	if err := AddMount(rec); err != nil {
		log.Warnf("[Daemon] failed to register mount: %v", err)
	}
	return nil
}

// unmount detaches the kernel mount and drops the registry record.
func (d *Daemon) unmount() {
	if !d.mounted {
		return
	}
	mountPoint, _ := filepath.Abs(d.opts.MountPoint)
	if err := UnmountNetFS(mountPoint); err != nil {
		log.Warnf("[Daemon] graceful unmount failed: %v", err)
		if err := ForceUnmountNetFS(mountPoint); err != nil {
			log.Errorf("[Daemon] force unmount failed: %v", err)
		}
	}
	if err := RemoveMount(mountPoint); err != nil {
		log.Warnf("[Daemon] failed to deregister mount: %v", err)
	}
	d.mounted = false
	log.Infof("[Daemon] unmounted %s", mountPoint)
}

// setupLogging routes logrus by the configured level. Off discards
// everything; the engine itself never logs, so this only affects the
// daemon and transport layers.
func (d *Daemon) setupLogging() error {
	level := strings.ToLower(d.opts.LogLevel)
	if level == "" || level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return nil
	}

	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if d.opts.Foreground {
		log.SetOutput(os.Stderr)
		return nil
	}

	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	log.SetOutput(logFile)
	return nil
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		d.logFile.Close()
		d.logFile = nil
	}
}

// Package lock keeps two jogd processes from writing to the same device.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("device is locked by another process")

// DeviceLock is a single-instance lock implemented via a PID file + flock(2).
// Keep the lock alive by keeping the file descriptor open.
type DeviceLock struct {
	path   string
	device string
	f      *os.File
}

// PathForDevice returns the lock file used for device, following the UUCP
// LCK..<name> convention, e.g. /var/lock/LCK..serial0 for /dev/serial0.
// Devices that are not paths, like the log sink, get a name derived from the
// whole string.
func PathForDevice(lockDir, device string) string {
	name := filepath.Base(device)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "jogd"
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
	return filepath.Join(lockDir, "LCK.."+name)
}

// Acquire takes an exclusive non-blocking lock for device under lockDir and
// writes the current PID into the lock file.
func Acquire(lockDir, device string) (*DeviceLock, error) {
	lockPath := PathForDevice(lockDir, device)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid, perr := HolderPID(lockPath); perr == nil {
				return nil, fmt.Errorf("%s: %w (pid %d)", device, ErrLocked, pid)
			}
			return nil, fmt.Errorf("%s: %w", device, ErrLocked)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) (*DeviceLock, error) {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s lock file: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek", err)
	}
	// UUCP lock files hold the PID as a 10 character right aligned field.
	if _, err := fmt.Fprintf(f, "%10d\n", os.Getpid()); err != nil {
		return fail("write", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	return &DeviceLock{path: lockPath, device: device, f: f}, nil
}

// HolderPID reads the PID recorded in a lock file.
func HolderPID(lockPath string) (int, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse pid in %s: %w", lockPath, err)
	}
	return pid, nil
}

func (l *DeviceLock) Path() string { return l.path }

func (l *DeviceLock) Device() string { return l.device }

// Release unlocks and removes the lock file. Safe to call more than once.
func (l *DeviceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}

package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a lock directory on a network mount.
var ErrNetworkFilesystem = errors.New("network filesystem")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocalFilesystem reports an error when dir (or its nearest existing
// parent) sits on a network filesystem, where flock does not exclude other
// hosts.
func CheckLocalFilesystem(dir string) error {
	return checkLocalFilesystemWithDetector(dir, mountType)
}

func checkLocalFilesystemWithDetector(dir string, detector func(string) (string, error)) error {
	if dir == "" {
		return fmt.Errorf("lock directory is empty")
	}

	inspectPath, err := nearestExistingPath(dir)
	if err != nil {
		return fmt.Errorf("resolve lock directory %q: %w", dir, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}
	if !isNetworkFilesystem(fsType) {
		return nil
	}
	return fmt.Errorf("lock directory %q is on %w %q; set service.lock_dir to a local path such as /var/lock",
		dir, ErrNetworkFilesystem, fsType)
}

// nearestExistingPath walks up from path until it finds something that
// exists; the lock directory itself may not be created yet.
func nearestExistingPath(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		dir = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}

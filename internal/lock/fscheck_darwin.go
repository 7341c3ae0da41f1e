//go:build darwin

package lock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mountType returns the filesystem name statfs reports for path ("apfs", "nfs", ...).
func mountType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	return unix.ByteSliceToString(st.Fstypename[:]), nil
}

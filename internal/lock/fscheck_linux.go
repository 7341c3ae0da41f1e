//go:build linux

package lock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mountType names the filesystem under path from its statfs magic. Unknown
// magics come back as hex, which never matches a network filesystem.
func mountType(path string) (string, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}

	switch magic := uint64(st.Type); magic {
	case unix.NFS_SUPER_MAGIC:
		return "nfs", nil
	case unix.CIFS_SUPER_MAGIC:
		return "cifs", nil
	case unix.SMB_SUPER_MAGIC:
		return "smbfs", nil
	case unix.SMB2_SUPER_MAGIC:
		return "smb2", nil
	default:
		return fmt.Sprintf("0x%x", magic), nil
	}
}

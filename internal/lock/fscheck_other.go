//go:build !darwin && !linux

package lock

import "errors"

func mountType(string) (string, error) {
	return "", errors.New("mount type detection not supported on this platform")
}

//go:build unix

package admission

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// StatfsChecker reads free space with statfs(2).
type StatfsChecker struct{}

// FreeBytes returns the bytes available to unprivileged users.
func (StatfsChecker) FreeBytes(path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil //nolint:gosec // block counts are non-negative
}

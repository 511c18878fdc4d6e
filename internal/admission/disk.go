package admission

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskChecker reports free bytes available to the service at a path.
type DiskChecker interface {
	FreeBytes(path string) (uint64, error)
}

// DiskCheckerFunc adapts a function to DiskChecker.
type DiskCheckerFunc func(path string) (uint64, error)

// FreeBytes calls f.
func (f DiskCheckerFunc) FreeBytes(path string) (uint64, error) {
	return f(path)
}

// existingAncestor returns path or its closest existing parent, so that
// directories created lazily can still be checked.
func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p, nil
		}
		p = parent
	}
}

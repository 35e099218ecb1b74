package bootcfg

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/moby/sys/atomicwriter"

	"gpu-passthrough/pkg/types"
)

// fileError wraps a filesystem failure, classifying EACCES and EPERM as
// types.ErrPermissionDenied.
func fileError(op, path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: failed to %s %s: %w", types.ErrPermissionDenied, op, path, err)
	}
	return fmt.Errorf("failed to %s %s: %w", op, path, err)
}

// writeFile replaces path atomically so a reader never sees a partial file.
// It reports whether the content changed.
func writeFile(path string, data []byte, perm fs.FileMode) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fileError("read", path, err)
	}
	if err == nil {
		if info, statErr := os.Stat(path); statErr == nil {
			perm = info.Mode().Perm()
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fileError("create directory for", path, err)
	}
	if err := atomicwriter.WriteFile(path, data, perm); err != nil {
		return false, fileError("write", path, err)
	}
	return true, nil
}

// removeFile deletes path. An absent file is not an error.
func removeFile(path string) (bool, error) {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fileError("remove", path, err)
	}
	return true, nil
}

// readFile returns "" for an absent file.
func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fileError("read", path, err)
	}
	return string(data), nil
}

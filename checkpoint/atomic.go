package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
)

// atomicWriteFile writes data to a temp file in the destination directory,
// syncs it, then renames it over the destination. A crash mid-write leaves
// at worst an orphaned temp file; the destination is either the old
// content or the new content, never a mix.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &AtomicWriteError{Path: path, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &AtomicWriteError{Path: path, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &AtomicWriteError{Path: path, Err: fmt.Errorf("sync temp file: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &AtomicWriteError{Path: path, Err: fmt.Errorf("close temp file: %w", err)}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &AtomicWriteError{Path: path, Err: fmt.Errorf("rename temp file: %w", err)}
	}
	return nil
}

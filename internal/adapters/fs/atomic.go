package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tmpSuffix = ".tmp"

// writeFileAtomic writes data next to path, syncs it and renames it into
// place, so readers see either the old file or the complete new one.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	syncDir(filepath.Dir(path))
	return nil
}

// syncDir flushes a directory entry change. Best effort: not every
// platform allows syncing a directory.
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
}

// validID rejects ids that could escape the store root.
func validID(id string) bool {
	if id == "" || len(id) > 200 {
		return false
	}
	if strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\:`) {
		return false
	}
	return !strings.HasSuffix(id, tmpSuffix)
}

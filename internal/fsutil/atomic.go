// Package fsutil holds small filesystem helpers shared by the local stores
// and the sync gateway.
package fsutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteAtomic replaces path with whatever fill writes. Content goes to a temp
// file in the same directory which is fsynced and renamed over path, so
// readers see either the old file or the new one, never a partial write. On
// any error the temp file is removed and path is left untouched.
//
// The mode of an existing file is preserved; new files get 0644.
func WriteAtomic(path string, fill func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	if st, serr := os.Stat(path); serr == nil {
		mode = st.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err = fill(bw); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Chmod(mode); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// CopyFileAtomic replaces dst with the contents of src and returns the number
// of bytes copied.
func CopyFileAtomic(dst string, src io.Reader) (int64, error) {
	var n int64
	err := WriteAtomic(dst, func(w io.Writer) error {
		var cerr error
		n, cerr = io.Copy(w, src)
		return cerr
	})
	return n, err
}

// Exists reports whether path exists. Errors other than "not exist" are
// returned as-is.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

// Package write places files on disk atomically.
package write

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
)

// Result describes a written file.
type Result struct {
	Size   int64
	Digest digest.Digest
}

// Atomic writes src to destPath through a temp file in the same directory
// and renames it into place, so readers see either the old file or the
// complete new one. It refuses to replace a directory.
func Atomic(destPath string, src io.Reader, perm fs.FileMode) (Result, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating directory: %w", err)
	}
	if info, err := os.Stat(destPath); err == nil && info.IsDir() {
		return Result{}, &fs.PathError{Op: "write", Path: destPath, Err: errors.New("is a directory")}
	}
	tmp, err := os.CreateTemp(dir, ".pak-")
	if err != nil {
		return Result{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), src)
	if err != nil {
		return Result{}, fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return Result{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return Result{}, fmt.Errorf("setting mode: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return Result{}, fmt.Errorf("renaming to destination: %w", err)
	}
	success = true
	return Result{Size: n, Digest: digester.Digest()}, nil
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

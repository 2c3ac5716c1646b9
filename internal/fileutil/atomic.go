// Package fileutil provides durable file writes for state the engine
// must not lose across crashes, such as the config file and the
// transaction snapshot.
package fileutil

import (
	"os"
	"path/filepath"

	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// WriteAtomic replaces path with data without ever exposing a partial
// file. The data lands in a temp file in the same directory, is synced,
// and then renamed over the target.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	if path == "" {
		return keelerr.Wrap(keelerr.ErrInvalidInput, "atomic write needs a path")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return keelerr.Wrap(err, "creating %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return keelerr.Wrap(err, "creating temp file in %s", dir)
	}
	tmpPath := tmp.Name()

	write := func() error {
		defer func() { _ = tmp.Close() }()
		if _, err := tmp.Write(data); err != nil {
			return keelerr.Wrap(err, "writing %s", tmpPath)
		}
		if err := tmp.Chmod(perm); err != nil {
			return keelerr.Wrap(err, "setting mode on %s", tmpPath)
		}
		if err := tmp.Sync(); err != nil {
			return keelerr.Wrap(err, "syncing %s", tmpPath)
		}
		return nil
	}
	if err := write(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return keelerr.Wrap(err, "replacing %s", path)
	}

	// Best effort: make the rename itself durable.
	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		_ = dirFile.Close()
	}
	return nil
}

package core

import (
	"os"
	"path/filepath"
)

// WriteFileDurable atomically publishes data at path. It writes to a temp
// file in the same directory, fsyncs it, renames it over the target path,
// then fsyncs the directory. Readers either see the old file or the
// complete new one, never a partial write.
func WriteFileDurable(path string, data []byte) error {
	tmpPath := path + ".tmp"

	// on error, remove tmp file
	var err error
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	// Create a temp file in the same directory
	// assuming {path}.tmp does not exist, else we will error out
	tmpf, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	// on error, remove tmp file handle
	defer func() {
		if err != nil {
			_ = tmpf.Close()
		}
	}()

	// Write all bytes at once
	if _, err = tmpf.Write(data); err != nil {
		return err
	}

	// Sync the temp file to ensure data is on disk
	if err = tmpf.Sync(); err != nil {
		return err
	}

	if err = tmpf.Close(); err != nil {
		return err
	}

	// Atomically rename temp file to its intended name
	if err = os.Rename(tmpPath, path); err != nil {
		return err
	}

	// Finally, fsync the directory so the rename itself is durable
	return syncDir(filepath.Dir(path))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	defer d.Close() // nolint:errcheck

	return d.Sync()
}

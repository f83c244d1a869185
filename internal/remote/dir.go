package remote

import (
	"fmt"
	"os"
	"path"
)

// dirMaker is the part of *sftp.Client that ensureDir needs.
type dirMaker interface {
	Stat(p string) (os.FileInfo, error)
	Mkdir(p string) error
}

// ensureDir creates dir and any missing parents. It stats first and only
// recurses into the parent when dir is missing, so an existing deep
// directory costs a single round trip.
func ensureDir(fs dirMaker, dir string) error {
	dir = path.Clean(dir)
	info, err := fs.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", dir)
		}
		return nil
	}

	if parent := path.Dir(dir); parent != dir {
		if err := ensureDir(fs, parent); err != nil {
			return err
		}
	}

	if err := fs.Mkdir(dir); err != nil {
		// Lost a race with another writer.
		if info, statErr := fs.Stat(dir); statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

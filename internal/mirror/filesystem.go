package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/itsdave-de/frappebr/internal/br"
)

const tmpPrefix = ".tmp-"

// FileSystemMirror stores objects as files under root, one path segment per
// key segment. Writes go through a temp file and rename.
type FileSystemMirror struct {
	name string
	root string
}

var _ br.Mirror = (*FileSystemMirror)(nil)

func NewFileSystemMirror(name, root string) (*FileSystemMirror, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating mirror root: %w", err)
	}
	return &FileSystemMirror{name: name, root: root}, nil
}

func (m *FileSystemMirror) Name() string { return m.name }

func (m *FileSystemMirror) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(m.root, filepath.FromSlash(key)), nil
}

func (m *FileSystemMirror) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	dest, err := m.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("size mismatch for %s: expected %d bytes, got %d", key, size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	ok = true
	return nil
}

func (m *FileSystemMirror) Get(ctx context.Context, key string, w io.Writer) error {
	src, err := m.path(key)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", key, br.ErrNotFound)
		}
		return fmt.Errorf("opening %s: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	return nil
}

func (m *FileSystemMirror) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(m.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}
		rel, err := filepath.Rel(m.root, p)
		if err != nil {
			return err
		}
		if key := filepath.ToSlash(rel); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing mirror: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *FileSystemMirror) Delete(ctx context.Context, key string) error {
	p, err := m.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// ValidateSetup checks that root is a writable directory.
func (m *FileSystemMirror) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(m.root)
	if err != nil {
		return fmt.Errorf("mirror root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mirror root is not a directory: %s", m.root)
	}
	probe, err := os.CreateTemp(m.root, tmpPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("mirror root not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/itsdave-de/frappebr/internal/br"
)

// Store is the local backup directory: a flat list of artifact files with no
// index. Everything is re-derived from a directory scan and the filenames.
//
// No locking is done. Two transfers writing the same filename at once will
// corrupt each other; callers keep one writer per filename.
type Store struct {
	root     string
	ignore   *IgnoreMatcher
	hashAlgo string
	logger   br.Logger
}

var _ br.LocalStorage = (*Store)(nil)

// NewStore creates root if needed. ignore patterns from config are merged with
// the root's ignore file.
func NewStore(root string, ignore []string, hashAlgo string, logger br.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	fromFile, err := ParseIgnoreFile(filepath.Join(abs, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	if hashAlgo == "" {
		hashAlgo = DefaultHashAlgorithm
	}
	if !ValidHashAlgorithm(hashAlgo) {
		return nil, fmt.Errorf("unsupported hash algorithm: %q", hashAlgo)
	}
	if logger == nil {
		logger = br.NewNopLogger()
	}

	return &Store{
		root:     abs,
		ignore:   NewIgnoreMatcher(append(append([]string{}, ignore...), fromFile...)),
		hashAlgo: hashAlgo,
		logger:   logger,
	}, nil
}

func (s *Store) Root() string { return s.root }

// Path maps an artifact name into the root. Directory components are
// stripped so a remote name can never escape the root.
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, filepath.Base(name))
}

// Records lists the regular files directly under the root and hashes each
// one. Entries that cannot be read are logged and skipped.
func (s *Store) Records() ([]*br.BackupRecord, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading storage root: %w", err)
	}

	var records []*br.BackupRecord
	for _, e := range entries {
		if e.IsDir() || s.ignore.Match(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			s.logger.Warn("skipping unreadable entry", "name", e.Name(), "error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		full := filepath.Join(s.root, e.Name())
		sum, err := ContentHash(full, s.hashAlgo)
		if err != nil {
			s.logger.Warn("skipping unhashable entry", "name", e.Name(), "error", err)
			continue
		}

		rec := br.NewBackupRecord(e.Name(), full, "", info.Size(), info.ModTime())
		rec.ContentHash = sum
		records = append(records, rec)
	}
	return records, nil
}

// ScanSets groups Records by timestamp token.
func (s *Store) ScanSets() (map[string]*br.BackupSet, error) {
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	return br.SetsByTimestamp(br.GroupIntoSets(records)), nil
}

// Cleanup keeps the newest keepLatest sets and deletes the files of all older
// ones. It returns the removed filenames.
func (s *Store) Cleanup(keepLatest int) ([]string, error) {
	if keepLatest < 0 {
		return nil, fmt.Errorf("keep count must not be negative: %d", keepLatest)
	}
	records, err := s.Records()
	if err != nil {
		return nil, err
	}
	sets := br.GroupIntoSets(records)
	if len(sets) <= keepLatest {
		return nil, nil
	}

	var removed []string
	for _, set := range sets[keepLatest:] {
		for _, f := range set.Files {
			if err := os.Remove(f.Filepath); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("removing %s: %w", f.Filename, err)
			}
			removed = append(removed, f.Filename)
		}
		s.logger.Info("removed local backup set", "timestamp", set.Timestamp, "files", len(set.Files))
	}
	return removed, nil
}

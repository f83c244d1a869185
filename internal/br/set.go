package br

import (
	"sort"
	"time"
)

// BackupSet groups the artifacts written by one bench backup run. Sets are
// computed from records and never stored on their own.
type BackupSet struct {
	// Timestamp is the shared filename token, or the filename itself for a
	// record whose name has no token.
	Timestamp      string
	SiteName       string
	Type           BackupType
	CreatedAt      time.Time
	TotalSizeBytes int64
	// Files keeps discovery order.
	Files []*BackupRecord
}

// Database returns the first database artifact of the set, if any.
func (s *BackupSet) Database() *BackupRecord {
	for _, f := range s.Files {
		if f.Type == TypeDatabase {
			return f
		}
	}
	return nil
}

// Filenames returns the member filenames in discovery order.
func (s *BackupSet) Filenames() []string {
	names := make([]string, len(s.Files))
	for i, f := range s.Files {
		names[i] = f.Filename
	}
	return names
}

func (s *BackupSet) add(r *BackupRecord) {
	s.Files = append(s.Files, r)
	s.TotalSizeBytes += r.SizeBytes
	if r.CreatedAt.After(s.CreatedAt) {
		s.CreatedAt = r.CreatedAt
	}
	if s.SiteName == "" {
		s.SiteName = r.SiteName
	}
}

// classify derives the set type from its members. Config artifacts are
// written next to every bench backup and do not affect the type.
func (s *BackupSet) classify() {
	var hasDB, hasFiles, hasComplete, hasOther bool
	for _, f := range s.Files {
		switch f.Type {
		case TypeDatabase:
			hasDB = true
		case TypeFiles:
			hasFiles = true
		case TypeComplete:
			hasComplete = true
		case TypeConfig:
		default:
			hasOther = true
		}
	}

	switch {
	case hasComplete, hasDB && hasFiles:
		s.Type = TypeComplete
	case hasDB && !hasOther:
		s.Type = TypeDatabase
	case hasFiles && !hasOther:
		s.Type = TypeFiles
	default:
		s.Type = TypeMixed
	}
}

// GroupIntoSets buckets records by their timestamp token and returns the sets
// newest first. Records without a token become singleton sets keyed by their
// filename; nothing is dropped. Sets with equal CreatedAt keep the order in
// which their first member appeared.
func GroupIntoSets(records []*BackupRecord) []*BackupSet {
	var sets []*BackupSet
	byToken := make(map[string]*BackupSet)

	for _, r := range records {
		if r == nil {
			continue
		}
		token := TimestampToken(r.Filename)
		if token == "" {
			s := &BackupSet{Timestamp: r.Filename}
			s.add(r)
			sets = append(sets, s)
			continue
		}
		s, ok := byToken[token]
		if !ok {
			s = &BackupSet{Timestamp: token}
			byToken[token] = s
			sets = append(sets, s)
		}
		s.add(r)
	}

	for _, s := range sets {
		s.classify()
		if s.SiteName == "" {
			s.SiteName = "unknown"
		}
	}

	sort.SliceStable(sets, func(i, j int) bool {
		return sets[i].CreatedAt.After(sets[j].CreatedAt)
	})
	return sets
}

// SetsByTimestamp indexes sets by their timestamp key.
func SetsByTimestamp(sets []*BackupSet) map[string]*BackupSet {
	m := make(map[string]*BackupSet, len(sets))
	for _, s := range sets {
		m[s.Timestamp] = s
	}
	return m
}

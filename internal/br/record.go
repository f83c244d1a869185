package br

import (
	"regexp"
	"strings"
	"time"
)

// BackupType classifies a single backup artifact or a BackupSet.
type BackupType string

const (
	TypeDatabase BackupType = "database"
	TypeFiles    BackupType = "files"
	TypeComplete BackupType = "complete"
	TypeConfig   BackupType = "config"
	TypeUnknown  BackupType = "unknown"

	// TypeMixed only applies to sets.
	TypeMixed BackupType = "mixed"
)

// TimestampLayout is the layout of the timestamp token that prefixes every
// artifact name written by bench.
const TimestampLayout = "20060102_150405"

// timestampPattern matches the leading "YYYYMMDD_HHMMSS" token of an artifact
// name. Anything may follow it; grouping only ever looks at the token.
var timestampPattern = regexp.MustCompile(`^\d{8}_\d{6}`)

// ParsedName is the result of ParseBackupFilename. OK is false when the name
// does not start with a timestamp token; every other field is then best effort.
type ParsedName struct {
	OK        bool
	Timestamp string
	// CreatedAt is zero when the token is not a real date (month 13 etc).
	CreatedAt  time.Time
	Site       string
	Type       BackupType
	Compressed bool
	Private    bool
}

// ParseBackupFilename derives timestamp, site and type from an artifact name.
// It never fails: an unparseable name yields OK=false with Type and
// Compressed still derived from the suffix.
//
// Bench names look like
//
//	<YYYYMMDD_HHMMSS>-<site_token>-<kind>
//
// e.g. "20250909_210113-frappe15_labexposed_com-database.sql.gz".
func ParseBackupFilename(name string) ParsedName {
	p := deriveKind(ParsedName{}, name)

	token := timestampPattern.FindString(name)
	if token == "" {
		return p
	}
	p.OK = true
	p.Timestamp = token
	if ts, err := time.Parse(TimestampLayout, token); err == nil {
		p.CreatedAt = ts.UTC()
	}

	// Only the hyphenated bench form carries a site token. The kind is then
	// taken from what follows it, so a site called "database.example.com"
	// does not turn every artifact into a database dump.
	if rest, ok := strings.CutPrefix(name[len(token):], "-"); ok {
		if parts := strings.SplitN(rest, "-", 2); len(parts) == 2 && parts[0] != "" {
			p.Site = strings.ReplaceAll(parts[0], "_", ".")
			p = deriveKind(p, parts[1])
		}
	}
	return p
}

func deriveKind(p ParsedName, name string) ParsedName {
	lower := strings.ToLower(name)
	p.Type = typeFromName(lower)
	p.Compressed = hasAnySuffix(lower, ".gz", ".tar", ".tgz")
	p.Private = p.Type == TypeFiles && strings.Contains(lower, "private")
	return p
}

// TimestampToken returns the leading timestamp token of name, or "" if the
// name does not start with one. The token is not checked to be a real date.
func TimestampToken(name string) string {
	return timestampPattern.FindString(name)
}

func typeFromName(lower string) BackupType {
	switch {
	case strings.Contains(lower, "database"), hasAnySuffix(lower, ".sql.gz", ".sql"):
		return TypeDatabase
	case strings.Contains(lower, "config"):
		return TypeConfig
	case hasAnySuffix(lower, ".tar", ".tar.gz", ".tgz"):
		return TypeFiles
	case strings.Contains(lower, "complete"), strings.Contains(lower, "full"):
		return TypeComplete
	default:
		return TypeUnknown
	}
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

// BackupRecord describes one physical backup artifact, remote or local.
// Records are rebuilt on every listing and are never persisted.
type BackupRecord struct {
	Filename  string
	Filepath  string
	SiteName  string
	Type      BackupType
	CreatedAt time.Time
	SizeBytes int64
	// Compressed is derived from the filename suffix.
	Compressed bool
	// ContentHash is empty until computed. Local scans fill it eagerly,
	// remote listings never do.
	ContentHash string
}

// NewBackupRecord builds a record from an artifact name and what the caller
// knows about it. siteName is used when the name does not carry a site token.
// CreatedAt is modTime, or the name's timestamp when modTime is zero.
func NewBackupRecord(filename, fullPath, siteName string, size int64, modTime time.Time) *BackupRecord {
	p := ParseBackupFilename(filename)

	site := p.Site
	if site == "" {
		site = siteName
	}
	created := modTime
	if created.IsZero() {
		created = p.CreatedAt
	}

	return &BackupRecord{
		Filename:   filename,
		Filepath:   fullPath,
		SiteName:   site,
		Type:       p.Type,
		CreatedAt:  created,
		SizeBytes:  size,
		Compressed: p.Compressed,
	}
}

// IsPrivateFiles reports whether the record is the private-files archive of a
// bench backup.
func (r *BackupRecord) IsPrivateFiles() bool {
	return ParseBackupFilename(r.Filename).Private
}

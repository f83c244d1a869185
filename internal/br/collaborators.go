package br

import (
	"context"
	"io"
	"time"
)

// Transferer moves artifacts between a host and local storage.
type Transferer interface {
	Download(ctx context.Context, host string, record *BackupRecord, localName string, observer ProgressObserver) (string, error)
	Resume(ctx context.Context, host string, record *BackupRecord, localPath string, observer ProgressObserver) (string, error)
	Upload(ctx context.Context, host, localPath, remotePath string, observer ProgressObserver) error
	ListLocalSets() (map[string]*BackupSet, error)
	ContentHash(path, algo string) (string, error)
}

// LocalStorage is the flat directory holding downloaded artifacts.
type LocalStorage interface {
	Root() string
	Path(name string) string
	ScanSets() (map[string]*BackupSet, error)
	Cleanup(keepLatest int) ([]string, error)
}

// BackupScope selects what a remote backup run includes.
type BackupScope string

const (
	ScopeDatabase BackupScope = "db"
	ScopeFiles    BackupScope = "files"
	ScopeFull     BackupScope = "full"
)

// BackupCLI drives bench on a remote host.
type BackupCLI interface {
	ListBackups(ctx context.Context, host, benchPath, site string) ([]*BackupRecord, error)
	// CreateBackup returns the filenames bench reported.
	CreateBackup(ctx context.Context, host, benchPath, site string, scope BackupScope) ([]string, error)
	DeleteBackup(ctx context.Context, host string, record *BackupRecord) error
	VerifyBackup(ctx context.Context, host string, record *BackupRecord) (bool, error)
	Checksum(ctx context.Context, host, path string) (string, error)
}

// RestoreRequest describes a local restore of one backup set.
type RestoreRequest struct {
	Set               *BackupSet
	BenchPath         string
	TargetSite        string
	MariaDBRootUser   string
	MariaDBRootPasswd string
	Force             bool
	Migrate           bool
}

// Restorer restores a set into a local bench.
type Restorer interface {
	Restore(ctx context.Context, req RestoreRequest) error
}

// SiteInfo describes one site of a bench.
type SiteInfo struct {
	Name      string
	BenchPath string
	DBName    string
	Apps      []string
	SizeBytes int64
}

// SiteDiscoverer finds benches and sites on a host.
type SiteDiscoverer interface {
	FindBenches(ctx context.Context, host string, searchPaths []string) ([]string, error)
	ListSites(ctx context.Context, host, benchPath string) ([]*SiteInfo, error)
}

// Transfer directions and outcomes as recorded in history.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"

	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// OperationRecord is one CLI operation in history.
type OperationRecord struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TransferRecord is the outcome of one download or upload.
type TransferRecord struct {
	ID          string
	OperationID int64
	Direction   string
	Host        string
	RemotePath  string
	LocalPath   string
	SizeBytes   int64
	Transferred int64
	Status      string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// History persists operations and transfers.
type History interface {
	StartOperation(operation, parameters string) (int64, error)
	FinishOperation(id int64, status string) error
	RecordTransfer(rec *TransferRecord) error
	ListOperations(limit int) ([]*OperationRecord, error)
	ListTransfers(limit int) ([]*TransferRecord, error)
	BackupTo(path string) error
	CheckMigrations() error
	Close() error
}

// Mirror is an off-site copy of local backup sets.
type Mirror interface {
	Name() string
	// Put stores the bytes read from r under key, replacing any previous
	// object. size is checked when >= 0; -1 means unknown (encrypted streams).
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get copies the object to w. A missing key is ErrNotFound.
	Get(ctx context.Context, key string, w io.Writer) error
	// List returns keys with the prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	ValidateSetup(ctx context.Context) error
}

// Encryptor seals mirrored artifacts with a public key. Opening them needs
// the passphrase-protected private key.
type Encryptor interface {
	// Setup generates the key pair; the private key is sealed with passphrase.
	Setup(passphrase string) error
	Encrypt(r io.Reader, w io.Writer) error
	Unlock(passphrase string) (DecryptionContext, error)
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory only.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/itsdave-de/frappebr/internal/bench"
	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/config"
	"github.com/itsdave-de/frappebr/internal/encryption"
	"github.com/itsdave-de/frappebr/internal/history"
	"github.com/itsdave-de/frappebr/internal/mirror"
	"github.com/itsdave-de/frappebr/internal/remote"
	"github.com/itsdave-de/frappebr/internal/site"
	"github.com/itsdave-de/frappebr/internal/storage"
	"github.com/itsdave-de/frappebr/internal/transfer"
)

// BRApp is the application layer between the CLI and BRService.
// It constructs all dependencies from config, resolves CLI defaults and
// manages the history and connection lifecycle on Close.
type BRApp struct {
	cfg       *config.Config
	history   br.History
	mirror    br.Mirror
	encryptor br.Encryptor
	store     *storage.Store
	pool      *remote.Pool[*remote.Client]
	service   *br.BRService
	logger    br.Logger
	op        *Operation
	logFile   *os.File
}

// NewBRApp creates a fully wired BRApp. operation and parameters describe
// the CLI command for history. Nothing connects to a host until a command
// needs it. The caller must call Close when done.
func NewBRApp(ctx context.Context, cfg *config.Config, operation, parameters string) (*BRApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &BRApp{cfg: cfg, logger: logger, logFile: logFile, op: NewOperation(operation, parameters)}
	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *BRApp) wire(ctx context.Context) error {
	cfg := a.cfg

	h, err := history.NewHistoryFromConfig(cfg.Database, br.RealClock{})
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	a.history = h
	if err := h.CheckMigrations(); err != nil {
		return fmt.Errorf("history schema out of date: %w", err)
	}

	if a.mirror, err = mirror.NewMirrorFromConfig(ctx, cfg.Mirror); err != nil {
		return fmt.Errorf("creating mirror: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(cfg.Encryption); err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}

	a.store, err = storage.NewStore(cfg.Storage.Root, cfg.Storage.Ignore, cfg.Storage.HashAlgorithm, a.logger)
	if err != nil {
		return fmt.Errorf("opening local storage: %w", err)
	}

	dir, err := remote.LoadDirectory(cfg.SSH.ConfigPath)
	if err != nil {
		return fmt.Errorf("reading ssh config: %w", err)
	}
	dialer := remote.NewDialer(dir, remote.DialConfig{
		KnownHostsPath:        cfg.SSH.KnownHostsPath,
		IdentityFiles:         cfg.SSH.IdentityFiles,
		UseAgent:              cfg.SSH.UseAgent,
		InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		Timeout:               cfg.SSH.Timeout(),
	}, a.logger)
	a.pool = remote.NewPool[*remote.Client](dialer.Dial)
	exec := remote.NewExecutor(a.pool, a.logger)

	engine := transfer.NewEngine(exec, a.store, transfer.Options{
		ChunkSize:   cfg.Transfer.ChunkSize,
		MaxAttempts: cfg.Transfer.MaxAttempts,
		RetryDelay:  cfg.Transfer.RetryDelay(),
	}, a.logger, br.RealClock{})

	a.service = br.NewBRService(br.Deps{
		Hosts:     dir,
		Sites:     site.NewDiscovery(exec, a.logger),
		CLI:       bench.NewCLI(exec, cfg.Bench.Command, a.logger),
		Transfer:  engine,
		Storage:   a.store,
		Restorer:  bench.NewLocalRestorer(nil, cfg.Bench.Command, a.logger),
		History:   a.history,
		Mirror:    a.mirror,
		Encryptor: a.encryptor,
		Logger:    a.logger,
		Clock:     br.RealClock{},
		IDs:       br.UUIDGenerator{},
	}, br.ServiceOptions{
		Workers:       cfg.Transfer.Workers,
		SearchPaths:   cfg.Bench.SearchPaths,
		EncryptMirror: cfg.Mirror.Encrypt,
	})
	return nil
}

// Context bounds ctx by transfer.timeout_seconds; 0 disables the deadline.
func (a *BRApp) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := a.cfg.Transfer.Timeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// persistOperation gives the operation a history row. Only state-changing
// commands call it.
func (a *BRApp) persistOperation() error {
	if a.op.Persisted() {
		return nil
	}
	id, err := a.history.StartOperation(a.op.Name, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = id
	a.service.SetOperation(id)
	return nil
}

// mutating runs fn as part of the persisted operation and folds its result
// into the operation status.
func (a *BRApp) mutating(fn func() error) error {
	if err := a.persistOperation(); err != nil {
		return err
	}
	err := fn()
	a.op.Observe(err)
	return err
}

func (a *BRApp) Hosts() []br.HostEntry { return a.service.ListHosts() }

func (a *BRApp) FindBenches(ctx context.Context, host string) ([]string, error) {
	return a.service.FindBenches(ctx, host)
}

func (a *BRApp) ListSites(ctx context.Context, host, benchPath string) ([]*br.SiteInfo, error) {
	return a.service.ListSites(ctx, host, benchPath)
}

func (a *BRApp) ListRemoteSets(ctx context.Context, host, benchPath, siteName string) ([]*br.BackupSet, error) {
	return a.service.ListRemoteSets(ctx, host, benchPath, siteName)
}

// CreateBackup runs bench backup with the given scope ("db", "files" or "full").
func (a *BRApp) CreateBackup(ctx context.Context, host, benchPath, siteName, scope string) (*br.BackupSet, error) {
	var set *br.BackupSet
	err := a.mutating(func() (err error) {
		set, err = a.service.CreateBackup(ctx, host, benchPath, siteName, br.BackupScope(scope))
		return err
	})
	return set, err
}

// DeleteRemoteSet deletes the remote set with timestamp ("latest" allowed).
func (a *BRApp) DeleteRemoteSet(ctx context.Context, host, benchPath, siteName, timestamp string) ([]string, error) {
	var deleted []string
	err := a.mutating(func() error {
		set, err := a.service.FindRemoteSet(ctx, host, benchPath, siteName, timestamp)
		if err != nil {
			return err
		}
		deleted, err = a.service.DeleteRemoteSet(ctx, host, set)
		return err
	})
	return deleted, err
}

func (a *BRApp) VerifyRemoteSet(ctx context.Context, host, benchPath, siteName, timestamp string) (*br.BackupSet, []br.VerifyResult, error) {
	set, err := a.service.FindRemoteSet(ctx, host, benchPath, siteName, timestamp)
	if err != nil {
		return nil, nil, err
	}
	results, err := a.service.VerifyRemoteSet(ctx, host, set)
	return set, results, err
}

// Download fetches the remote set with timestamp into local storage.
func (a *BRApp) Download(ctx context.Context, host, benchPath, siteName, timestamp string, opts br.DownloadOptions) (*br.BackupSet, []string, error) {
	var (
		set   *br.BackupSet
		paths []string
	)
	err := a.mutating(func() (err error) {
		if set, err = a.service.FindRemoteSet(ctx, host, benchPath, siteName, timestamp); err != nil {
			return err
		}
		paths, err = a.service.DownloadSet(ctx, host, set, opts)
		return err
	})
	return set, paths, err
}

// Upload copies a local file to host. rawPath is resolved against the
// working directory.
func (a *BRApp) Upload(ctx context.Context, host, rawPath, remotePath string, observer br.ProgressObserver) error {
	local, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	return a.mutating(func() error {
		return a.service.UploadFile(ctx, host, local, remotePath, observer)
	})
}

func (a *BRApp) ListLocalSets() ([]*br.BackupSet, error) { return a.service.ListLocalSets() }

// StorageRoot is the local download directory.
func (a *BRApp) StorageRoot() string { return a.store.Root() }

// CleanupLocal keeps the newest keep sets; keep < 0 uses storage.keep_latest.
func (a *BRApp) CleanupLocal(keep int) ([]string, error) {
	if keep < 0 {
		keep = a.cfg.Storage.KeepLatest
	}
	var removed []string
	err := a.mutating(func() (err error) {
		removed, err = a.service.CleanupLocal(keep)
		return err
	})
	return removed, err
}

// Restore restores a local set. An empty BenchPath or MariaDBRootUser falls
// back to the [bench] config.
func (a *BRApp) Restore(ctx context.Context, timestamp string, req br.RestoreRequest) error {
	if req.BenchPath == "" {
		req.BenchPath = a.cfg.Bench.LocalBenchPath
	}
	if req.BenchPath == "" {
		return errors.New("no bench path given and bench.local_bench_path is not set")
	}
	if req.MariaDBRootUser == "" {
		req.MariaDBRootUser = a.cfg.Bench.MariaDBRootUsername
	}
	return a.mutating(func() error {
		return a.service.Restore(ctx, timestamp, req)
	})
}

func (a *BRApp) MirrorPush(ctx context.Context, timestamp string) ([]string, error) {
	var keys []string
	err := a.mutating(func() (err error) {
		keys, err = a.service.MirrorSet(ctx, timestamp)
		return err
	})
	return keys, err
}

func (a *BRApp) MirrorPull(ctx context.Context, timestamp, passphrase string) ([]string, error) {
	var paths []string
	err := a.mutating(func() (err error) {
		paths, err = a.service.PullSet(ctx, timestamp, passphrase)
		return err
	})
	return paths, err
}

func (a *BRApp) MirrorList(ctx context.Context) ([]*br.MirroredSet, error) {
	return a.service.ListMirroredSets(ctx)
}

// MirrorNeedsPassphrase reports whether pulling timestamp will have to
// unlock the private key.
func (a *BRApp) MirrorNeedsPassphrase(ctx context.Context, timestamp string) (bool, error) {
	sets, err := a.service.ListMirroredSets(ctx)
	if err != nil {
		return false, err
	}
	for i, s := range sets {
		if s.Timestamp == timestamp || (i == 0 && (timestamp == "" || timestamp == br.Latest)) {
			return s.Encrypted, nil
		}
	}
	return false, nil
}

// SetupKeys generates the age key pair protected by passphrase.
func (a *BRApp) SetupKeys(passphrase string) error {
	return a.encryptor.Setup(passphrase)
}

func (a *BRApp) Operations(limit int) ([]*br.OperationRecord, error) {
	return a.service.Operations(limit)
}

func (a *BRApp) Transfers(limit int) ([]*br.TransferRecord, error) {
	return a.service.Transfers(limit)
}

// Close finalizes the operation and releases every resource. A persisted
// operation is finished in history and, with a mirror configured, the
// history database is snapshotted to the mirror.
func (a *BRApp) Close() error {
	var errs []error

	if a.op.Persisted() && a.history != nil {
		if err := a.history.FinishOperation(a.op.ID, a.op.Status); err != nil {
			errs = append(errs, fmt.Errorf("finishing operation: %w", err))
		}
		if a.mirror != nil {
			if err := a.uploadHistory(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *BRApp) closeResources() error {
	var errs []error
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connections: %w", err))
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing history: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}

// uploadHistory snapshots the history database to a temp file and puts it
// at br.MirrorHistory.
func (a *BRApp) uploadHistory() error {
	tmpDir, err := os.MkdirTemp("", "frappebr-history-*")
	if err != nil {
		return fmt.Errorf("creating temp dir for history snapshot: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, history.FileName)
	if err := a.history.BackupTo(snapshot); err != nil {
		return fmt.Errorf("snapshotting history: %w", err)
	}
	f, err := os.Open(snapshot)
	if err != nil {
		return fmt.Errorf("opening history snapshot: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat history snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := a.mirror.Put(ctx, br.MirrorHistory, f, info.Size()); err != nil {
		return fmt.Errorf("uploading history to mirror: %w", err)
	}
	a.logger.Info("history uploaded to mirror", "mirror", a.mirror.Name(), "bytes", info.Size())
	return nil
}

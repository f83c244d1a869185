package br

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Latest selects the newest set wherever a timestamp is expected.
const Latest = "latest"

// Deps are the collaborators of BRService. Mirror and Encryptor may be nil
// when no mirror is configured.
type Deps struct {
	Hosts     HostDirectory
	Sites     SiteDiscoverer
	CLI       BackupCLI
	Transfer  Transferer
	Storage   LocalStorage
	Restorer  Restorer
	History   History
	Mirror    Mirror
	Encryptor Encryptor
	Logger    Logger
	Clock     Clock
	IDs       IDGenerator
}

// ServiceOptions carries the settings BRService needs from config.
type ServiceOptions struct {
	Workers       int
	SearchPaths   []string
	EncryptMirror bool
}

// BRService coordinates discovery, transfer, restore and mirroring for the
// CLI. It holds no per-call state besides the current operation ID.
type BRService struct {
	d    Deps
	opts ServiceOptions
	opID atomic.Int64
}

func NewBRService(d Deps, opts ServiceOptions) *BRService {
	if d.Logger == nil {
		d.Logger = NewNopLogger()
	}
	if d.Clock == nil {
		d.Clock = RealClock{}
	}
	if d.IDs == nil {
		d.IDs = UUIDGenerator{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &BRService{d: d, opts: opts}
}

// SetOperation links subsequent transfer records to a history operation.
func (s *BRService) SetOperation(id int64) { s.opID.Store(id) }

func (s *BRService) ListHosts() []HostEntry {
	return s.d.Hosts.Hosts()
}

func (s *BRService) FindBenches(ctx context.Context, host string) ([]string, error) {
	return s.d.Sites.FindBenches(ctx, host, s.opts.SearchPaths)
}

func (s *BRService) ListSites(ctx context.Context, host, benchPath string) ([]*SiteInfo, error) {
	return s.d.Sites.ListSites(ctx, host, benchPath)
}

// ListRemoteSets lists the backup sets of site, newest first.
func (s *BRService) ListRemoteSets(ctx context.Context, host, benchPath, site string) ([]*BackupSet, error) {
	records, err := s.d.CLI.ListBackups(ctx, host, benchPath, site)
	if err != nil {
		return nil, err
	}
	return GroupIntoSets(records), nil
}

// FindRemoteSet returns the set with timestamp, or the newest one for
// Latest or "".
func (s *BRService) FindRemoteSet(ctx context.Context, host, benchPath, site, timestamp string) (*BackupSet, error) {
	sets, err := s.ListRemoteSets(ctx, host, benchPath, site)
	if err != nil {
		return nil, err
	}
	return pickSet(sets, timestamp, fmt.Sprintf("%s on %s", site, host))
}

func pickSet(sets []*BackupSet, timestamp, where string) (*BackupSet, error) {
	if len(sets) == 0 {
		return nil, fmt.Errorf("no backups of %s", where)
	}
	if timestamp == "" || timestamp == Latest {
		return sets[0], nil
	}
	for _, set := range sets {
		if set.Timestamp == timestamp {
			return set, nil
		}
	}
	return nil, fmt.Errorf("no backup set %s for %s", timestamp, where)
}

// CreateBackup runs a new bench backup and returns the set it produced.
func (s *BRService) CreateBackup(ctx context.Context, host, benchPath, site string, scope BackupScope) (*BackupSet, error) {
	names, err := s.d.CLI.CreateBackup(ctx, host, benchPath, site, scope)
	if err != nil {
		return nil, fmt.Errorf("creating backup of %s: %w", site, err)
	}
	sets, err := s.ListRemoteSets(ctx, host, benchPath, site)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if ts := TimestampToken(name); ts != "" {
			if set, err := pickSet(sets, ts, site); err == nil {
				return set, nil
			}
		}
	}
	s.d.Logger.Warn("created backup not matched by name, using newest set", "site", site, "reported", strings.Join(names, ","))
	return pickSet(sets, Latest, site)
}

// DeleteRemoteSet removes every file of the set and returns their names.
func (s *BRService) DeleteRemoteSet(ctx context.Context, host string, set *BackupSet) ([]string, error) {
	var deleted []string
	for _, f := range set.Files {
		if err := s.d.CLI.DeleteBackup(ctx, host, f); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", f.Filename, err)
		}
		deleted = append(deleted, f.Filename)
	}
	s.d.Logger.Info("deleted remote set", "host", host, "set", set.Timestamp, "files", len(deleted))
	return deleted, nil
}

// VerifyResult is the integrity check outcome of one remote artifact.
type VerifyResult struct {
	Filename string
	OK       bool
}

func (s *BRService) VerifyRemoteSet(ctx context.Context, host string, set *BackupSet) ([]VerifyResult, error) {
	results := make([]VerifyResult, 0, len(set.Files))
	for _, f := range set.Files {
		ok, err := s.d.CLI.VerifyBackup(ctx, host, f)
		if err != nil {
			return results, err
		}
		results = append(results, VerifyResult{Filename: f.Filename, OK: ok})
	}
	return results, nil
}

// DownloadOptions controls DownloadSet.
type DownloadOptions struct {
	// Fresh discards partial local files instead of resuming them.
	Fresh bool
	// Verify compares the md5 of each local file with the remote one.
	Verify bool
	// Observer returns the progress observer for one artifact; may be nil.
	Observer func(record *BackupRecord) ProgressObserver
}

// DownloadSet fetches every artifact of set into local storage, at most
// Workers at a time. A failed artifact does not stop the others; the
// returned paths cover the artifacts that succeeded and err joins the
// failures.
func (s *BRService) DownloadSet(ctx context.Context, host string, set *BackupSet, opts DownloadOptions) ([]string, error) {
	if set == nil || len(set.Files) == 0 {
		return nil, errors.New("backup set is empty")
	}

	paths := make([]string, len(set.Files))
	errs := make([]error, len(set.Files))
	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, f := range set.Files {
		g.Go(func() error {
			paths[i], errs[i] = s.downloadOne(ctx, host, f, opts)
			return nil
		})
	}
	g.Wait()

	var ok []string
	for _, p := range paths {
		if p != "" {
			ok = append(ok, p)
		}
	}
	return ok, errors.Join(errs...)
}

func (s *BRService) downloadOne(ctx context.Context, host string, f *BackupRecord, opts DownloadOptions) (string, error) {
	local := s.d.Storage.Path(f.Filename)
	rec := s.newTransfer(DirectionDownload, host, f.Filepath, local, f.SizeBytes)

	var observer ProgressObserver
	if opts.Observer != nil {
		observer = opts.Observer(f)
	}
	tracker := &progressTracker{next: observer}

	var (
		path string
		err  error
	)
	if opts.Fresh {
		if rmErr := os.Remove(local); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("discarding %s: %w", local, rmErr)
		} else {
			path, err = s.d.Transfer.Download(ctx, host, f, "", tracker)
		}
	} else {
		path, err = s.d.Transfer.Resume(ctx, host, f, local, tracker)
	}
	if err == nil && opts.Verify {
		err = s.verifyChecksum(ctx, host, f, path)
	}

	rec.Transferred = tracker.transferred(f.SizeBytes, err)
	s.finishTransfer(rec, err)
	return path, err
}

func (s *BRService) verifyChecksum(ctx context.Context, host string, f *BackupRecord, local string) error {
	remote, err := s.d.CLI.Checksum(ctx, host, f.Filepath)
	if err != nil {
		return fmt.Errorf("remote checksum of %s: %w", f.Filename, err)
	}
	got, err := s.d.Transfer.ContentHash(local, "md5")
	if err != nil {
		return fmt.Errorf("local checksum of %s: %w", f.Filename, err)
	}
	if got != remote {
		return &TransferError{
			Kind:        ErrVerificationFailed,
			Artifact:    f.Filename,
			Transferred: f.SizeBytes,
			Attempts:    1,
			Err:         fmt.Errorf("md5 %s locally, %s remotely", got, remote),
		}
	}
	f.ContentHash = got
	return nil
}

// UploadFile copies a local file to remotePath on host.
func (s *BRService) UploadFile(ctx context.Context, host, localPath, remotePath string, observer ProgressObserver) error {
	var size int64
	if info, err := os.Stat(localPath); err == nil {
		size = info.Size()
	}
	rec := s.newTransfer(DirectionUpload, host, remotePath, localPath, size)
	tracker := &progressTracker{next: observer}
	err := s.d.Transfer.Upload(ctx, host, localPath, remotePath, tracker)
	rec.Transferred = tracker.transferred(size, err)
	s.finishTransfer(rec, err)
	return err
}

func (s *BRService) newTransfer(direction, host, remotePath, localPath string, size int64) *TransferRecord {
	return &TransferRecord{
		ID:          s.d.IDs.New(),
		OperationID: s.opID.Load(),
		Direction:   direction,
		Host:        host,
		RemotePath:  remotePath,
		LocalPath:   localPath,
		SizeBytes:   size,
		StartedAt:   s.d.Clock.Now(),
	}
}

func (s *BRService) finishTransfer(rec *TransferRecord, err error) {
	rec.FinishedAt = s.d.Clock.Now()
	switch {
	case err == nil:
		rec.Status = StatusSuccess
	case IsCancelled(err):
		rec.Status = StatusCancelled
		rec.Error = err.Error()
	default:
		rec.Status = StatusFailed
		rec.Error = err.Error()
	}
	if s.d.History == nil {
		return
	}
	if herr := s.d.History.RecordTransfer(rec); herr != nil {
		s.d.Logger.Warn("recording transfer", "id", rec.ID, "error", herr)
	}
}

// progressTracker remembers how far a transfer got for the history row.
type progressTracker struct {
	next ProgressObserver
	last atomic.Int64
}

func (t *progressTracker) OnProgress(p *Progress) {
	t.last.Store(p.Transferred())
	if t.next != nil {
		t.next.OnProgress(p)
	}
}

func (t *progressTracker) transferred(size int64, err error) int64 {
	if err == nil {
		return size
	}
	var te *TransferError
	if errors.As(err, &te) && te.Transferred > t.last.Load() {
		return te.Transferred
	}
	return t.last.Load()
}

// ListLocalSets returns the sets in local storage, newest first.
func (s *BRService) ListLocalSets() ([]*BackupSet, error) {
	byTS, err := s.d.Transfer.ListLocalSets()
	if err != nil {
		return nil, err
	}
	return sortSets(byTS), nil
}

func sortSets(byTS map[string]*BackupSet) []*BackupSet {
	sets := make([]*BackupSet, 0, len(byTS))
	for _, set := range byTS {
		sets = append(sets, set)
	}
	sort.SliceStable(sets, func(i, j int) bool {
		if !sets[i].CreatedAt.Equal(sets[j].CreatedAt) {
			return sets[i].CreatedAt.After(sets[j].CreatedAt)
		}
		return sets[i].Timestamp > sets[j].Timestamp
	})
	return sets
}

// FindLocalSet returns the local set with timestamp, or the newest.
func (s *BRService) FindLocalSet(timestamp string) (*BackupSet, error) {
	sets, err := s.ListLocalSets()
	if err != nil {
		return nil, err
	}
	return pickSet(sets, timestamp, "local storage")
}

// CleanupLocal keeps the newest keep sets and removes the rest.
func (s *BRService) CleanupLocal(keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	return s.d.Storage.Cleanup(keep)
}

// Restore restores the local set with timestamp into req's bench and site.
func (s *BRService) Restore(ctx context.Context, timestamp string, req RestoreRequest) error {
	set, err := s.FindLocalSet(timestamp)
	if err != nil {
		return err
	}
	req.Set = set
	return s.d.Restorer.Restore(ctx, req)
}

func (s *BRService) requireMirror() error {
	if s.d.Mirror == nil {
		return errors.New("no mirror configured")
	}
	return nil
}

// MirrorSet uploads a local set to the mirror and returns the keys written.
// With EncryptMirror each artifact is sealed for the configured public key.
func (s *BRService) MirrorSet(ctx context.Context, timestamp string) ([]string, error) {
	if err := s.requireMirror(); err != nil {
		return nil, err
	}
	encrypt := s.opts.EncryptMirror
	if encrypt && (s.d.Encryptor == nil || !s.d.Encryptor.IsConfigured()) {
		return nil, errors.New("mirror encryption enabled but no keys are set up (run keys init)")
	}
	set, err := s.FindLocalSet(timestamp)
	if err != nil {
		return nil, err
	}

	var keys []string
	for _, f := range set.Files {
		key := MirrorSetKey(set.Timestamp, f.Filename, encrypt)
		if err := s.putArtifact(ctx, key, f, encrypt); err != nil {
			return keys, fmt.Errorf("mirroring %s: %w", f.Filename, err)
		}
		keys = append(keys, key)
	}
	s.d.Logger.Info("mirrored set", "set", set.Timestamp, "mirror", s.d.Mirror.Name(), "files", len(keys), "encrypted", encrypt)
	return keys, nil
}

func (s *BRService) putArtifact(ctx context.Context, key string, f *BackupRecord, encrypt bool) error {
	src, err := os.Open(f.Filepath)
	if err != nil {
		return err
	}
	defer src.Close()

	if !encrypt {
		return s.d.Mirror.Put(ctx, key, src, f.SizeBytes)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.d.Encryptor.Encrypt(src, pw))
	}()
	err = s.d.Mirror.Put(ctx, key, pr, -1)
	pr.CloseWithError(errors.New("upload finished"))
	return err
}

// PullSet copies a mirrored set back into local storage, decrypting sealed
// artifacts with the private key unlocked by passphrase.
func (s *BRService) PullSet(ctx context.Context, timestamp, passphrase string) ([]string, error) {
	if err := s.requireMirror(); err != nil {
		return nil, err
	}
	sets, err := s.ListMirroredSets(ctx)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, errors.New("mirror holds no sets")
	}
	var ms *MirroredSet
	if timestamp == "" || timestamp == Latest {
		ms = sets[0]
	}
	for _, candidate := range sets {
		if candidate.Timestamp == timestamp {
			ms = candidate
		}
	}
	if ms == nil {
		return nil, fmt.Errorf("no mirrored set %s", timestamp)
	}

	var dec DecryptionContext
	if ms.Encrypted {
		if s.d.Encryptor == nil {
			return nil, errors.New("set is encrypted but no encryption is configured")
		}
		if dec, err = s.d.Encryptor.Unlock(passphrase); err != nil {
			return nil, fmt.Errorf("unlocking private key: %w", err)
		}
	}

	var paths []string
	for _, key := range ms.Keys {
		_, name, encrypted, _ := ParseMirrorSetKey(key)
		p, err := s.pullArtifact(ctx, key, name, encrypted, dec)
		if err != nil {
			return paths, fmt.Errorf("pulling %s: %w", name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (s *BRService) pullArtifact(ctx context.Context, key, name string, encrypted bool, dec DecryptionContext) (string, error) {
	dest := s.d.Storage.Path(name)
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmp)
		}
	}()

	if encrypted {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(s.d.Mirror.Get(ctx, key, pw))
		}()
		err = dec.Decrypt(pr, out)
		pr.CloseWithError(errors.New("decrypt finished"))
	} else {
		err = s.d.Mirror.Get(ctx, key, out)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", err
	}
	ok = true
	return dest, nil
}

// MirroredSet is one set as found in the mirror.
type MirroredSet struct {
	Timestamp string
	Files     []string
	Keys      []string
	Encrypted bool
}

// ListMirroredSets groups mirror keys by set timestamp, newest first.
func (s *BRService) ListMirroredSets(ctx context.Context) ([]*MirroredSet, error) {
	if err := s.requireMirror(); err != nil {
		return nil, err
	}
	keys, err := s.d.Mirror.List(ctx, MirrorSetPrefix)
	if err != nil {
		return nil, err
	}
	byTS := make(map[string]*MirroredSet)
	var order []string
	for _, key := range keys {
		ts, name, encrypted, ok := ParseMirrorSetKey(key)
		if !ok {
			continue
		}
		ms := byTS[ts]
		if ms == nil {
			ms = &MirroredSet{Timestamp: ts}
			byTS[ts] = ms
			order = append(order, ts)
		}
		ms.Files = append(ms.Files, name)
		ms.Keys = append(ms.Keys, key)
		ms.Encrypted = ms.Encrypted || encrypted
	}
	sort.Sort(sort.Reverse(sort.StringSlice(order)))
	out := make([]*MirroredSet, len(order))
	for i, ts := range order {
		out[i] = byTS[ts]
	}
	return out, nil
}

// Operations returns the newest history operations.
func (s *BRService) Operations(limit int) ([]*OperationRecord, error) {
	return s.d.History.ListOperations(limit)
}

// Transfers returns the newest transfer records.
func (s *BRService) Transfers(limit int) ([]*TransferRecord, error) {
	return s.d.History.ListTransfers(limit)
}

// lockedObservers is used by callers that render several concurrent
// transfers; each OnProgress runs under one lock.
type lockedObservers struct {
	mu   sync.Mutex
	next ProgressObserver
}

// SerializeObserver wraps next so concurrent workers never call it at once.
func SerializeObserver(next ProgressObserver) ProgressObserver {
	return &lockedObservers{next: next}
}

func (l *lockedObservers) OnProgress(p *Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next.OnProgress(p)
}

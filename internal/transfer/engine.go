// Package transfer moves backup artifacts between remote hosts and the local
// storage root in fixed-size chunks, with byte-range resume, fixed-delay
// retries and size verification after every attempt.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/storage"
)

const (
	// DefaultChunkSize is the read and write unit of a transfer.
	DefaultChunkSize = 32 * 1024
	// DefaultMaxAttempts counts the first try.
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the fixed wait between attempts.
	DefaultRetryDelay = 5 * time.Second
)

// Options tunes the engine. Zero values fall back to the defaults, except
// RetryDelay where zero means no wait.
type Options struct {
	ChunkSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultOptions returns 32 KiB chunks, 3 attempts and a 5s delay.
func DefaultOptions() Options {
	return Options{
		ChunkSize:   DefaultChunkSize,
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
	}
}

// Engine runs one transfer at a time per call; callers that want parallel
// transfers run several calls on their own goroutines.
type Engine struct {
	remote br.RemoteExecutor
	store  br.LocalStorage
	opts   Options
	logger br.Logger
	clock  br.Clock
}

var _ br.Transferer = (*Engine)(nil)

// NewEngine creates an engine writing downloads into store.
func NewEngine(remote br.RemoteExecutor, store br.LocalStorage, opts Options, logger br.Logger, clock br.Clock) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if logger == nil {
		logger = br.NewNopLogger()
	}
	if clock == nil {
		clock = br.RealClock{}
	}
	return &Engine{
		remote: remote,
		store:  store,
		opts:   opts,
		logger: logger,
		clock:  clock,
	}
}

// Download fetches record into the storage root under localName (the
// record's filename when empty). A local file whose size already equals
// record.SizeBytes is returned untouched. Failed attempts delete the partial
// file and start over; a cancelled download leaves it for Resume.
func (e *Engine) Download(ctx context.Context, host string, record *br.BackupRecord, localName string, observer br.ProgressObserver) (string, error) {
	name := localName
	if name == "" {
		name = record.Filename
	}
	target := e.store.Path(name)

	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() && info.Size() == record.SizeBytes {
		e.logger.Debug("already downloaded", "file", record.Filename, "path", target)
		return target, nil
	}
	return e.download(ctx, host, record, target, observer)
}

func (e *Engine) download(ctx context.Context, host string, record *br.BackupRecord, target string, observer br.ProgressObserver) (string, error) {
	remoteSize, err := e.remote.FileSize(ctx, host, record.Filepath)
	if err != nil {
		return "", &br.TransferError{Kind: br.ErrSizeUnavailable, Artifact: record.Filename, Err: err}
	}

	progress := br.NewProgress(record.Filename, remoteSize, e.clock, observer)
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		err := e.fetch(ctx, host, record.Filepath, target, 0, remoteSize, progress)
		if err == nil {
			e.logger.Info("download complete", "file", record.Filename, "bytes", remoteSize, "attempt", attempt)
			return target, nil
		}
		if errors.Is(err, br.ErrCancelled) {
			return "", e.cancelled(record.Filename, progress, attempt, err)
		}

		lastErr = err
		if rmErr := os.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
			e.logger.Warn("removing partial download", "path", target, "error", rmErr)
		}
		e.logger.Warn("download attempt failed", "file", record.Filename, "attempt", attempt, "error", err)

		if attempt < e.opts.MaxAttempts {
			if err := e.wait(ctx); err != nil {
				return "", e.cancelled(record.Filename, progress, attempt, err)
			}
		}
	}

	return "", &br.TransferError{
		Kind:        br.ErrExhausted,
		Artifact:    record.Filename,
		Transferred: progress.Transferred(),
		Attempts:    e.opts.MaxAttempts,
		Err:         lastErr,
	}
}

// Resume continues a partial download at localPath from its current size.
// A missing localPath is a plain Download to that path. A local file larger
// than the remote one fails with ErrInvalidState and is left untouched.
// Retries continue from wherever the previous attempt stopped, except after a
// failed size check: the bytes that attempt appended are cut off again.
func (e *Engine) Resume(ctx context.Context, host string, record *br.BackupRecord, localPath string, observer br.ProgressObserver) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", localPath, err)
	}

	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return e.download(ctx, host, record, abs, observer)
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", abs, err)
	}
	localSize := info.Size()

	remoteSize, err := e.remote.FileSize(ctx, host, record.Filepath)
	if err != nil {
		return "", &br.TransferError{Kind: br.ErrSizeUnavailable, Artifact: record.Filename, Transferred: localSize, Err: err}
	}
	if localSize > remoteSize {
		return "", invalidState(record.Filename, localSize, remoteSize)
	}
	if localSize == remoteSize {
		e.logger.Debug("nothing to resume", "file", record.Filename, "bytes", localSize)
		return abs, nil
	}

	progress := br.NewProgress(record.Filename, remoteSize, e.clock, observer)
	progress.Seed(localSize)

	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		offset, err := fileSize(abs)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", abs, err)
		}
		if offset > remoteSize {
			return "", invalidState(record.Filename, offset, remoteSize)
		}

		err = e.fetch(ctx, host, record.Filepath, abs, offset, remoteSize, progress)
		if err == nil {
			e.logger.Info("resume complete", "file", record.Filename, "from", localSize, "bytes", remoteSize, "attempt", attempt)
			return abs, nil
		}
		if errors.Is(err, br.ErrCancelled) {
			return "", e.cancelled(record.Filename, progress, attempt, err)
		}

		lastErr = err
		if errors.Is(err, br.ErrVerificationFailed) {
			if terr := os.Truncate(abs, offset); terr != nil {
				return "", fmt.Errorf("dropping bytes of failed attempt on %s: %w", abs, terr)
			}
		}
		e.logger.Warn("resume attempt failed", "file", record.Filename, "attempt", attempt, "offset", offset, "error", err)
		if attempt < e.opts.MaxAttempts {
			if err := e.wait(ctx); err != nil {
				return "", e.cancelled(record.Filename, progress, attempt, err)
			}
		}
	}

	return "", &br.TransferError{
		Kind:        br.ErrExhausted,
		Artifact:    record.Filename,
		Transferred: progress.Transferred(),
		Attempts:    e.opts.MaxAttempts,
		Err:         lastErr,
	}
}

// Upload copies localPath to remotePath on host, creating missing remote
// directories first. The remote size is checked against the local size
// taken before the transfer. A cancelled upload leaves a partial remote file.
func (e *Engine) Upload(ctx context.Context, host, localPath, remotePath string, observer br.ProgressObserver) error {
	name := filepath.Base(localPath)
	info, err := os.Stat(localPath)
	if err != nil {
		return &br.TransferError{Kind: br.ErrSizeUnavailable, Artifact: name, Err: err}
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", localPath)
	}
	size := info.Size()

	if err := e.remote.EnsureDirectory(ctx, host, path.Dir(remotePath)); err != nil {
		return fmt.Errorf("creating remote directory for %s: %w", remotePath, err)
	}

	progress := br.NewProgress(name, size, e.clock, observer)
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		err := e.push(ctx, host, localPath, remotePath, size, progress)
		if err == nil {
			e.logger.Info("upload complete", "file", name, "remote", remotePath, "bytes", size, "attempt", attempt)
			return nil
		}
		if errors.Is(err, br.ErrCancelled) {
			return e.cancelled(name, progress, attempt, err)
		}

		lastErr = err
		e.logger.Warn("upload attempt failed", "file", name, "attempt", attempt, "error", err)
		if attempt < e.opts.MaxAttempts {
			if err := e.wait(ctx); err != nil {
				return e.cancelled(name, progress, attempt, err)
			}
		}
	}

	return &br.TransferError{
		Kind:        br.ErrExhausted,
		Artifact:    name,
		Transferred: progress.Transferred(),
		Attempts:    e.opts.MaxAttempts,
		Err:         lastErr,
	}
}

// ListLocalSets scans the storage root.
func (e *Engine) ListLocalSets() (map[string]*br.BackupSet, error) {
	return e.store.ScanSets()
}

// ContentHash hashes a local file; algo defaults to md5.
func (e *Engine) ContentHash(path, algo string) (string, error) {
	return storage.ContentHash(path, algo)
}

// fetch streams remotePath from offset into target and verifies the result.
func (e *Engine) fetch(ctx context.Context, host, remotePath, target string, offset, remoteSize int64, progress *br.Progress) error {
	src, err := e.remote.OpenReadStream(ctx, host, remotePath, offset)
	if err != nil {
		return fmt.Errorf("opening remote %s: %w", remotePath, err)
	}
	defer src.Close()

	flag := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flag |= os.O_TRUNC
	} else {
		flag |= os.O_APPEND
	}
	dst, err := os.OpenFile(target, flag, 0644)
	if err != nil {
		return fmt.Errorf("opening local %s: %w", target, err)
	}

	copyErr := e.copyChunks(ctx, dst, src, offset, progress)
	closeErr := dst.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing local %s: %w", target, closeErr)
	}

	got, err := fileSize(target)
	if err != nil {
		return fmt.Errorf("%w: %v", br.ErrVerificationFailed, err)
	}
	if got != remoteSize {
		return fmt.Errorf("%w: local size %d, remote size %d", br.ErrVerificationFailed, got, remoteSize)
	}
	return nil
}

// push streams localPath into a fresh remotePath and verifies the remote size.
func (e *Engine) push(ctx context.Context, host, localPath, remotePath string, size int64, progress *br.Progress) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local %s: %w", localPath, err)
	}
	defer src.Close()

	dst, err := e.remote.OpenWriteStream(ctx, host, remotePath)
	if err != nil {
		return fmt.Errorf("opening remote %s: %w", remotePath, err)
	}

	copyErr := e.copyChunks(ctx, dst, src, 0, progress)
	closeErr := dst.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("closing remote %s: %w", remotePath, closeErr)
	}

	got, err := e.remote.FileSize(ctx, host, remotePath)
	if err != nil {
		return fmt.Errorf("%w: %v", br.ErrVerificationFailed, err)
	}
	if got != size {
		return fmt.Errorf("%w: remote size %d, local size %d", br.ErrVerificationFailed, got, size)
	}
	return nil
}

// copyChunks copies src to dst one chunk at a time. pos is the absolute
// position of the first byte. Cancellation is checked before each chunk,
// never in the middle of one.
//
// A retried attempt re-reads bytes an earlier attempt already counted; only
// bytes past the previous high-water mark are credited, so the observer never
// sees the counter go back.
func (e *Engine) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, pos int64, progress *br.Progress) error {
	buf := make([]byte, e.opts.ChunkSize)
	for {
		if progress.CancelRequested() {
			return br.ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", br.ErrCancelled, err)
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing chunk at %d: %w", pos, err)
			}
			pos += int64(n)
			progress.Add(pos - progress.Transferred())
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("reading chunk at %d: %w", pos, readErr)
		}
	}
}

// wait sleeps for the retry delay unless ctx ends first.
func (e *Engine) wait(ctx context.Context) error {
	if e.opts.RetryDelay <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", br.ErrCancelled, err)
		}
		return nil
	}
	t := time.NewTimer(e.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", br.ErrCancelled, ctx.Err())
	case <-t.C:
		return nil
	}
}

func (e *Engine) cancelled(name string, progress *br.Progress, attempts int, cause error) error {
	e.logger.Info("transfer cancelled", "file", name, "bytes", progress.Transferred())
	var err error
	if cause != br.ErrCancelled {
		err = cause
	}
	return &br.TransferError{
		Kind:        br.ErrCancelled,
		Artifact:    name,
		Transferred: progress.Transferred(),
		Attempts:    attempts,
		Err:         err,
	}
}

func invalidState(name string, local, remote int64) error {
	return &br.TransferError{
		Kind:        br.ErrInvalidState,
		Artifact:    name,
		Transferred: local,
		Err:         fmt.Errorf("local file is %d bytes but remote is %d bytes; refusing to truncate", local, remote),
	}
}

func fileSize(p string) (int64, error) {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

package remote

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/sftp"

	"github.com/itsdave-de/frappebr/internal/br"
)

// Executor implements br.RemoteExecutor over pooled SSH connections. Commands
// run through the shell; bytes move over SFTP.
type Executor struct {
	pool   *Pool[*Client]
	logger br.Logger
}

var _ br.RemoteExecutor = (*Executor)(nil)

func NewExecutor(pool *Pool[*Client], logger br.Logger) *Executor {
	if logger == nil {
		logger = br.NewNopLogger()
	}
	return &Executor{pool: pool, logger: logger}
}

func (e *Executor) Execute(ctx context.Context, host, command string) (*br.CommandResult, error) {
	c, err := e.pool.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("remote command", "host", host, "command", command)
	res, err := c.Run(ctx, command)
	if err != nil {
		if ctx.Err() == nil {
			e.pool.Invalidate(host)
		}
		return nil, err
	}
	return res, nil
}

func (e *Executor) FileExists(ctx context.Context, host, path string) (bool, error) {
	res, err := e.Execute(ctx, host, "test -e "+Quote(path))
	if err != nil {
		return false, err
	}
	return res.OK(), nil
}

// FileSize tries GNU stat, then BSD stat.
func (e *Executor) FileSize(ctx context.Context, host, path string) (int64, error) {
	q := Quote(path)
	res, err := e.Execute(ctx, host, fmt.Sprintf("stat -c %%s %s 2>/dev/null || stat -f %%z %s", q, q))
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return 0, fmt.Errorf("stat %s: exit %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stat %s: unexpected output %q", path, res.Stdout)
	}
	return size, nil
}

func (e *Executor) OpenReadStream(ctx context.Context, host, path string, offset int64) (io.ReadCloser, error) {
	c, err := e.sftp(ctx, host)
	if err != nil {
		return nil, err
	}
	f, err := c.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seeking %s to %d: %w", path, offset, err)
		}
	}
	return f, nil
}

func (e *Executor) OpenWriteStream(ctx context.Context, host, path string) (io.WriteCloser, error) {
	c, err := e.sftp(ctx, host)
	if err != nil {
		return nil, err
	}
	f, err := c.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	return f, nil
}

func (e *Executor) EnsureDirectory(ctx context.Context, host, path string) error {
	c, err := e.sftp(ctx, host)
	if err != nil {
		return err
	}
	return ensureDir(c, path)
}

func (e *Executor) sftp(ctx context.Context, host string) (*sftp.Client, error) {
	c, err := e.pool.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	s, err := c.SFTP()
	if err != nil {
		e.pool.Invalidate(host)
		return nil, err
	}
	return s, nil
}

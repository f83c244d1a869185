package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/itsdave-de/frappebr/internal/br"
)

// Client is one SSH connection plus an SFTP subsystem opened on first use.
type Client struct {
	host   string
	ssh    *ssh.Client
	closer io.Closer // agent socket, if any

	mu   sync.Mutex
	sftp *sftp.Client
}

// SFTP returns the connection's SFTP client, starting the subsystem once.
func (c *Client) SFTP() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	s, err := sftp.NewClient(c.ssh)
	if err != nil {
		return nil, fmt.Errorf("starting sftp on %s: %w", c.host, err)
	}
	c.sftp = s
	return s, nil
}

// Run executes command in a new session. A non-zero exit status is reported
// in the result; err is only set when the session itself failed or ctx ended.
func (c *Client) Run(ctx context.Context, command string) (*br.CommandResult, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session on %s: %w", c.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		res := &br.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		return nil, fmt.Errorf("running command on %s: %w", c.host, err)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	c.mu.Unlock()

	err := c.ssh.Close()
	if c.closer != nil {
		c.closer.Close()
	}
	return err
}

package br

import (
	"context"
	"io"
)

// CommandResult is the outcome of a remote shell command. A non-zero
// ExitCode is a result, not an error.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// OK reports a zero exit status.
func (r *CommandResult) OK() bool { return r.ExitCode == 0 }

// RemoteExecutor runs commands and moves bytes on named hosts. Host names are
// connection-directory aliases. Errors mean the transport failed.
type RemoteExecutor interface {
	Execute(ctx context.Context, host, command string) (*CommandResult, error)
	FileExists(ctx context.Context, host, path string) (bool, error)
	// FileSize returns an error when the size cannot be determined.
	FileSize(ctx context.Context, host, path string) (int64, error)
	// OpenReadStream opens path positioned at offset.
	OpenReadStream(ctx context.Context, host, path string, offset int64) (io.ReadCloser, error)
	// OpenWriteStream creates or truncates path.
	OpenWriteStream(ctx context.Context, host, path string) (io.WriteCloser, error)
	// EnsureDirectory creates path and any missing parents.
	EnsureDirectory(ctx context.Context, host, path string) error
}

// HostEntry is one host from the connection directory.
type HostEntry struct {
	Alias         string
	HostName      string
	Port          int
	User          string
	IdentityFiles []string
	HostKeyAlias  string
}

// HostDirectory lists the hosts the operator can connect to.
type HostDirectory interface {
	Hosts() []HostEntry
	Lookup(alias string) HostEntry
}

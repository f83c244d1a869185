package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/itsdave-de/frappebr/internal/br"
)

// Runner runs a local command in dir.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (*br.CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (*br.CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &br.CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}

// LocalRestorer restores downloaded sets into a bench on this machine.
type LocalRestorer struct {
	runner  Runner
	command string
	logger  br.Logger
}

var _ br.Restorer = (*LocalRestorer)(nil)

func NewLocalRestorer(runner Runner, command string, logger br.Logger) *LocalRestorer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if command == "" {
		command = DefaultCommand
	}
	if logger == nil {
		logger = br.NewNopLogger()
	}
	return &LocalRestorer{runner: runner, command: command, logger: logger}
}

// ValidateBench reports whether dir looks like a bench directory.
func ValidateBench(dir string) error {
	for _, p := range []string{"sites", "apps"} {
		info, err := os.Stat(filepath.Join(dir, p))
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%s is not a bench: missing %s/", dir, p)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "sites", "common_site_config.json")); err != nil {
		return fmt.Errorf("%s is not a bench: missing sites/common_site_config.json", dir)
	}
	return nil
}

// Restore runs bench restore with the set's database dump and, when
// present, its public and private file archives.
func (r *LocalRestorer) Restore(ctx context.Context, req br.RestoreRequest) error {
	if req.Set == nil {
		return errors.New("no backup set to restore")
	}
	if req.TargetSite == "" {
		return errors.New("no target site")
	}
	if err := ValidateBench(req.BenchPath); err != nil {
		return err
	}
	db := req.Set.Database()
	if db == nil {
		return fmt.Errorf("set %s has no database backup", req.Set.Timestamp)
	}

	args := []string{"--site", req.TargetSite, "restore", db.Filepath}
	for _, f := range req.Set.Files {
		if f.Type != br.TypeFiles {
			continue
		}
		if f.IsPrivateFiles() {
			args = append(args, "--with-private-files", f.Filepath)
		} else {
			args = append(args, "--with-public-files", f.Filepath)
		}
	}
	if req.MariaDBRootUser != "" {
		args = append(args, "--mariadb-root-username", req.MariaDBRootUser)
	}
	if req.MariaDBRootPasswd != "" {
		args = append(args, "--mariadb-root-password", req.MariaDBRootPasswd)
	}
	if req.Force {
		args = append(args, "--force")
	}

	r.logger.Info("restoring", "set", req.Set.Timestamp, "site", req.TargetSite, "bench", req.BenchPath)
	if err := r.run(ctx, req.BenchPath, args); err != nil {
		return err
	}

	if req.Migrate {
		if err := r.run(ctx, req.BenchPath, []string{"--site", req.TargetSite, "migrate"}); err != nil {
			return fmt.Errorf("restore succeeded but migrate failed: %w", err)
		}
	}
	if err := r.run(ctx, req.BenchPath, []string{"--site", req.TargetSite, "clear-cache"}); err != nil {
		r.logger.Warn("clear-cache failed", "site", req.TargetSite, "error", err)
	}
	return nil
}

func (r *LocalRestorer) run(ctx context.Context, dir string, args []string) error {
	res, err := r.runner.Run(ctx, dir, r.command, args...)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &CommandError{
			Command:  r.command + " " + strings.Join(redact(args), " "),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return nil
}

// redact masks the value following a password flag.
func redact(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i+1 < len(out); i++ {
		if out[i] == "--mariadb-root-password" {
			out[i+1] = "********"
		}
	}
	return out
}

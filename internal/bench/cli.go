// Package bench drives the Frappe bench tool: remotely over a
// br.RemoteExecutor for listing, creating and checking backups, and locally
// through os/exec for restores.
package bench

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/remote"
)

// DefaultCommand is the bench executable looked up on PATH.
const DefaultCommand = "bench"

var backupExtensions = []string{".sql.gz", ".sql", ".tar.gz", ".tgz", ".tar", ".json"}

var (
	configLine   = regexp.MustCompile(`(?m)^\s*Config\s*:\s*(\S+)`)
	databaseLine = regexp.MustCompile(`(?m)^\s*Database\s*:\s*(\S+)`)
	publicLine   = regexp.MustCompile(`(?m)^\s*Public\s*:\s*(\S+)`)
	privateLine  = regexp.MustCompile(`(?m)^\s*Private\s*:\s*(\S+)`)
	md5Hex       = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
)

// CLI implements br.BackupCLI.
type CLI struct {
	remote  br.RemoteExecutor
	command string
	logger  br.Logger
}

var _ br.BackupCLI = (*CLI)(nil)

func NewCLI(remote br.RemoteExecutor, command string, logger br.Logger) *CLI {
	if command == "" {
		command = DefaultCommand
	}
	if logger == nil {
		logger = br.NewNopLogger()
	}
	return &CLI{remote: remote, command: command, logger: logger}
}

// BackupDir is where bench writes backups for site.
func BackupDir(benchPath, site string) string {
	return path.Join(benchPath, "sites", site, "private", "backups")
}

// ListBackups lists the backup artifacts of site in a single round trip.
// A site without a backup directory has no backups.
func (c *CLI) ListBackups(ctx context.Context, host, benchPath, site string) ([]*br.BackupRecord, error) {
	dir := BackupDir(benchPath, site)
	cmd := fmt.Sprintf(`cd %s 2>/dev/null || exit 0; for f in *; do [ -f "$f" ] && printf '%%s\t%%s\n' "$f" "$(stat -c '%%s %%Y' "$f" 2>/dev/null || stat -f '%%z %%m' "$f")"; done; true`, remote.Quote(dir))
	res, err := c.remote.Execute(ctx, host, cmd)
	if err != nil {
		return nil, fmt.Errorf("listing backups of %s on %s: %w", site, host, err)
	}
	if !res.OK() {
		return nil, &CommandError{Command: "list " + dir, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return parseListing(res.Stdout, dir, site, c.logger), nil
}

// parseListing turns "name\tsize mtime" lines into records.
func parseListing(out, dir, site string, logger br.Logger) []*br.BackupRecord {
	var records []*br.BackupRecord
	for _, line := range strings.Split(out, "\n") {
		name, stat, ok := strings.Cut(strings.TrimRight(line, "\r"), "\t")
		if !ok || !isBackupFile(name) {
			continue
		}
		fields := strings.Fields(stat)
		if len(fields) != 2 {
			logger.Debug("skipping listing line", "line", line)
			continue
		}
		size, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		var mtime time.Time
		if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			mtime = time.Unix(secs, 0)
		}
		records = append(records, br.NewBackupRecord(name, path.Join(dir, name), site, size, mtime))
	}
	return records
}

func isBackupFile(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range backupExtensions {
		if strings.HasSuffix(lower, ext) {
			if ext == ".json" {
				return strings.Contains(lower, "config")
			}
			return true
		}
	}
	return false
}

// CreateBackup runs bench backup for site and returns the filenames it
// reported, in config, database, public, private order.
func (c *CLI) CreateBackup(ctx context.Context, host, benchPath, site string, scope br.BackupScope) ([]string, error) {
	args := []string{c.command, "--site", remote.Quote(site), "backup"}
	switch scope {
	case br.ScopeDatabase:
		args = append(args, "--only-db")
	case br.ScopeFiles:
		args = append(args, "--only-files")
	case br.ScopeFull, "":
		args = append(args, "--with-files")
	default:
		return nil, fmt.Errorf("unknown backup scope %q", scope)
	}
	cmd := "cd " + remote.Quote(benchPath) + " && " + strings.Join(args, " ")

	c.logger.Info("creating backup", "host", host, "site", site, "scope", string(scope))
	res, err := c.remote.Execute(ctx, host, cmd)
	if err != nil {
		return nil, fmt.Errorf("running bench backup on %s: %w", host, err)
	}
	if !res.OK() {
		return nil, &CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	names := ParseBackupOutput(res.Stdout)
	if len(names) == 0 {
		c.logger.Warn("bench backup reported no files", "host", host, "site", site)
	}
	return names, nil
}

// ParseBackupOutput extracts artifact filenames from bench backup output.
func ParseBackupOutput(out string) []string {
	var names []string
	for _, re := range []*regexp.Regexp{configLine, databaseLine, publicLine, privateLine} {
		if m := re.FindStringSubmatch(out); m != nil {
			names = append(names, path.Base(m[1]))
		}
	}
	return names
}

func (c *CLI) DeleteBackup(ctx context.Context, host string, record *br.BackupRecord) error {
	cmd := "rm -f " + remote.Quote(record.Filepath)
	res, err := c.remote.Execute(ctx, host, cmd)
	if err != nil {
		return fmt.Errorf("deleting %s on %s: %w", record.Filename, host, err)
	}
	if !res.OK() {
		return &CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// VerifyBackup checks that the artifact exists, is non-empty and passes the
// archive test for its format. A failed check is (false, nil).
func (c *CLI) VerifyBackup(ctx context.Context, host string, record *br.BackupRecord) (bool, error) {
	exists, err := c.remote.FileExists(ctx, host, record.Filepath)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", record.Filename, err)
	}
	if !exists {
		c.logger.Warn("backup file missing", "host", host, "path", record.Filepath)
		return false, nil
	}
	size, err := c.remote.FileSize(ctx, host, record.Filepath)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", record.Filename, err)
	}
	if size == 0 {
		c.logger.Warn("backup file empty", "host", host, "path", record.Filepath)
		return false, nil
	}

	q := remote.Quote(record.Filepath)
	var check string
	switch lower := strings.ToLower(record.Filename); {
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".tgz"):
		check = "gzip -t " + q
	case strings.HasSuffix(lower, ".tar"):
		check = "tar -tf " + q + " >/dev/null"
	default:
		return true, nil
	}
	res, err := c.remote.Execute(ctx, host, check)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", record.Filename, err)
	}
	if !res.OK() {
		c.logger.Warn("backup integrity check failed", "host", host, "path", record.Filepath, "stderr", strings.TrimSpace(res.Stderr))
		return false, nil
	}
	return true, nil
}

// Checksum returns the hex md5 of a remote file, using md5sum or BSD md5.
func (c *CLI) Checksum(ctx context.Context, host, p string) (string, error) {
	q := remote.Quote(p)
	cmd := fmt.Sprintf("md5sum %s 2>/dev/null || md5 -r %s", q, q)
	res, err := c.remote.Execute(ctx, host, cmd)
	if err != nil {
		return "", fmt.Errorf("checksumming %s on %s: %w", p, host, err)
	}
	if !res.OK() {
		return "", &CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 || !md5Hex.MatchString(fields[0]) {
		return "", fmt.Errorf("checksumming %s: unexpected output %q", p, res.Stdout)
	}
	return strings.ToLower(fields[0]), nil
}

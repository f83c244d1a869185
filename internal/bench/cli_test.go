package bench_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/itsdave-de/frappebr/internal/bench"
	"github.com/itsdave-de/frappebr/internal/br"
	"github.com/itsdave-de/frappebr/internal/testutil"
)

const benchPath = "/home/frappe/frappe-bench"

func TestListBackups(t *testing.T) {
	mem := testutil.NewMemoryRemote()
	mem.Respond("prod", "for f in *", 0, strings.Join([]string{
		"20240115_143022-site1_local-database.sql.gz\t1048576 1705329022",
		"20240115_143022-site1_local-files.tar\t2048 1705329023",
		"20240115_143022-site1_local-private-files.tar\t1024 1705329024",
		"20240115_143022-site1_local-site_config_backup.json\t300 1705329022",
		"notes.txt\t10 1705329022",
		"garbage line",
		"",
	}, "\n"), "")

	cli := bench.NewCLI(mem, "", nil)
	records, err := cli.ListBackups(context.Background(), "prod", benchPath, "site1.local")
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("ListBackups() returned %d records, want 4", len(records))
	}

	db := records[0]
	if db.Type != br.TypeDatabase {
		t.Errorf("Type = %q, want database", db.Type)
	}
	if db.SizeBytes != 1048576 {
		t.Errorf("SizeBytes = %d, want 1048576", db.SizeBytes)
	}
	wantPath := benchPath + "/sites/site1.local/private/backups/20240115_143022-site1_local-database.sql.gz"
	if db.Filepath != wantPath {
		t.Errorf("Filepath = %q, want %q", db.Filepath, wantPath)
	}
	if db.SiteName != "site1.local" {
		t.Errorf("SiteName = %q, want site1.local", db.SiteName)
	}
	if db.CreatedAt.Unix() != 1705329022 {
		t.Errorf("CreatedAt = %v, want mtime", db.CreatedAt)
	}
	if !records[2].IsPrivateFiles() {
		t.Error("private archive not recognised")
	}
	if records[3].Type != br.TypeConfig {
		t.Errorf("Type = %q, want config", records[3].Type)
	}

	sets := br.GroupIntoSets(records)
	if len(sets) != 1 || sets[0].Type != br.TypeComplete {
		t.Errorf("GroupIntoSets() = %d sets, want one complete set", len(sets))
	}
}

func TestListBackups_Empty(t *testing.T) {
	mem := testutil.NewMemoryRemote()
	mem.Respond("", "for f in *", 0, "", "")

	records, err := bench.NewCLI(mem, "", nil).ListBackups(context.Background(), "prod", benchPath, "site1.local")
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ListBackups() = %d records, want 0", len(records))
	}
}

func TestCreateBackup(t *testing.T) {
	out := `Backup Summary for site1.local at 2024-01-15 14:30:22.000000

Config  : ./site1.local/private/backups/20240115_143022-site1_local-site_config_backup.json 312.0B
Database: ./site1.local/private/backups/20240115_143022-site1_local-database.sql.gz         1.0MiB
Public  : ./site1.local/private/backups/20240115_143022-site1_local-files.tar               2.0KiB
Private : ./site1.local/private/backups/20240115_143022-site1_local-private-files.tar       1.0KiB
Backup for Site site1.local has been successfully completed with files
`
	tests := []struct {
		scope br.BackupScope
		flag  string
	}{
		{br.ScopeDatabase, "--only-db"},
		{br.ScopeFiles, "--only-files"},
		{br.ScopeFull, "--with-files"},
	}
	for _, tt := range tests {
		t.Run(string(tt.scope), func(t *testing.T) {
			mem := testutil.NewMemoryRemote()
			mem.Respond("prod", "backup", 0, out, "")

			names, err := bench.NewCLI(mem, "", nil).CreateBackup(context.Background(), "prod", benchPath, "site1.local", tt.scope)
			if err != nil {
				t.Fatalf("CreateBackup() error = %v", err)
			}
			if len(names) != 4 {
				t.Fatalf("CreateBackup() = %v, want 4 names", names)
			}
			if names[1] != "20240115_143022-site1_local-database.sql.gz" {
				t.Errorf("names[1] = %q", names[1])
			}

			cmd := mem.Executed[0]
			if !strings.HasPrefix(cmd, "cd '"+benchPath+"' && bench --site 'site1.local' backup") {
				t.Errorf("command = %q", cmd)
			}
			if !strings.HasSuffix(cmd, tt.flag) {
				t.Errorf("command = %q, want suffix %s", cmd, tt.flag)
			}
		})
	}
}

func TestCreateBackup_Failure(t *testing.T) {
	mem := testutil.NewMemoryRemote()
	mem.Respond("prod", "backup", 1, "", "Site not found")

	_, err := bench.NewCLI(mem, "", nil).CreateBackup(context.Background(), "prod", benchPath, "nope", br.ScopeFull)
	var cmdErr *bench.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("CreateBackup() error = %v, want CommandError", err)
	}
	if cmdErr.ExitCode != 1 || cmdErr.Stderr != "Site not found" {
		t.Errorf("CommandError = %+v", cmdErr)
	}
}

func TestCreateBackup_UnknownScope(t *testing.T) {
	mem := testutil.NewMemoryRemote()
	if _, err := bench.NewCLI(mem, "", nil).CreateBackup(context.Background(), "prod", benchPath, "s", "weekly"); err == nil {
		t.Error("CreateBackup() error = nil, want error")
	}
	if len(mem.Executed) != 0 {
		t.Errorf("executed %v, want nothing", mem.Executed)
	}
}

func TestParseBackupOutput_DatabaseOnly(t *testing.T) {
	out := "Config  : ./s/private/backups/a-site_config_backup.json\nDatabase: ./s/private/backups/a-database.sql.gz\n"
	names := bench.ParseBackupOutput(out)
	if len(names) != 2 || names[0] != "a-site_config_backup.json" || names[1] != "a-database.sql.gz" {
		t.Errorf("ParseBackupOutput() = %v", names)
	}
}

func TestDeleteBackup(t *testing.T) {
	mem := testutil.NewMemoryRemote()
	mem.Respond("prod", "rm -f", 0, "", "")
	rec := br.NewBackupRecord("x-database.sql.gz", "/b/it's/x-database.sql.gz", "s", 1, testutil.FixedTime())

	if err := bench.NewCLI(mem, "", nil).DeleteBackup(context.Background(), "prod", rec); err != nil {
		t.Fatalf("DeleteBackup() error = %v", err)
	}
	if got, want := mem.Executed[0], `rm -f '/b/it'"'"'s/x-database.sql.gz'`; got != want {
		t.Errorf("command = %s, want %s", got, want)
	}
}

func TestVerifyBackup(t *testing.T) {
	const dir = "/b/sites/s/private/backups/"
	tests := []struct {
		name     string
		filename string
		content  []byte
		check    string
		exit     int
		want     bool
	}{
		{"gzip ok", "a-database.sql.gz", []byte("x"), "gzip -t", 0, true},
		{"gzip corrupt", "a-database.sql.gz", []byte("x"), "gzip -t", 1, false},
		{"tar ok", "a-files.tar", []byte("x"), "tar -tf", 0, true},
		{"empty", "a-files.tar", []byte{}, "tar -tf", 0, false},
		{"plain sql", "a-database.sql", []byte("x"), "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := testutil.NewMemoryRemote()
			mem.AddFile("prod", dir+tt.filename, tt.content)
			if tt.check != "" {
				mem.Respond("prod", tt.check, tt.exit, "", "bad archive")
			}
			rec := br.NewBackupRecord(tt.filename, dir+tt.filename, "s", int64(len(tt.content)), testutil.FixedTime())

			ok, err := bench.NewCLI(mem, "", nil).VerifyBackup(context.Background(), "prod", rec)
			if err != nil {
				t.Fatalf("VerifyBackup() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("VerifyBackup() = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestVerifyBackup_Missing(t *testing.T) {
	mem := testutil.NewMemoryRemote()
	rec := br.NewBackupRecord("a-database.sql.gz", "/nope/a-database.sql.gz", "s", 1, testutil.FixedTime())
	ok, err := bench.NewCLI(mem, "", nil).VerifyBackup(context.Background(), "prod", rec)
	if err != nil || ok {
		t.Errorf("VerifyBackup() = %v, %v, want false, nil", ok, err)
	}
}

func TestChecksum(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
		err    bool
	}{
		{"md5sum", "D41D8CD98F00B204E9800998ECF8427E  /b/x.sql.gz\n", "d41d8cd98f00b204e9800998ecf8427e", false},
		{"bsd md5 -r", "d41d8cd98f00b204e9800998ecf8427e /b/x.sql.gz\n", "d41d8cd98f00b204e9800998ecf8427e", false},
		{"garbage", "no such file\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := testutil.NewMemoryRemote()
			mem.Respond("prod", "md5", 0, tt.stdout, "")
			got, err := bench.NewCLI(mem, "", nil).Checksum(context.Background(), "prod", "/b/x.sql.gz")
			if (err != nil) != tt.err {
				t.Fatalf("Checksum() error = %v, wantErr %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("Checksum() = %q, want %q", got, tt.want)
			}
		})
	}
}

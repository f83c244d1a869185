package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadWrite(t *testing.T) {
	original := NewConfig("/data/frappebr", "/home/ops")
	original.Mirror = MirrorConfig{Type: "s3", Name: "offsite", S3Bucket: "backups", S3Prefix: "prod", Encrypt: true}
	original.Storage.Ignore = []string{"*.partial", "notes.txt"}
	original.Bench.LocalBenchPath = "/home/ops/frappe-bench"

	var buf bytes.Buffer
	if err := Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.Storage.Root != "/data/frappebr/backups" {
		t.Errorf("Storage.Root = %q", got.Storage.Root)
	}
	if got.Transfer.ChunkSize != 32768 || got.Transfer.MaxAttempts != 3 {
		t.Errorf("Transfer = %+v", got.Transfer)
	}
	if got.Mirror.S3Bucket != "backups" || !got.Mirror.Encrypt {
		t.Errorf("Mirror = %+v", got.Mirror)
	}
	if len(got.Storage.Ignore) != 2 {
		t.Errorf("Storage.Ignore = %v", got.Storage.Ignore)
	}
	if len(got.Bench.SearchPaths) != 8 {
		t.Errorf("len(Bench.SearchPaths) = %d, want 8", len(got.Bench.SearchPaths))
	}
	if got.SSH.KnownHostsPath != "/home/ops/.ssh/known_hosts" || !got.SSH.UseAgent {
		t.Errorf("SSH = %+v", got.SSH)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestRead_Partial(t *testing.T) {
	cfg, err := Read(strings.NewReader(`
log_level = "debug"

[transfer]
workers = 4
`))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Transfer.Workers != 4 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero retry delay", func(c *Config) { c.Transfer.RetryDelaySeconds = 0 }, ""},
		{"chunk size", func(c *Config) { c.Transfer.ChunkSize = 0 }, "chunk_size"},
		{"attempts", func(c *Config) { c.Transfer.MaxAttempts = 0 }, "max_attempts"},
		{"workers", func(c *Config) { c.Transfer.Workers = 0 }, "workers"},
		{"negative delay", func(c *Config) { c.Transfer.RetryDelaySeconds = -1 }, "retry_delay_seconds"},
		{"keep latest", func(c *Config) { c.Storage.KeepLatest = -1 }, "keep_latest"},
		{"hash", func(c *Config) { c.Storage.HashAlgorithm = "crc32" }, "hash_algorithm"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"encrypt without mirror", func(c *Config) { c.Mirror.Encrypt = true }, "mirror.encrypt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("/data", "/home/ops")
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAll(t *testing.T) {
	cfg := NewConfig("/data", "/home/ops")
	cfg.Transfer.ChunkSize = -1
	cfg.Transfer.Workers = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "chunk_size") || !strings.Contains(err.Error(), "workers") {
		t.Errorf("Validate() error = %v, want both problems", err)
	}
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "frappebr.toml")
	cfg := NewConfig("/data", "/home/ops")

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if got.BaseDir != "/data" {
		t.Errorf("BaseDir = %q, want /data", got.BaseDir)
	}

	if err := Init(path, cfg); err == nil {
		t.Error("second Init() error = nil, want already exists")
	}
}

func TestReadFromFile_Missing(t *testing.T) {
	if _, err := ReadFromFile(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("ReadFromFile() error = nil, want error")
	}
}

// Package config reads and writes the frappebr TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the whole frappebr configuration file.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"`
	Storage    StorageConfig    `toml:"storage"`
	Transfer   TransferConfig   `toml:"transfer"`
	SSH        SSHConfig        `toml:"ssh"`
	Bench      BenchConfig      `toml:"bench"`
	Database   DatabaseConfig   `toml:"database"`
	Mirror     MirrorConfig     `toml:"mirror"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// StorageConfig is the local download directory.
type StorageConfig struct {
	Root          string   `toml:"root"`
	Ignore        []string `toml:"ignore"`
	KeepLatest    int      `toml:"keep_latest"`
	HashAlgorithm string   `toml:"hash_algorithm"` // md5, sha1 or sha256
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	ChunkSize         int `toml:"chunk_size"`
	MaxAttempts       int `toml:"max_attempts"`
	RetryDelaySeconds int `toml:"retry_delay_seconds"`
	Workers           int `toml:"workers"`
	TimeoutSeconds    int `toml:"timeout_seconds"` // whole-operation deadline; 0 disables
}

func (t TransferConfig) RetryDelay() time.Duration {
	return time.Duration(t.RetryDelaySeconds) * time.Second
}

func (t TransferConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// SSHConfig points at the OpenSSH files used for connections.
type SSHConfig struct {
	ConfigPath            string   `toml:"config_path"`
	KnownHostsPath        string   `toml:"known_hosts_path"`
	IdentityFiles         []string `toml:"identity_files"`
	UseAgent              bool     `toml:"use_agent"`
	InsecureIgnoreHostKey bool     `toml:"insecure_ignore_host_key"`
	TimeoutSeconds        int      `toml:"timeout_seconds"`
}

func (s SSHConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// BenchConfig describes how bench is invoked remotely and locally.
type BenchConfig struct {
	Command             string   `toml:"command"`
	SearchPaths         []string `toml:"search_paths"`
	LocalBenchPath      string   `toml:"local_bench_path,omitempty"`
	MariaDBRootUsername string   `toml:"mariadb_root_username"`
}

// DatabaseConfig selects the history store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// MirrorConfig selects an off-site copy target. An empty Type disables it.
type MirrorConfig struct {
	Type string `toml:"type"` // "", "memory", "filesystem" or "s3"
	Name string `toml:"name"`

	FSRoot string `toml:"fs_root,omitempty"`

	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	Encrypt bool `toml:"encrypt"`
}

// EncryptionConfig holds the age key pair used for mirrored artifacts.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig returns the default configuration rooted at baseDir. home is
// used for the OpenSSH file locations.
func NewConfig(baseDir, home string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Storage: StorageConfig{
			Root:          filepath.Join(baseDir, "backups"),
			KeepLatest:    5,
			HashAlgorithm: "md5",
		},
		Transfer: TransferConfig{
			ChunkSize:         32 * 1024,
			MaxAttempts:       3,
			RetryDelaySeconds: 5,
			Workers:           1,
			TimeoutSeconds:    3600,
		},
		SSH: SSHConfig{
			ConfigPath:     filepath.Join(home, ".ssh", "config"),
			KnownHostsPath: filepath.Join(home, ".ssh", "known_hosts"),
			UseAgent:       true,
			TimeoutSeconds: 30,
		},
		Bench: BenchConfig{
			Command: "bench",
			SearchPaths: []string{
				"/home/*/frappe-bench",
				"/home/*/frappe-*",
				"/opt/bench/*/frappe-bench",
				"/opt/bench/*/frappe-*",
				"/var/www/*/frappe-bench",
				"/var/www/*/frappe-*",
				"~/frappe-bench",
				"~/frappe-*",
			},
			MariaDBRootUsername: "root",
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Mirror:   MirrorConfig{Name: "offsite"},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "frappebr.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "frappebr.key"),
		},
	}
}

var validHashAlgorithms = map[string]bool{"md5": true, "sha1": true, "sha256": true}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Transfer.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("transfer.chunk_size must be positive, got %d", c.Transfer.ChunkSize))
	}
	if c.Transfer.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("transfer.max_attempts must be at least 1, got %d", c.Transfer.MaxAttempts))
	}
	if c.Transfer.Workers < 1 {
		errs = append(errs, fmt.Errorf("transfer.workers must be at least 1, got %d", c.Transfer.Workers))
	}
	if c.Transfer.RetryDelaySeconds < 0 {
		errs = append(errs, fmt.Errorf("transfer.retry_delay_seconds must not be negative, got %d", c.Transfer.RetryDelaySeconds))
	}
	if c.Transfer.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("transfer.timeout_seconds must not be negative, got %d", c.Transfer.TimeoutSeconds))
	}
	if c.Storage.KeepLatest < 0 {
		errs = append(errs, fmt.Errorf("storage.keep_latest must not be negative, got %d", c.Storage.KeepLatest))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root must be set"))
	}
	if !validHashAlgorithms[c.Storage.HashAlgorithm] {
		errs = append(errs, fmt.Errorf("storage.hash_algorithm %q is not one of md5, sha1, sha256", c.Storage.HashAlgorithm))
	}
	if !validLogLevels[c.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.Mirror.Encrypt && c.Mirror.Type == "" {
		errs = append(errs, errors.New("mirror.encrypt is set but no mirror type is configured"))
	}
	return errors.Join(errs...)
}

// Read decodes a Config from r.
func Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

// Write encodes cfg to w.
func Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// ReadFromFile reads the Config at path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Init writes cfg to path. It refuses to replace an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file can hold S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()
	if err := Write(f, cfg); err != nil {
		return fmt.Errorf("initializing config at %s: %w", path, err)
	}
	return nil
}

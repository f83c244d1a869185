package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Defaults are the paths frappebr uses when the config does not say otherwise.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
	Home       string
}

// GetDefaults resolves the default paths. FRAPPEBR_CONFIG_PATH overrides the
// config file (~/.config/frappebr.toml) and FRAPPEBR_HOME the data directory
// (~/.local/share/frappebr).
func GetDefaults() (Defaults, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Defaults{}, fmt.Errorf("cannot determine home directory: %w", err)
	}

	d := Defaults{
		ConfigPath: os.Getenv("FRAPPEBR_CONFIG_PATH"),
		BaseDir:    os.Getenv("FRAPPEBR_HOME"),
		Home:       home,
	}
	if d.ConfigPath == "" {
		d.ConfigPath = filepath.Join(home, ".config", "frappebr.toml")
	}
	if d.BaseDir == "" {
		d.BaseDir = filepath.Join(home, ".local", "share", "frappebr")
	}
	d.LogDir = filepath.Join(d.BaseDir, "log")
	return d, nil
}

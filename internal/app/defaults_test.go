package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("FRAPPEBR_CONFIG_PATH", "/custom/frappebr.toml")
		t.Setenv("FRAPPEBR_HOME", "/srv/frappebr")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		if d.ConfigPath != "/custom/frappebr.toml" {
			t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, "/custom/frappebr.toml")
		}
		if d.BaseDir != "/srv/frappebr" {
			t.Errorf("BaseDir = %q, want %q", d.BaseDir, "/srv/frappebr")
		}
		if d.LogDir != "/srv/frappebr/log" {
			t.Errorf("LogDir = %q, want %q", d.LogDir, "/srv/frappebr/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("FRAPPEBR_CONFIG_PATH", "")
		t.Setenv("FRAPPEBR_HOME", "")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}
		home, _ := os.UserHomeDir()

		if want := filepath.Join(home, ".config", "frappebr.toml"); d.ConfigPath != want {
			t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, want)
		}
		wantBase := filepath.Join(home, ".local", "share", "frappebr")
		if d.BaseDir != wantBase {
			t.Errorf("BaseDir = %q, want %q", d.BaseDir, wantBase)
		}
		if d.Home != home {
			t.Errorf("Home = %q, want %q", d.Home, home)
		}
	})
}

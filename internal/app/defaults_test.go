package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("PV_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("PV_HOME", "/custom/pv")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if defaults["config_path"] != "/custom/config.toml" {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], "/custom/config.toml")
		}
		if defaults["base_dir"] != "/custom/pv" {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], "/custom/pv")
		}
		if defaults["log_dir"] != "/custom/pv/log" {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], "/custom/pv/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("PV_CONFIG_PATH", "")
		t.Setenv("PV_HOME", "")

		defaults, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "pv.toml")
		if defaults["config_path"] != wantConfig {
			t.Errorf("config_path = %q, want %q", defaults["config_path"], wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "pv")
		if defaults["base_dir"] != wantBase {
			t.Errorf("base_dir = %q, want %q", defaults["base_dir"], wantBase)
		}

		wantLog := filepath.Join(wantBase, "log")
		if defaults["log_dir"] != wantLog {
			t.Errorf("log_dir = %q, want %q", defaults["log_dir"], wantLog)
		}
	})
}

func TestReadPassphrase(t *testing.T) {
	t.Run("from environment", func(t *testing.T) {
		t.Setenv("PV_PASSPHRASE", "hunter2")
		got, err := ReadPassphrase("? ")
		if err != nil || got != "hunter2" {
			t.Errorf("ReadPassphrase() = %q, %v", got, err)
		}
	})

	t.Run("no terminal", func(t *testing.T) {
		t.Setenv("PV_PASSPHRASE", "")
		r, w, err := os.Pipe()
		if err != nil {
			t.Fatal(err)
		}
		defer r.Close()
		defer w.Close()
		stdin := os.Stdin
		os.Stdin = r
		defer func() { os.Stdin = stdin }()

		if _, err := ReadPassphrase("? "); !errors.Is(err, ErrNoPassphrase) {
			t.Errorf("ReadPassphrase() error = %v, want ErrNoPassphrase", err)
		}
	})
}

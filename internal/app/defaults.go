package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - PV_CONFIG_PATH: config file location (default: ~/.config/pv.toml)
//   - PV_HOME: base directory for pv data (default: ~/.local/share/pv)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("PV_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "pv.toml"), nil
}

func getBaseDir() (string, error) {
	if path := os.Getenv("PV_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "pv"), nil
}

// ErrNoPassphrase is returned when the passphrase is neither in PV_PASSPHRASE
// nor can be prompted for.
var ErrNoPassphrase = errors.New("no passphrase: set PV_PASSPHRASE or run from a terminal")

// ReadPassphrase returns PV_PASSPHRASE, or prompts for the passphrase on the
// terminal without echo.
func ReadPassphrase(prompt string) (string, error) {
	if p := os.Getenv("PV_PASSPHRASE"); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", ErrNoPassphrase
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(b) == 0 {
		return "", ErrNoPassphrase
	}
	return string(b), nil
}

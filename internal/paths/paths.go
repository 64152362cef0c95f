// Package paths resolves the configuration directory, the data directory and
// the schema file used by the ledger command.
package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

const appName = "ledger"

// CWD-relative default directory names.
const (
	DefaultConfigDirName = ".ledger"
	DefaultDataDirName   = ".ledger-db"
)

// Environment variable names for overrides.
const (
	EnvConfigDir = "LEDGER_CONFIG_DIR"
	EnvDataDir   = "LEDGER_DATA_DIR"
	EnvSchema    = "LEDGER_SCHEMA"
)

// platformDir holds platform-detection functions that can be overridden in tests.
var platformDir = struct {
	goos          string
	homeDir       func() (string, error)
	userConfigDir func() (string, error)
}{
	goos:          runtime.GOOS,
	homeDir:       os.UserHomeDir,
	userConfigDir: os.UserConfigDir,
}

// DefaultConfigDir returns the platform configuration directory.
//
// Linux:   $XDG_CONFIG_HOME/ledger (fallback ~/.config/ledger)
// macOS:   ~/Library/Application Support/ledger
// Windows: %APPDATA%/ledger
func DefaultConfigDir() (string, error) {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// DefaultDataDir returns the platform data directory.
//
// Linux:   $XDG_DATA_HOME/ledger (fallback ~/.local/share/ledger)
// macOS and Windows: same as DefaultConfigDir.
func DefaultDataDir() (string, error) {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func xdgDir(env, homeRel string) (string, error) {
	if platformDir.goos != "linux" {
		dir, err := platformDir.userConfigDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, appName), nil
	}
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := platformDir.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, homeRel, appName), nil
}

// ResolveConfigDir returns the configuration directory:
// flag > LEDGER_CONFIG_DIR > $(CWD)/.ledger.
func ResolveConfigDir(flag string) (string, error) {
	return resolve(flag, "", EnvConfigDir, DefaultConfigDirName)
}

// ResolveDataDir returns the SQLite data directory:
// flag > config value > LEDGER_DATA_DIR > $(CWD)/.ledger-db.
// ":memory:" is returned unchanged from any source.
func ResolveDataDir(flag, configured string) (string, error) {
	return resolve(flag, configured, EnvDataDir, DefaultDataDirName)
}

// ResolveSchema returns the schema file to load:
// flag > config value > LEDGER_SCHEMA. A relative config value is taken
// relative to configDir. The empty string selects the built-in schema.
func ResolveSchema(flag, configured, configDir string) (string, error) {
	if flag != "" {
		return filepath.Abs(flag)
	}
	if configured != "" {
		if !filepath.IsAbs(configured) {
			configured = filepath.Join(configDir, configured)
		}
		return filepath.Clean(configured), nil
	}
	if env := os.Getenv(EnvSchema); env != "" {
		return filepath.Abs(env)
	}
	return "", nil
}

func resolve(flag, configured, env, defaultName string) (string, error) {
	for _, v := range []string{flag, configured, os.Getenv(env)} {
		switch v {
		case "":
			continue
		case types.InMemory:
			return v, nil
		}
		return filepath.Abs(v)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, defaultName), nil
}

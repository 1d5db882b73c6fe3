// Package paths provides centralized path resolution for tabkeeper's settings and state.
//
// Layout (XDG-style):
//
//	Settings: ~/.config/tabkeeper/settings.yaml  (override: TABKEEPER_CONFIG_DIR)
//	State:    ~/.local/state/tabkeeper/          (override: TABKEEPER_STATE_DIR)
//	Runtime:  /tmp/tabkeeperd-*                  (socket, pidfile, logs)
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var (
	configDirOnce   sync.Once
	configDirCached string

	stateDirOnce   sync.Once
	stateDirCached string
)

func resolve(envVar string, homeRel ...string) string {
	if env := os.Getenv(envVar); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, homeRel...)...)
}

// ConfigDir resolves the config directory.
// Priority: TABKEEPER_CONFIG_DIR env > ~/.config/tabkeeper/
func ConfigDir() string {
	configDirOnce.Do(func() {
		configDirCached = resolve("TABKEEPER_CONFIG_DIR", ".config", "tabkeeper")
	})
	return configDirCached
}

// StateDir resolves the state directory.
// Priority: TABKEEPER_STATE_DIR env > ~/.local/state/tabkeeper/
func StateDir() string {
	stateDirOnce.Do(func() {
		stateDirCached = resolve("TABKEEPER_STATE_DIR", ".local", "state", "tabkeeper")
	})
	return stateDirCached
}

// SettingsPath returns the full path to the persisted policy settings.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.yaml")
}

// StatePath returns the full path to a state entry (e.g. "browser-profile").
func StatePath(name string) string {
	return filepath.Join(StateDir(), name)
}

// EnsureConfigDir creates the config directory if it doesn't exist and returns its path.
func EnsureConfigDir() (string, error) {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", dir, err)
	}
	return dir, nil
}

// EnsureStateDir creates the state directory if it doesn't exist and returns its path.
func EnsureStateDir() (string, error) {
	dir := StateDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return dir, nil
}

// ResetForTest clears cached values so tests can re-run resolution logic.
// Only use in tests.
func ResetForTest() {
	configDirOnce = sync.Once{}
	configDirCached = ""
	stateDirOnce = sync.Once{}
	stateDirCached = ""
}

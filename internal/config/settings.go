// Package config loads the agent's settings file and the models catalog.
// Settings live at ~/.pi/agent/settings.json; the catalog overlays built-in
// model descriptors with entries from ~/.pi/agent/models.{json5,json,yaml}.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/pi/internal/lockfile"
)

const (
	settingsFilename = "settings.json"

	settingsFileMode = 0o600
	settingsDirMode  = 0o700
)

// QueueMode controls how prompts submitted mid-turn are drained once the
// current turn ends.
type QueueMode string

const (
	// QueueModeAll joins every queued prompt into one message.
	QueueModeAll QueueMode = "all"
	// QueueModeOneAtATime dequeues a single prompt per agent run.
	QueueModeOneAtATime QueueMode = "one-at-a-time"
)

// Valid reports whether m is a recognised queue mode.
func (m QueueMode) Valid() bool {
	return m == QueueModeAll || m == QueueModeOneAtATime
}

// Settings is the agent's settings.json.
type Settings struct {
	LastChangelogVersion string    `json:"lastChangelogVersion,omitempty"`
	DefaultProvider      string    `json:"defaultProvider,omitempty"`
	DefaultModel         string    `json:"defaultModel,omitempty"`
	QueueMode            QueueMode `json:"queueMode,omitempty"`
	Extensions           []string  `json:"extensions,omitempty"`
}

// DefaultDir returns the agent state directory, ~/.pi/agent.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pi", "agent"), nil
}

// DefaultSettingsPath returns the default settings.json location.
func DefaultSettingsPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFilename), nil
}

// LoadSettings reads settings.json. A missing file returns zero settings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &s, nil
}

// SaveSettings writes settings.json atomically under the settings lock.
func SaveSettings(path string, s *Settings) error {
	return withSettingsLock(path, func() error {
		return writeSettings(path, s)
	})
}

// UpdateSettings runs one locked read-modify-write cycle, so concurrent
// agents editing different keys do not clobber each other.
func UpdateSettings(path string, mutate func(*Settings)) error {
	return withSettingsLock(path, func() error {
		s, err := LoadSettings(path)
		if err != nil {
			return err
		}
		mutate(s)
		return writeSettings(path, s)
	})
}

func withSettingsLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), settingsDirMode); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	lock, err := lockfile.Acquire(path+".lock", lockfile.DefaultTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

func writeSettings(path string, s *Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, settingsFileMode)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

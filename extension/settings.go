package extension

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/plugkit/manifest"
)

// Settings holds the persisted per-plugin enablement overrides. Names
// in Enabled turn on plugins that are disabled by default; names in
// Disabled turn off plugins that are enabled by default. Everything
// else follows the manifest default.
type Settings struct {
	Enabled  []string `toml:"enabled"`
	Disabled []string `toml:"disabled"`

	path string
}

// LoadSettings reads a TOML settings file. A missing file yields empty
// settings bound to the path, ready to be saved.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings back to their file, creating parent
// directories as needed.
func (s *Settings) Save() error {
	if s.path == "" {
		return fmt.Errorf("settings have no file path")
	}
	data, err := toml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// IsEnabled reports whether name appears in the enabled list.
func (s *Settings) IsEnabled(name string) bool {
	return containsName(s.Enabled, name)
}

// IsDisabled reports whether name appears in the disabled list.
func (s *Settings) IsDisabled(name string) bool {
	return containsName(s.Disabled, name)
}

// SetEnabled records an override for name relative to the manifest
// default: an override matching the default is removed from both lists.
func (s *Settings) SetEnabled(name string, enabled, enabledByDefault bool) {
	s.Enabled = removeName(s.Enabled, name)
	s.Disabled = removeName(s.Disabled, name)
	switch {
	case enabled && !enabledByDefault:
		s.Enabled = append(s.Enabled, name)
	case !enabled && enabledByDefault:
		s.Disabled = append(s.Disabled, name)
	}
}

// apply folds the settings into a spec's enablement.
func (s *Settings) apply(spec *Spec) {
	switch {
	case s.IsDisabled(spec.Name()):
		spec.SetEnabledBySettings(false)
	case s.IsEnabled(spec.Name()):
		spec.SetEnabledBySettings(true)
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if manifest.NamesEqual(n, name) {
			return true
		}
	}
	return false
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if !manifest.NamesEqual(n, name) {
			out = append(out, n)
		}
	}
	return out
}

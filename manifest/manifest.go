// Package manifest defines the plugin metadata contract.
//
// Every plugin ships a manifest file (plugin.json, plugin.yaml, or
// plugin.toml) describing its identity, version, dependencies, platform
// availability, command-line arguments, and optional script entry point.
// The manifest is the only wire format the extension system consumes.
package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DependencyKind controls whether an unmet dependency is fatal.
type DependencyKind string

// Dependency kinds.
const (
	// KindRequired dependencies must resolve or the dependent plugin
	// becomes invalid.
	KindRequired DependencyKind = "required"

	// KindOptional dependencies are used when present and silently
	// skipped when absent.
	KindOptional DependencyKind = "optional"

	// KindTest dependencies force-load plugins for test runs only and
	// never participate in load ordering.
	KindTest DependencyKind = "test"
)

// Valid reports whether k is a known dependency kind.
func (k DependencyKind) Valid() bool {
	switch k {
	case KindRequired, KindOptional, KindTest:
		return true
	}
	return false
}

// Dependency declares a requirement on another plugin.
type Dependency struct {
	Name    string         `json:"name" yaml:"name" toml:"name"`
	Version string         `json:"version" yaml:"version" toml:"version"`
	Kind    DependencyKind `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind,omitempty"`
}

// EffectiveKind returns the dependency kind, defaulting to required
// when the manifest omits it.
func (d Dependency) EffectiveKind() DependencyKind {
	if d.Kind == "" {
		return KindRequired
	}
	return d.Kind
}

// Argument describes a command-line option the plugin handles.
type Argument struct {
	Name        string `json:"name" yaml:"name" toml:"name"`
	Parameter   string `json:"parameter,omitempty" yaml:"parameter,omitempty" toml:"parameter,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// Manifest describes a plugin's metadata and requirements.
// It is immutable after a successful Load.
type Manifest struct {
	// Identity
	Name          string `json:"name" yaml:"name" toml:"name"`
	Version       string `json:"version" yaml:"version" toml:"version"`
	CompatVersion string `json:"compatVersion,omitempty" yaml:"compatVersion,omitempty" toml:"compatVersion,omitempty"`
	Vendor        string `json:"vendor,omitempty" yaml:"vendor,omitempty" toml:"vendor,omitempty"`
	Copyright     string `json:"copyright,omitempty" yaml:"copyright,omitempty" toml:"copyright,omitempty"`
	License       string `json:"license,omitempty" yaml:"license,omitempty" toml:"license,omitempty"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Category      string `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`
	URL           string `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`

	// Behavior flags
	Required          bool `json:"required,omitempty" yaml:"required,omitempty" toml:"required,omitempty"`
	Experimental      bool `json:"experimental,omitempty" yaml:"experimental,omitempty" toml:"experimental,omitempty"`
	DisabledByDefault bool `json:"disabledByDefault,omitempty" yaml:"disabledByDefault,omitempty" toml:"disabledByDefault,omitempty"`

	// Platform is a regular expression matched against the host
	// platform name ("Linux", "Windows", "OS X", ...). Empty means the
	// plugin works everywhere.
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty" toml:"platform,omitempty"`

	// Main is the script entry point for script-backed plugins,
	// relative to the manifest directory (e.g. "init.lua"). Empty for
	// plugins provided by a registered factory.
	Main string `json:"main,omitempty" yaml:"main,omitempty" toml:"main,omitempty"`

	Dependencies []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies,omitempty"`
	Arguments    []Argument   `json:"arguments,omitempty" yaml:"arguments,omitempty" toml:"arguments,omitempty"`
}

// Validation errors.
var (
	ErrMissingName       = errors.New("manifest: name is required")
	ErrInvalidName       = errors.New("manifest: name must start with a letter and contain only letters, digits, '-' or '_'")
	ErrMissingVersion    = errors.New("manifest: version is required")
	ErrInvalidVersion    = errors.New("manifest: invalid version")
	ErrInvalidCompat     = errors.New("manifest: invalid compatVersion")
	ErrInvalidDependency = errors.New("manifest: invalid dependency")
	ErrInvalidPlatform   = errors.New("manifest: platform is not a valid regular expression")
	ErrInvalidArgument   = errors.New("manifest: argument name is required")
)

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Validate checks the manifest for structural errors.
// All problems are reported at once, joined into a single error.
func (m *Manifest) Validate() error {
	var errs []error

	switch {
	case m.Name == "":
		errs = append(errs, ErrMissingName)
	case !namePattern.MatchString(m.Name):
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidName, m.Name))
	}

	switch {
	case m.Version == "":
		errs = append(errs, ErrMissingVersion)
	case !IsValidVersion(m.Version):
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidVersion, m.Version))
	}

	if m.CompatVersion != "" {
		if !IsValidVersion(m.CompatVersion) {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidCompat, m.CompatVersion))
		} else if m.Version != "" && IsValidVersion(m.Version) && CompareVersions(m.CompatVersion, m.Version) > 0 {
			errs = append(errs, fmt.Errorf("%w: compatVersion %q is newer than version %q", ErrInvalidCompat, m.CompatVersion, m.Version))
		}
	}

	for i, dep := range m.Dependencies {
		switch {
		case dep.Name == "":
			errs = append(errs, fmt.Errorf("%w: dependency %d has no name", ErrInvalidDependency, i))
		case dep.Version != "" && !IsValidVersion(dep.Version):
			errs = append(errs, fmt.Errorf("%w: %q requires invalid version %q", ErrInvalidDependency, dep.Name, dep.Version))
		case dep.Kind != "" && !dep.Kind.Valid():
			errs = append(errs, fmt.Errorf("%w: %q has unknown kind %q", ErrInvalidDependency, dep.Name, dep.Kind))
		}
	}

	if m.Platform != "" {
		if _, err := regexp.Compile(m.Platform); err != nil {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidPlatform, m.Platform))
		}
	}

	for _, arg := range m.Arguments {
		if arg.Name == "" {
			errs = append(errs, ErrInvalidArgument)
		}
	}

	return errors.Join(errs...)
}

// EffectiveCompatVersion returns the compatibility version, defaulting
// to the plugin version when the manifest omits it.
func (m *Manifest) EffectiveCompatVersion() string {
	if m.CompatVersion == "" {
		return m.Version
	}
	return m.CompatVersion
}

// EnabledByDefault reports whether the plugin should be enabled when no
// settings override exists. Experimental plugins start disabled.
func (m *Manifest) EnabledByDefault() bool {
	return !m.DisabledByDefault && !m.Experimental
}

// NamesEqual compares plugin names case-insensitively, the same
// comparison dependency resolution uses.
func NamesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

package extension

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dshills/plugkit/manifest"
)

// Spec holds the immutable metadata and the mutable lifecycle state of
// one plugin. Specs are created by reading a manifest file (or from an
// in-memory manifest) and advance through the lifecycle states as the
// manager drives them. Errors accumulate on the spec instead of
// aborting the load sequence, so a host can report every failed plugin
// at once.
type Spec struct {
	manifest *manifest.Manifest
	path     string // manifest file path, empty for in-memory specs
	dir      string // plugin directory

	state     State
	errString string

	// Enablement flags. enabledBySettings starts from the manifest
	// default and is overridden by persisted settings; force flags come
	// from command-line options; enabledIndirectly is set when an
	// enabled plugin requires this one.
	enabledBySettings bool
	forceEnabled      bool
	forceDisabled     bool
	enabledIndirectly bool

	deps      []ResolvedDependency
	plugin    Plugin
	arguments []string
}

// ResolvedDependency pairs a declared dependency with the spec that
// satisfies it. The spec pointer is set during dependency resolution.
type ResolvedDependency struct {
	Dependency manifest.Dependency
	Spec       *Spec
}

// ReadSpec reads a manifest file into a spec. On parse or validation
// failure the returned spec is in StateInvalid with the problem
// recorded, so the host can still list it in diagnostics; the error is
// also returned for callers that want to fail fast.
func ReadSpec(path string) (*Spec, error) {
	s := &Spec{
		path:  path,
		dir:   filepath.Dir(path),
		state: StateInvalid,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.setError("cannot read manifest: %v", err)
		return s, err
	}

	m, err := manifest.Decode(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		s.setError("cannot parse manifest %s: %v", path, err)
		return s, err
	}
	s.manifest = m

	if err := m.Validate(); err != nil {
		s.setError("%v", err)
		return s, err
	}

	s.state = StateRead
	s.enabledBySettings = m.EnabledByDefault()
	return s, nil
}

// NewSpec creates a spec from an in-memory manifest. Hosts use this for
// compile-time registered plugins that ship no manifest file.
func NewSpec(m *manifest.Manifest) (*Spec, error) {
	if err := m.Validate(); err != nil {
		s := &Spec{manifest: m, state: StateInvalid}
		s.setError("%v", err)
		return s, err
	}
	return &Spec{
		manifest:          m,
		state:             StateRead,
		enabledBySettings: m.EnabledByDefault(),
	}, nil
}

// Name returns the plugin name, or "" if the manifest never parsed.
func (s *Spec) Name() string {
	if s.manifest == nil {
		return ""
	}
	return s.manifest.Name
}

// Version returns the plugin version.
func (s *Spec) Version() string {
	if s.manifest == nil {
		return ""
	}
	return s.manifest.Version
}

// CompatVersion returns the oldest version this plugin is compatible
// with, defaulting to the plugin version.
func (s *Spec) CompatVersion() string {
	if s.manifest == nil {
		return ""
	}
	return s.manifest.EffectiveCompatVersion()
}

// Vendor returns the plugin vendor.
func (s *Spec) Vendor() string {
	if s.manifest == nil {
		return ""
	}
	return s.manifest.Vendor
}

// Category returns the plugin category used for grouping in
// diagnostics.
func (s *Spec) Category() string {
	if s.manifest == nil {
		return ""
	}
	return s.manifest.Category
}

// Manifest returns the parsed manifest, which may be nil when the file
// never parsed.
func (s *Spec) Manifest() *manifest.Manifest {
	return s.manifest
}

// Path returns the manifest file path, empty for in-memory specs.
func (s *Spec) Path() string { return s.path }

// Dir returns the plugin directory, empty for in-memory specs.
func (s *Spec) Dir() string { return s.dir }

// State returns the current lifecycle state.
func (s *Spec) State() State { return s.state }

// HasError reports whether an error is recorded on the spec.
func (s *Spec) HasError() bool { return s.errString != "" }

// ErrorString returns the accumulated error text.
func (s *Spec) ErrorString() string { return s.errString }

// Plugin returns the plugin instance, nil before StateLoaded and after
// StateDeleted.
func (s *Spec) Plugin() Plugin { return s.plugin }

// Dependencies returns the resolved dependencies. Before resolution the
// slice is empty.
func (s *Spec) Dependencies() []ResolvedDependency {
	return s.deps
}

// IsRequired reports whether the plugin is essential to the host and
// cannot be disabled.
func (s *Spec) IsRequired() bool {
	return s.manifest != nil && s.manifest.Required
}

// IsEnabledByDefault reports the manifest's default enablement.
func (s *Spec) IsEnabledByDefault() bool {
	return s.manifest != nil && s.manifest.EnabledByDefault()
}

// IsEnabledBySettings reports the enablement after settings overrides.
func (s *Spec) IsEnabledBySettings() bool { return s.enabledBySettings }

// IsEnabledIndirectly reports whether an enabled plugin requires this
// one.
func (s *Spec) IsEnabledIndirectly() bool { return s.enabledIndirectly }

// IsForceDisabled reports whether the plugin was disabled on the
// command line.
func (s *Spec) IsForceDisabled() bool { return s.forceDisabled }

// IsEffectivelyEnabled combines the enablement flags. Platform
// availability is checked separately by the manager.
func (s *Spec) IsEffectivelyEnabled() bool {
	if s.forceDisabled {
		return false
	}
	return s.forceEnabled || s.enabledIndirectly || s.enabledBySettings
}

// SetEnabledBySettings overrides the settings-level enablement.
// Required plugins cannot be disabled.
func (s *Spec) SetEnabledBySettings(enabled bool) {
	if !enabled && s.IsRequired() {
		return
	}
	s.enabledBySettings = enabled
}

// SetForceEnabled enables the plugin regardless of settings.
func (s *Spec) SetForceEnabled(force bool) {
	s.forceEnabled = force
	if force {
		s.forceDisabled = false
	}
}

// SetForceDisabled disables the plugin regardless of settings.
// Required plugins cannot be disabled.
func (s *Spec) SetForceDisabled(force bool) {
	if force && s.IsRequired() {
		return
	}
	s.forceDisabled = force
	if force {
		s.forceEnabled = false
	}
}

// Arguments returns the command-line arguments addressed to this
// plugin, passed to its Initialize hook.
func (s *Spec) Arguments() []string { return s.arguments }

// AddArgument appends a command-line argument for this plugin.
func (s *Spec) AddArgument(arg string) {
	s.arguments = append(s.arguments, arg)
}

// WorksOnPlatform reports whether the manifest's platform pattern
// matches the given platform name. An empty pattern matches everything;
// a pattern that does not compile was already rejected by validation.
func (s *Spec) WorksOnPlatform(platform string) bool {
	if s.manifest == nil || s.manifest.Platform == "" {
		return true
	}
	re, err := regexp.Compile(s.manifest.Platform)
	if err != nil {
		return false
	}
	return re.MatchString(platform)
}

// Provides reports whether this spec satisfies a dependency on
// name/version: the names match case-insensitively and the required
// version lies within [compatVersion, version]. An empty required
// version matches any.
func (s *Spec) Provides(name, version string) bool {
	if s.manifest == nil || !manifest.NamesEqual(s.manifest.Name, name) {
		return false
	}
	if version == "" {
		return true
	}
	return manifest.CompareVersions(s.Version(), version) >= 0 &&
		manifest.CompareVersions(s.CompatVersion(), version) <= 0
}

// resolveDependencies matches every declared dependency against the
// given specs. Missing required dependencies invalidate the spec with
// every unresolved name reported; missing optional and test
// dependencies are skipped. Resolving an already-resolved spec is a
// no-op so repeated resolution passes stay idempotent.
func (s *Spec) resolveDependencies(all []*Spec) bool {
	if s.HasError() {
		return false
	}
	if s.state == StateResolved {
		return true
	}
	if s.state != StateRead {
		return false
	}

	failed := false
	resolved := make([]ResolvedDependency, 0, len(s.manifest.Dependencies))
	for _, dep := range s.manifest.Dependencies {
		var found *Spec
		for _, other := range all {
			if other.Provides(dep.Name, dep.Version) {
				found = other
				break
			}
		}
		if found == nil {
			if dep.EffectiveKind() == manifest.KindRequired {
				failed = true
				s.setError("%v %q (%s)", ErrDependencyNotFound, dep.Name, dep.Version)
			}
			continue
		}
		resolved = append(resolved, ResolvedDependency{Dependency: dep, Spec: found})
	}

	if failed {
		s.state = StateInvalid
		return false
	}
	s.deps = resolved
	s.state = StateResolved
	return true
}

// setError appends to the spec's accumulated error text.
func (s *Spec) setError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if s.errString == "" {
		s.errString = msg
		return
	}
	s.errString += "\n" + msg
}

// kill releases the plugin instance, closing it when it holds
// resources. Specs without a recorded error advance to StateDeleted;
// failed specs keep their frozen state so the error stays visible.
func (s *Spec) kill() {
	if closer, ok := s.plugin.(io.Closer); ok {
		_ = closer.Close()
	}
	s.plugin = nil
	if !s.HasError() {
		s.state = StateDeleted
	}
}

package extension

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/plugkit/manifest"
)

// DefaultDelayedInterval is the pause between delayed-initialize hook
// calls. One plugin runs per tick so startup work cannot monopolize the
// caller's goroutine.
const DefaultDelayedInterval = 20 * time.Millisecond

// Manager owns the plugin registry, the object pool, and the lifecycle
// sequencer. It is the single coordinator the host creates; there is no
// package-level state.
//
// All lifecycle hooks run synchronously on the goroutine that calls
// LoadPlugins or Shutdown, in dependency order. The object pool is
// safe for concurrent use; everything else on the manager is guarded by
// one mutex so the delayed-initialize timer and the host cannot
// interleave lifecycle steps.
type Manager struct {
	mu sync.Mutex

	specs     []*Spec
	factories map[string]Factory
	fallback  Factory

	pool     *Pool
	settings *Settings

	pluginPaths []string
	platform    string

	queue      []*Spec
	queueValid bool

	delayedQueue    []*Spec
	delayedTimer    *time.Timer
	delayedInterval time.Duration

	asyncPending map[*Spec]struct{}
	asyncDone    chan *Spec

	handlersMu sync.RWMutex
	handlers   []EventHandler

	prof *profiler

	initializationDone bool
	shuttingDown       bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPlatform overrides the host platform name matched against
// manifest platform patterns. Defaults to the running platform.
func WithPlatform(name string) Option {
	return func(m *Manager) { m.platform = name }
}

// WithDelayedInterval sets the pause between delayed-initialize ticks.
func WithDelayedInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.delayedInterval = d
		}
	}
}

// WithSettings attaches persisted enablement overrides, applied to
// every spec as it is read.
func WithSettings(s *Settings) Option {
	return func(m *Manager) {
		if s != nil {
			m.settings = s
		}
	}
}

// WithFallbackFactory sets the factory used for specs without a
// registered named factory, typically a script runtime.
func WithFallbackFactory(f Factory) Option {
	return func(m *Manager) { m.fallback = f }
}

// WithProfiling enables per-step lifecycle timing written to w.
func WithProfiling(w io.Writer) Option {
	return func(m *Manager) { m.prof = newProfiler(w) }
}

// NewManager creates a plugin manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		factories:       make(map[string]Factory),
		pool:            NewPool(),
		settings:        &Settings{},
		platform:        HostPlatform(),
		delayedInterval: DefaultDelayedInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HostPlatform returns the platform name manifest platform patterns are
// matched against.
func HostPlatform() string {
	switch runtime.GOOS {
	case "darwin":
		return "OS X"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	default:
		return "Unix"
	}
}

// Platform returns the platform name in use.
func (m *Manager) Platform() string { return m.platform }

// Pool returns the shared object pool.
func (m *Manager) Pool() *Pool { return m.pool }

// RegisterFactory maps a plugin name to the factory that constructs its
// instance. Factories must be registered before LoadPlugins.
func (m *Manager) RegisterFactory(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[strings.ToLower(name)] = f
}

// AddObject publishes an object in the pool.
func (m *Manager) AddObject(obj any) {
	if m.pool.Add(obj) {
		m.emit(Event{Type: EventObjectAdded, Object: obj})
	}
}

// RemoveObject withdraws an object from the pool, notifying handlers
// before it disappears.
func (m *Manager) RemoveObject(obj any) {
	if !m.pool.Contains(obj) {
		return
	}
	m.emit(Event{Type: EventObjectAboutToRemove, Object: obj})
	m.pool.Remove(obj)
}

// AddSpec registers an in-memory spec.
func (m *Manager) AddSpec(spec *Spec) error {
	m.mu.Lock()
	err := m.addSpecLocked(spec)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.emit(Event{Type: EventSpecsChanged})
	return nil
}

func (m *Manager) addSpecLocked(spec *Spec) error {
	if spec == nil {
		return errors.New("nil spec")
	}
	if name := spec.Name(); name != "" {
		for _, s := range m.specs {
			if manifest.NamesEqual(s.Name(), name) {
				return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
			}
		}
	}
	if m.settings != nil && spec.state == StateRead {
		m.settings.apply(spec)
	}
	m.specs = append(m.specs, spec)
	m.queueValid = false
	return nil
}

// SetPluginPaths scans the given directories recursively for manifest
// files, reads a spec for each, applies settings overrides, and
// resolves dependencies. Specs that fail to read are kept in the
// registry in StateInvalid so the host can report them; the combined
// error lists every failure.
func (m *Manager) SetPluginPaths(paths ...string) error {
	m.mu.Lock()
	m.pluginPaths = append([]string(nil), paths...)

	var errs []error
	for _, path := range manifestFiles(paths) {
		spec, err := ReadSpec(path)
		if err != nil {
			errs = append(errs, err)
		}
		if addErr := m.addSpecLocked(spec); addErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, addErr))
		}
	}

	sort.SliceStable(m.specs, func(i, j int) bool {
		return strings.ToLower(m.specs[i].Name()) < strings.ToLower(m.specs[j].Name())
	})

	m.resolveLocked()
	m.mu.Unlock()

	m.emit(Event{Type: EventSpecsChanged})
	return errors.Join(errs...)
}

// manifestFiles walks the search paths collecting manifest files in
// deterministic order. Missing paths are skipped.
func manifestFiles(paths []string) []string {
	var files []string
	for _, base := range paths {
		_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipAll
				}
				return nil
			}
			if !d.IsDir() && manifest.IsManifestFile(path) {
				files = append(files, path)
			}
			return nil
		})
	}
	sort.Strings(files)
	return files
}

// PluginPaths returns the configured search paths.
func (m *Manager) PluginPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pluginPaths...)
}

// Specs returns all known specs in registry order.
func (m *Manager) Specs() []*Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Spec(nil), m.specs...)
}

// SpecByName returns the spec with the given name (case-insensitive).
func (m *Manager) SpecByName(name string) (*Spec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.specs {
		if manifest.NamesEqual(s.Name(), name) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, name)
}

// ResolveDependencies matches every read spec's dependencies against
// the registry. It is idempotent: resolving an already-resolved set
// leaves states, errors, and the load queue unchanged.
func (m *Manager) ResolveDependencies() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveLocked()
}

func (m *Manager) resolveLocked() {
	for _, spec := range m.specs {
		spec.resolveDependencies(m.specs)
	}
	m.enableDependenciesIndirectlyLocked()
	m.queueValid = false
}

// enableDependenciesIndirectlyLocked marks required dependencies of
// enabled plugins as indirectly enabled, so disabling a library plugin
// in settings does not break the plugins that need it.
func (m *Manager) enableDependenciesIndirectlyLocked() {
	for _, spec := range m.specs {
		spec.enabledIndirectly = false
	}

	var queue []*Spec
	for _, spec := range m.specs {
		if spec.IsEffectivelyEnabled() && spec.WorksOnPlatform(m.platform) {
			queue = append(queue, spec)
		}
	}
	for len(queue) > 0 {
		spec := queue[0]
		queue = queue[1:]
		for _, dep := range spec.deps {
			if dep.Dependency.EffectiveKind() != manifest.KindRequired {
				continue
			}
			if !dep.Spec.IsEffectivelyEnabled() && !dep.Spec.forceDisabled {
				dep.Spec.enabledIndirectly = true
				queue = append(queue, dep.Spec)
			}
		}
	}
}

// LoadQueue returns the cached topological load order, computing it if
// specs changed since the last call.
func (m *Manager) LoadQueue() []*Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Spec(nil), m.loadQueueLocked()...)
}

func (m *Manager) loadQueueLocked() []*Spec {
	for _, spec := range m.specs {
		if spec.state == StateRead {
			m.resolveLocked()
			break
		}
	}
	if !m.queueValid {
		m.queue = buildLoadQueue(m.specs, m.platform)
		m.queueValid = true
	}
	return m.queue
}

// LoadPlugins drives every queued spec through Loaded and Initialized
// in dependency order, then calls ExtensionsInitialized in reverse
// queue order, then starts the delayed-initialize ticker. A failing
// plugin freezes its own spec and blocks its dependents; unrelated
// plugins keep loading. The returned error joins the failures of every
// spec that has one, for a host-side diagnostic report; it does not
// mean the load sequence aborted.
func (m *Manager) LoadPlugins() error {
	m.mu.Lock()
	queue := m.loadQueueLocked()

	for _, spec := range queue {
		m.loadPlugin(spec, StateLoaded)
	}
	for _, spec := range queue {
		m.loadPlugin(spec, StateInitialized)
	}
	for i := len(queue) - 1; i >= 0; i-- {
		spec := queue[i]
		m.loadPlugin(spec, StateRunning)
		if spec.state == StateRunning {
			m.delayedQueue = append(m.delayedQueue, spec)
		} else {
			// Initialization failed somewhere below, clean up.
			spec.kill()
		}
	}

	var errs []error
	for _, spec := range m.specs {
		if spec.HasError() {
			errs = append(errs, fmt.Errorf("%s: %s", specLabel(spec), spec.ErrorString()))
		}
	}

	m.startDelayedInitializeLocked()
	m.mu.Unlock()
	return errors.Join(errs...)
}

func specLabel(spec *Spec) string {
	if spec.Name() != "" {
		return spec.Name()
	}
	if spec.Path() != "" {
		return spec.Path()
	}
	return "<unnamed plugin>"
}

// loadPlugin advances one spec a single lifecycle step. Specs with an
// error or in the wrong predecessor state are skipped, which is how
// failures earlier in the sequence propagate without aborting it.
func (m *Manager) loadPlugin(spec *Spec, dest State) {
	if spec.HasError() || spec.state != dest-1 {
		return
	}

	switch dest {
	case StateRunning:
		m.profReport(">extensionsInitialized", spec)
		spec.plugin.ExtensionsInitialized()
		m.profReport("<extensionsInitialized", spec)
		spec.state = StateRunning
		m.emit(Event{Type: EventPluginRunning, Plugin: spec.Name()})
		return
	case StateDeleted:
		spec.kill()
		m.emit(Event{Type: EventPluginDeleted, Plugin: spec.Name()})
		return
	case StateStopped:
		m.stopPlugin(spec)
		return
	}

	// Loaded and Initialized require every required dependency to have
	// made the same transition first.
	for _, dep := range spec.deps {
		if dep.Dependency.EffectiveKind() != manifest.KindRequired {
			continue
		}
		if dep.Spec.state != dest {
			m.failSpec(spec, "%v: %s (%s)\nreason: %s", ErrDependencyFailed,
				dep.Spec.Name(), dep.Spec.Version(), dep.Spec.ErrorString())
			return
		}
	}

	switch dest {
	case StateLoaded:
		m.emit(Event{Type: EventPluginLoading, Plugin: spec.Name()})
		factory := m.factoryFor(spec)
		if factory == nil {
			m.failSpec(spec, "%v: %s", ErrNoFactory, spec.Name())
			return
		}
		m.profReport(">load", spec)
		plugin, err := factory(spec)
		m.profReport("<load", spec)
		if err != nil {
			m.failSpec(spec, "cannot load plugin: %v", err)
			return
		}
		if plugin == nil {
			m.failSpec(spec, "factory returned no plugin instance")
			return
		}
		spec.plugin = plugin
		spec.state = StateLoaded
		m.emit(Event{Type: EventPluginLoaded, Plugin: spec.Name()})

	case StateInitialized:
		m.emit(Event{Type: EventPluginInitializing, Plugin: spec.Name()})
		m.profReport(">initialize", spec)
		err := spec.plugin.Initialize(spec.arguments)
		m.profReport("<initialize", spec)
		if err != nil {
			m.failSpec(spec, "plugin initialization failed: %v", err)
			return
		}
		spec.state = StateInitialized
		m.emit(Event{Type: EventPluginInitialized, Plugin: spec.Name()})
	}
}

// stopPlugin runs the AboutToShutdown hook. Asynchronous plugins join
// the pending set; Shutdown waits for their completion channels.
func (m *Manager) stopPlugin(spec *Spec) {
	m.profReport(">aboutToShutdown", spec)
	flag := spec.plugin.AboutToShutdown()
	m.profReport("<aboutToShutdown", spec)

	if flag == ShutdownAsynchronous {
		if notifier, ok := spec.plugin.(AsyncShutdown); ok {
			m.asyncPending[spec] = struct{}{}
			go func(spec *Spec, done <-chan struct{}, finished chan<- *Spec) {
				<-done
				finished <- spec
			}(spec, notifier.ShutdownFinished(), m.asyncDone)
		} else {
			spec.setError("plugin requested asynchronous shutdown but does not implement AsyncShutdown")
			m.emit(Event{Type: EventPluginError, Plugin: spec.Name(), Err: errors.New(spec.ErrorString())})
		}
	}

	spec.state = StateStopped
	m.emit(Event{Type: EventPluginStopped, Plugin: spec.Name()})
}

// failSpec records a lifecycle failure: the error accumulates on the
// spec, the state freezes at Invalid, and an error event fires.
func (m *Manager) failSpec(spec *Spec, format string, args ...any) {
	spec.setError(format, args...)
	spec.state = StateInvalid
	m.emit(Event{Type: EventPluginError, Plugin: spec.Name(), Err: errors.New(spec.ErrorString())})
}

func (m *Manager) factoryFor(spec *Spec) Factory {
	if f, ok := m.factories[strings.ToLower(spec.Name())]; ok {
		return f
	}
	return m.fallback
}

// startDelayedInitializeLocked arms the delayed-initialize timer after
// the load passes complete.
func (m *Manager) startDelayedInitializeLocked() {
	if len(m.delayedQueue) == 0 {
		m.finishInitializationLocked()
		return
	}
	m.delayedTimer = time.AfterFunc(m.delayedInterval, m.nextDelayedInitialize)
}

// nextDelayedInitialize pops one plugin from the delayed queue and runs
// its hook, then re-arms the timer. Exactly one hook runs per tick, so
// delayed startup work steals at most one call per interval from
// everything else; each plugin's hook runs once.
func (m *Manager) nextDelayedInitialize() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A tick that was already blocked on the mutex when shutdown began
	// fires after teardown; it must not announce initialization then.
	if m.shuttingDown {
		return
	}
	if len(m.delayedQueue) == 0 {
		m.finishInitializationLocked()
		return
	}
	spec := m.delayedQueue[0]
	m.delayedQueue = m.delayedQueue[1:]

	if spec.state == StateRunning && spec.plugin != nil {
		m.profReport(">delayedInitialize", spec)
		spec.plugin.DelayedInitialize()
		m.profReport("<delayedInitialize", spec)
	}

	if len(m.delayedQueue) > 0 {
		m.delayedTimer = time.AfterFunc(m.delayedInterval, m.nextDelayedInitialize)
	} else {
		m.finishInitializationLocked()
	}
}

func (m *Manager) finishInitializationLocked() {
	if m.initializationDone {
		return
	}
	m.initializationDone = true
	m.delayedTimer = nil
	m.emit(Event{Type: EventInitializationDone})
}

// IsInitializationDone reports whether startup, including delayed
// initialization, finished.
func (m *Manager) IsInitializationDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializationDone
}

// Shutdown stops every running plugin in reverse load order, waits up
// to timeout for plugins that shut down asynchronously, then releases
// all plugin instances in reverse order so dependents are destroyed
// before their dependencies.
//
// A plugin that never signals completion makes Shutdown return
// ErrShutdownTimeout naming the stragglers; instances are then not
// released, and PendingShutdowns reports who is still outstanding.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopAllLocked()

	if len(m.asyncPending) > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for len(m.asyncPending) > 0 {
			select {
			case spec := <-m.asyncDone:
				delete(m.asyncPending, spec)
			case <-timer.C:
				return fmt.Errorf("%w: %s", ErrShutdownTimeout,
					strings.Join(m.pendingNamesLocked(), ", "))
			}
		}
	}

	m.deleteAllLocked()
	return nil
}

// stopAllLocked cancels delayed initialization and runs AboutToShutdown
// for every running plugin, dependents before dependencies.
func (m *Manager) stopAllLocked() {
	m.shuttingDown = true
	if m.delayedTimer != nil {
		m.delayedTimer.Stop()
		m.delayedTimer = nil
	}
	m.delayedQueue = nil

	queue := m.loadQueueLocked()
	if m.asyncPending == nil {
		m.asyncPending = make(map[*Spec]struct{})
		m.asyncDone = make(chan *Spec, len(queue))
	}
	for i := len(queue) - 1; i >= 0; i-- {
		m.loadPlugin(queue[i], StateStopped)
	}
}

// deleteAllLocked releases plugin instances in reverse load order.
func (m *Manager) deleteAllLocked() {
	queue := m.loadQueueLocked()
	for i := len(queue) - 1; i >= 0; i-- {
		m.loadPlugin(queue[i], StateDeleted)
	}
}

// PendingShutdowns returns the names of plugins whose asynchronous
// shutdown has not completed.
func (m *Manager) PendingShutdowns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingNamesLocked()
}

func (m *Manager) pendingNamesLocked() []string {
	names := make([]string, 0, len(m.asyncPending))
	for spec := range m.asyncPending {
		names = append(names, spec.Name())
	}
	sort.Strings(names)
	return names
}

// RemoteCommand delivers a second invocation's working directory and
// arguments to every running plugin, in load order.
func (m *Manager) RemoteCommand(workingDirectory string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range m.loadQueueLocked() {
		if spec.state == StateRunning {
			spec.plugin.RemoteCommand(workingDirectory, args)
		}
	}
}

// DependentsOf returns every spec that transitively requires the given
// spec, in registry order. Hosts use this to explain what else breaks
// when a plugin is disabled.
func (m *Manager) DependentsOf(spec *Spec) []*Spec {
	m.mu.Lock()
	defer m.mu.Unlock()

	dependents := map[*Spec]bool{spec: true}
	// Specs are resolved in registry order, so one forward sweep per
	// newly found dependent is enough; iterate until stable.
	for changed := true; changed; {
		changed = false
		for _, s := range m.specs {
			if dependents[s] {
				continue
			}
			for _, dep := range s.deps {
				if dep.Dependency.EffectiveKind() == manifest.KindRequired && dependents[dep.Spec] {
					dependents[s] = true
					changed = true
					break
				}
			}
		}
	}

	var out []*Spec
	for _, s := range m.specs {
		if s != spec && dependents[s] {
			out = append(out, s)
		}
	}
	return out
}

// ParseOptions routes command-line options to the manager and to the
// plugins that declare them. Recognized manager options are
// -noload <plugin>, -load <plugin>, and -profile; options declared in a
// manifest's arguments section are queued for that plugin's Initialize
// hook. Remaining arguments are returned.
func (m *Manager) ParseOptions(args []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-noload", "--noload":
			name, ok := nextArg(args, &i)
			if !ok {
				return rest, fmt.Errorf("%w: %s", ErrOptionNeedsArgument, arg)
			}
			spec, err := m.specByNameLocked(name)
			if err != nil {
				return rest, err
			}
			spec.SetForceDisabled(true)
		case "-load", "--load":
			name, ok := nextArg(args, &i)
			if !ok {
				return rest, fmt.Errorf("%w: %s", ErrOptionNeedsArgument, arg)
			}
			spec, err := m.specByNameLocked(name)
			if err != nil {
				return rest, err
			}
			spec.SetForceEnabled(true)
		case "-profile", "--profile":
			if m.prof == nil {
				m.prof = newProfiler(os.Stderr)
			}
		default:
			if spec, pluginArg := m.specForOptionLocked(arg); spec != nil {
				spec.AddArgument(arg)
				if pluginArg.Parameter != "" {
					value, ok := nextArg(args, &i)
					if !ok {
						return rest, fmt.Errorf("%w: %s", ErrOptionNeedsArgument, arg)
					}
					spec.AddArgument(value)
				}
				continue
			}
			if strings.HasPrefix(arg, "-") {
				return rest, fmt.Errorf("%w: %s", ErrUnknownOption, arg)
			}
			rest = append(rest, arg)
		}
	}

	m.enableDependenciesIndirectlyLocked()
	m.queueValid = false
	return rest, nil
}

func (m *Manager) specByNameLocked(name string) (*Spec, error) {
	for _, s := range m.specs {
		if manifest.NamesEqual(s.Name(), name) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSpecNotFound, name)
}

// specForOptionLocked finds the spec declaring a command-line option.
func (m *Manager) specForOptionLocked(option string) (*Spec, manifest.Argument) {
	for _, s := range m.specs {
		if s.manifest == nil {
			continue
		}
		for _, a := range s.manifest.Arguments {
			if a.Name == option {
				return s, a
			}
		}
	}
	return nil, manifest.Argument{}
}

func nextArg(args []string, i *int) (string, bool) {
	if *i+1 >= len(args) {
		return "", false
	}
	*i++
	return args[*i], true
}

// ProfilingSummary writes the per-plugin timing totals when profiling
// is enabled.
func (m *Manager) ProfilingSummary() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prof != nil {
		m.prof.summary()
	}
}

func (m *Manager) profReport(what string, spec *Spec) {
	if m.prof != nil {
		m.prof.report(what, spec)
	}
}

package extension

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/plugkit/manifest"
)

// recorder collects hook invocations across plugins so tests can assert
// on global ordering.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

// withPrefix returns the recorded calls matching prefix, stripped.
func (r *recorder) withPrefix(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, strings.TrimPrefix(c, prefix))
		}
	}
	return out
}

type stubPlugin struct {
	name     string
	rec      *recorder
	initErr  error
	shutdown ShutdownFlag
	done     chan struct{}
}

func (p *stubPlugin) Initialize(args []string) error {
	p.rec.record("init:" + p.name)
	return p.initErr
}

func (p *stubPlugin) ExtensionsInitialized() {
	p.rec.record("ext:" + p.name)
}

func (p *stubPlugin) DelayedInitialize() bool {
	p.rec.record("delayed:" + p.name)
	return true
}

func (p *stubPlugin) AboutToShutdown() ShutdownFlag {
	p.rec.record("stop:" + p.name)
	return p.shutdown
}

func (p *stubPlugin) RemoteCommand(workingDirectory string, args []string) {
	p.rec.record("remote:" + p.name)
}

func (p *stubPlugin) ShutdownFinished() <-chan struct{} {
	return p.done
}

// addStub registers a spec plus a factory producing a stubPlugin for
// it, returning the plugin so tests can tweak its behavior.
func addStub(t *testing.T, m *Manager, rec *recorder, name string, deps ...manifest.Dependency) *stubPlugin {
	t.Helper()
	spec := mustSpec(t, &manifest.Manifest{Name: name, Version: "1.0.0", Dependencies: deps})
	if err := m.AddSpec(spec); err != nil {
		t.Fatalf("AddSpec(%s): %v", name, err)
	}
	p := &stubPlugin{name: name, rec: rec, done: make(chan struct{})}
	m.RegisterFactory(name, func(*Spec) (Plugin, error) { return p, nil })
	return p
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// waitFor polls cond for up to two seconds.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestLoadPluginsOrdering(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	// Registered in reverse dependency order on purpose.
	addStub(t, m, rec, "Git", dep("Editor"))
	addStub(t, m, rec, "Editor", dep("Core"))
	addStub(t, m, rec, "Core")

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	if got := rec.withPrefix("init:"); !equalStrings(got, []string{"Core", "Editor", "Git"}) {
		t.Errorf("Initialize order = %v", got)
	}
	if got := rec.withPrefix("ext:"); !equalStrings(got, []string{"Git", "Editor", "Core"}) {
		t.Errorf("ExtensionsInitialized order = %v", got)
	}

	for _, spec := range m.LoadQueue() {
		if spec.State() != StateRunning {
			t.Errorf("%s state = %v, want running", spec.Name(), spec.State())
		}
	}
}

func TestDelayedInitializeOnePerTick(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(20*time.Millisecond))

	addStub(t, m, rec, "Core")
	addStub(t, m, rec, "Editor", dep("Core"))

	var done bool
	var doneMu sync.Mutex
	m.OnEvent(func(ev Event) {
		if ev.Type == EventInitializationDone {
			doneMu.Lock()
			done = true
			doneMu.Unlock()
		}
	})

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if m.IsInitializationDone() {
		t.Error("initialization reported done before the delayed queue drained")
	}

	waitFor(t, m.IsInitializationDone, "delayed initialization never finished")

	got := rec.withPrefix("delayed:")
	if !equalStrings(got, []string{"Editor", "Core"}) {
		t.Errorf("DelayedInitialize calls = %v, want each plugin once in reverse load order", got)
	}

	doneMu.Lock()
	defer doneMu.Unlock()
	if !done {
		t.Error("EventInitializationDone never fired")
	}
}

func TestOptionalVersionMismatchStillRuns(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	// Core exists, but only at 1.0.0; Git optionally wants 2.0.0.
	addStub(t, m, rec, "Core")
	addStub(t, m, rec, "Editor", dep("Core"))
	gitSpec := mustSpec(t, &manifest.Manifest{
		Name: "Git", Version: "1.0.0",
		Dependencies: []manifest.Dependency{
			{Name: "Core", Version: "2.0.0", Kind: manifest.KindOptional},
		},
	})
	if err := m.AddSpec(gitSpec); err != nil {
		t.Fatal(err)
	}
	git := &stubPlugin{name: "Git", rec: rec, done: make(chan struct{})}
	m.RegisterFactory("Git", func(*Spec) (Plugin, error) { return git, nil })

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	if gitSpec.State() != StateRunning {
		t.Fatalf("Git state = %v, want running despite unmet optional dependency", gitSpec.State())
	}
	if gitSpec.HasError() {
		t.Errorf("Git carries an error: %s", gitSpec.ErrorString())
	}
	if len(gitSpec.Dependencies()) != 0 {
		t.Errorf("unsatisfied optional dependency was resolved: %+v", gitSpec.Dependencies())
	}
	for _, name := range []string{"Core", "Editor"} {
		spec, _ := m.SpecByName(name)
		if spec.State() != StateRunning {
			t.Errorf("%s state = %v, want running", name, spec.State())
		}
	}
}

func TestInitializeFailureBlocksDependents(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	core := addStub(t, m, rec, "Core")
	addStub(t, m, rec, "Editor", dep("Core"))
	addStub(t, m, rec, "Other")
	core.initErr = errors.New("boom")

	err := m.LoadPlugins()
	if err == nil {
		t.Fatal("LoadPlugins reported no error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %v does not carry the root cause", err)
	}

	coreSpec, _ := m.SpecByName("Core")
	editorSpec, _ := m.SpecByName("Editor")
	otherSpec, _ := m.SpecByName("Other")

	if !coreSpec.HasError() {
		t.Error("Core should carry its failure")
	}
	if !editorSpec.HasError() {
		t.Error("Editor should fail through its dependency")
	}
	if !strings.Contains(editorSpec.ErrorString(), "Core") {
		t.Errorf("Editor error %q does not name the failed dependency", editorSpec.ErrorString())
	}
	if otherSpec.State() != StateRunning {
		t.Errorf("Other state = %v, want running despite sibling failure", otherSpec.State())
	}
	if got := rec.withPrefix("ext:"); !equalStrings(got, []string{"Other"}) {
		t.Errorf("ExtensionsInitialized ran for %v, want only Other", got)
	}
}

func TestFactoryErrorBlocksDependents(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	spec := mustSpec(t, &manifest.Manifest{Name: "Broken", Version: "1.0.0"})
	if err := m.AddSpec(spec); err != nil {
		t.Fatal(err)
	}
	m.RegisterFactory("Broken", func(*Spec) (Plugin, error) {
		return nil, errors.New("no such symbol")
	})
	addStub(t, m, rec, "Dependent", dep("Broken"))

	if err := m.LoadPlugins(); err == nil {
		t.Fatal("LoadPlugins reported no error")
	}

	if spec.State() != StateInvalid {
		t.Errorf("Broken state = %v, want invalid", spec.State())
	}
	depSpec, _ := m.SpecByName("Dependent")
	if depSpec.State() == StateRunning {
		t.Error("Dependent ran with a failed dependency")
	}
}

func TestNoFactory(t *testing.T) {
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))
	spec := mustSpec(t, &manifest.Manifest{Name: "Orphan", Version: "1.0.0"})
	if err := m.AddSpec(spec); err != nil {
		t.Fatal(err)
	}

	err := m.LoadPlugins()
	if err == nil {
		t.Fatal("LoadPlugins reported no error")
	}
	if !strings.Contains(spec.ErrorString(), "no factory") {
		t.Errorf("error %q does not mention the missing factory", spec.ErrorString())
	}
}

func TestFallbackFactory(t *testing.T) {
	rec := &recorder{}
	p := &stubPlugin{name: "Scripted", rec: rec, done: make(chan struct{})}
	m := NewManager(
		WithPlatform("Linux"),
		WithDelayedInterval(time.Millisecond),
		WithFallbackFactory(func(*Spec) (Plugin, error) { return p, nil }),
	)
	spec := mustSpec(t, &manifest.Manifest{Name: "Scripted", Version: "1.0.0", Main: "init.lua"})
	if err := m.AddSpec(spec); err != nil {
		t.Fatal(err)
	}

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if spec.State() != StateRunning {
		t.Errorf("state = %v, want running", spec.State())
	}
	if spec.Plugin() != p {
		t.Error("spec does not hold the fallback-built instance")
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	addStub(t, m, rec, "Core")
	addStub(t, m, rec, "Editor", dep("Core"))
	addStub(t, m, rec, "Git", dep("Editor"))

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if err := m.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := rec.withPrefix("stop:"); !equalStrings(got, []string{"Git", "Editor", "Core"}) {
		t.Errorf("AboutToShutdown order = %v, want reverse load order", got)
	}
	for _, spec := range m.Specs() {
		if spec.State() != StateDeleted {
			t.Errorf("%s state = %v, want deleted", spec.Name(), spec.State())
		}
		if spec.Plugin() != nil {
			t.Errorf("%s still holds its instance", spec.Name())
		}
	}
}

func TestShutdownAsynchronous(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	slow := addStub(t, m, rec, "Slow")
	slow.shutdown = ShutdownAsynchronous

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(slow.done)
	}()

	if err := m.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if pending := m.PendingShutdowns(); len(pending) != 0 {
		t.Errorf("PendingShutdowns = %v, want empty", pending)
	}

	spec, _ := m.SpecByName("Slow")
	if spec.State() != StateDeleted {
		t.Errorf("state = %v, want deleted", spec.State())
	}
}

func TestShutdownTimeout(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	stuck := addStub(t, m, rec, "Stuck")
	stuck.shutdown = ShutdownAsynchronous // done channel never closes
	addStub(t, m, rec, "Polite")

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}

	err := m.Shutdown(20 * time.Millisecond)
	if !errors.Is(err, ErrShutdownTimeout) {
		t.Fatalf("Shutdown = %v, want ErrShutdownTimeout", err)
	}
	if !strings.Contains(err.Error(), "Stuck") {
		t.Errorf("timeout error %v does not name the straggler", err)
	}
	if pending := m.PendingShutdowns(); !equalStrings(pending, []string{"Stuck"}) {
		t.Errorf("PendingShutdowns = %v, want [Stuck]", pending)
	}

	// Instances are not released on timeout.
	spec, _ := m.SpecByName("Stuck")
	if spec.State() != StateStopped {
		t.Errorf("state = %v, want stopped", spec.State())
	}
}

func TestShutdownSuppressesInitializationDone(t *testing.T) {
	rec := &recorder{}
	// Interval long enough that shutdown wins the race with the first
	// delayed tick.
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(100*time.Millisecond))

	var doneEvents int
	var mu sync.Mutex
	m.OnEvent(func(ev Event) {
		if ev.Type == EventInitializationDone {
			mu.Lock()
			doneEvents++
			mu.Unlock()
		}
	})

	addStub(t, m, rec, "Core")
	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if err := m.Shutdown(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Give a straggling tick time to fire against the torn-down manager.
	time.Sleep(250 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if doneEvents != 0 {
		t.Errorf("EventInitializationDone fired %d time(s) after shutdown", doneEvents)
	}
	if m.IsInitializationDone() {
		t.Error("IsInitializationDone = true after an interrupted startup")
	}
}

func TestAddSpecDuplicate(t *testing.T) {
	m := NewManager(WithPlatform("Linux"))
	if err := m.AddSpec(mustSpec(t, &manifest.Manifest{Name: "Core", Version: "1.0"})); err != nil {
		t.Fatal(err)
	}
	err := m.AddSpec(mustSpec(t, &manifest.Manifest{Name: "core", Version: "2.0"}))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("AddSpec duplicate = %v, want ErrAlreadyRegistered", err)
	}
}

func TestSetPluginPaths(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir+"/core", `{"name": "Core", "version": "1.0.0"}`)
	writeManifest(t, dir+"/editor", `{
		"name": "Editor", "version": "1.0.0",
		"dependencies": [{"name": "Core", "version": "1.0.0"}]
	}`)
	writeManifest(t, dir+"/broken", `{broken`)

	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))
	err := m.SetPluginPaths(dir)
	if err == nil {
		t.Fatal("SetPluginPaths ignored the broken manifest")
	}

	if len(m.Specs()) != 3 {
		t.Fatalf("Specs() = %d, want 3 (broken one kept for diagnostics)", len(m.Specs()))
	}
	if _, err := m.SpecByName("Editor"); err != nil {
		t.Fatalf("SpecByName(Editor): %v", err)
	}

	names := queueNames(m.LoadQueue())
	if !equalStrings(names, []string{"Core", "Editor"}) {
		t.Errorf("LoadQueue = %v", names)
	}
}

func TestSpecByNameMissing(t *testing.T) {
	m := NewManager()
	if _, err := m.SpecByName("Nope"); !errors.Is(err, ErrSpecNotFound) {
		t.Fatalf("SpecByName = %v, want ErrSpecNotFound", err)
	}
}

func TestIndirectEnablement(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	addStub(t, m, rec, "Library")
	addStub(t, m, rec, "App", dep("Library"))

	lib, _ := m.SpecByName("Library")
	lib.SetEnabledBySettings(false)
	m.ResolveDependencies()

	if !lib.IsEnabledIndirectly() {
		t.Fatal("Library should be enabled indirectly by App")
	}
	names := queueNames(m.LoadQueue())
	if !equalStrings(names, []string{"Library", "App"}) {
		t.Errorf("LoadQueue = %v", names)
	}
}

func TestForceDisabledStopsIndirectEnablement(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	addStub(t, m, rec, "Library")
	addStub(t, m, rec, "App", dep("Library"))

	lib, _ := m.SpecByName("Library")
	lib.SetForceDisabled(true)
	m.ResolveDependencies()

	if lib.IsEnabledIndirectly() {
		t.Error("force-disabled plugin must not be enabled indirectly")
	}
	if names := queueNames(m.LoadQueue()); len(names) != 0 {
		t.Errorf("LoadQueue = %v, want empty", names)
	}
}

func TestParseOptions(t *testing.T) {
	m := NewManager(WithPlatform("Linux"))

	git := mustSpec(t, &manifest.Manifest{
		Name: "Git", Version: "1.0.0",
		Arguments: []manifest.Argument{{Name: "-git-binary", Parameter: "path"}},
	})
	if err := m.AddSpec(git); err != nil {
		t.Fatal(err)
	}
	if err := m.AddSpec(mustSpec(t, &manifest.Manifest{Name: "Extra", Version: "1.0.0"})); err != nil {
		t.Fatal(err)
	}

	rest, err := m.ParseOptions([]string{
		"-noload", "Extra",
		"-git-binary", "/usr/bin/git",
		"file.txt",
	})
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if !equalStrings(rest, []string{"file.txt"}) {
		t.Errorf("rest = %v", rest)
	}

	extra, _ := m.SpecByName("Extra")
	if !extra.IsForceDisabled() {
		t.Error("-noload had no effect")
	}
	if !equalStrings(git.Arguments(), []string{"-git-binary", "/usr/bin/git"}) {
		t.Errorf("Git arguments = %v", git.Arguments())
	}
}

func TestParseOptionsErrors(t *testing.T) {
	m := NewManager(WithPlatform("Linux"))
	if err := m.AddSpec(mustSpec(t, &manifest.Manifest{Name: "Git", Version: "1.0.0"})); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ParseOptions([]string{"-bogus"}); !errors.Is(err, ErrUnknownOption) {
		t.Errorf("unknown option error = %v", err)
	}
	if _, err := m.ParseOptions([]string{"-noload"}); !errors.Is(err, ErrOptionNeedsArgument) {
		t.Errorf("dangling -noload error = %v", err)
	}
	if _, err := m.ParseOptions([]string{"-noload", "Nope"}); !errors.Is(err, ErrSpecNotFound) {
		t.Errorf("-noload unknown plugin error = %v", err)
	}
}

func TestPluginArgumentsReachInitialize(t *testing.T) {
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	spec := mustSpec(t, &manifest.Manifest{
		Name: "Git", Version: "1.0.0",
		Arguments: []manifest.Argument{{Name: "-git-binary", Parameter: "path"}},
	})
	if err := m.AddSpec(spec); err != nil {
		t.Fatal(err)
	}
	var got []string
	m.RegisterFactory("Git", func(*Spec) (Plugin, error) {
		return &funcPlugin{initialize: func(args []string) error {
			got = append([]string(nil), args...)
			return nil
		}}, nil
	})

	if _, err := m.ParseOptions([]string{"-git-binary", "/opt/git"}); err != nil {
		t.Fatal(err)
	}
	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	if !equalStrings(got, []string{"-git-binary", "/opt/git"}) {
		t.Errorf("Initialize args = %v", got)
	}
}

// funcPlugin adapts a bare Initialize function.
type funcPlugin struct {
	PluginBase
	initialize func(args []string) error
}

func (p *funcPlugin) Initialize(args []string) error {
	if p.initialize != nil {
		return p.initialize(args)
	}
	return nil
}

func TestRemoteCommand(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"), WithDelayedInterval(time.Millisecond))

	addStub(t, m, rec, "Core")
	addStub(t, m, rec, "Editor", dep("Core"))

	if err := m.LoadPlugins(); err != nil {
		t.Fatalf("LoadPlugins: %v", err)
	}
	m.RemoteCommand("/work", []string{"open", "file.txt"})

	if got := rec.withPrefix("remote:"); !equalStrings(got, []string{"Core", "Editor"}) {
		t.Errorf("RemoteCommand fan-out = %v", got)
	}
}

func TestObjectEvents(t *testing.T) {
	m := NewManager()
	var added, removing any
	m.OnEvent(func(ev Event) {
		switch ev.Type {
		case EventObjectAdded:
			added = ev.Object
		case EventObjectAboutToRemove:
			removing = ev.Object
		}
	})

	obj := &namedService{name: "svc"}
	m.AddObject(obj)
	if added != obj {
		t.Error("EventObjectAdded not delivered")
	}
	if !m.Pool().Contains(obj) {
		t.Error("object missing from pool")
	}

	m.RemoveObject(obj)
	if removing != obj {
		t.Error("EventObjectAboutToRemove not delivered")
	}
	if m.Pool().Contains(obj) {
		t.Error("object still in pool")
	}
}

func TestEventHandlerPanicContained(t *testing.T) {
	m := NewManager()
	m.OnEvent(func(Event) { panic("handler bug") })
	var saw bool
	m.OnEvent(func(ev Event) {
		if ev.Type == EventObjectAdded {
			saw = true
		}
	})

	m.AddObject(&namedService{name: "x"})
	if !saw {
		t.Error("panicking handler starved the others")
	}
}

func TestDependentsOf(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithPlatform("Linux"))

	addStub(t, m, rec, "Core")
	addStub(t, m, rec, "Editor", dep("Core"))
	addStub(t, m, rec, "Git", dep("Editor"))
	addStub(t, m, rec, "Lone")
	m.ResolveDependencies()

	core, _ := m.SpecByName("Core")
	got := queueNames(m.DependentsOf(core))
	if !equalStrings(got, []string{"Editor", "Git"}) {
		t.Errorf("DependentsOf(Core) = %v", got)
	}
}

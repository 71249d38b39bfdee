package extension

// ShutdownFlag is the result of a plugin's AboutToShutdown hook.
type ShutdownFlag int

const (
	// ShutdownSynchronous means the plugin finished its shutdown work
	// inside AboutToShutdown.
	ShutdownSynchronous ShutdownFlag = iota

	// ShutdownAsynchronous means the plugin needs to finish shutting
	// down on its own time. The plugin must also implement
	// AsyncShutdown, and the manager waits on its ShutdownFinished
	// channel before tearing down.
	ShutdownAsynchronous
)

// String returns a string representation of the flag.
func (f ShutdownFlag) String() string {
	if f == ShutdownAsynchronous {
		return "asynchronous"
	}
	return "synchronous"
}

// Plugin is the fixed capability set every hosted plugin implements.
//
// The manager calls the hooks in dependency order on a single
// goroutine: Initialize for every plugin in load-queue order, then
// ExtensionsInitialized in reverse queue order once every dependency is
// initialized, then DelayedInitialize one plugin per timer tick after
// startup, and AboutToShutdown in reverse queue order at teardown.
// Embed PluginBase to pick up no-op defaults for the hooks a plugin
// does not care about.
type Plugin interface {
	// Initialize is called after the plugin instance is created, with
	// the command-line arguments addressed to this plugin. Returning an
	// error marks the spec invalid; plugins depending on it are not
	// initialized, siblings are unaffected.
	Initialize(args []string) error

	// ExtensionsInitialized is called once this plugin and all of its
	// dependencies ran Initialize. Objects published by dependencies
	// are in the pool by this point.
	ExtensionsInitialized()

	// DelayedInitialize is called once after startup settles, at most
	// one plugin per timer tick. Return true if the hook did
	// non-trivial work, false if it had nothing to do.
	DelayedInitialize() bool

	// AboutToShutdown is called in reverse load order before teardown.
	// Return ShutdownAsynchronous to defer completion; the plugin must
	// then signal through its AsyncShutdown channel.
	AboutToShutdown() ShutdownFlag

	// RemoteCommand delivers options and arguments from a second
	// invocation of the host to the running instance.
	RemoteCommand(workingDirectory string, args []string)
}

// AsyncShutdown is implemented by plugins that return
// ShutdownAsynchronous from AboutToShutdown. The channel must be closed
// (or receive a value) when the plugin finished shutting down.
type AsyncShutdown interface {
	ShutdownFinished() <-chan struct{}
}

// Factory constructs the plugin instance for a spec. Factories run when
// the spec transitions to StateLoaded, after dependency resolution.
type Factory func(spec *Spec) (Plugin, error)

// PluginBase provides no-op defaults for every Plugin hook except
// Initialize, which succeeds doing nothing. Embed it in plugin
// implementations and override the hooks that matter.
type PluginBase struct{}

// Initialize does nothing.
func (PluginBase) Initialize(args []string) error { return nil }

// ExtensionsInitialized does nothing.
func (PluginBase) ExtensionsInitialized() {}

// DelayedInitialize reports that there is no delayed work.
func (PluginBase) DelayedInitialize() bool { return false }

// AboutToShutdown requests synchronous shutdown.
func (PluginBase) AboutToShutdown() ShutdownFlag { return ShutdownSynchronous }

// RemoteCommand ignores the command.
func (PluginBase) RemoteCommand(workingDirectory string, args []string) {}

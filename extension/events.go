package extension

// EventType identifies what happened.
type EventType int

const (
	// EventSpecsChanged fires when the set of known specs changed.
	EventSpecsChanged EventType = iota
	// EventPluginLoading fires before a plugin instance is created.
	EventPluginLoading
	// EventPluginLoaded fires after a plugin instance exists.
	EventPluginLoaded
	// EventPluginInitializing fires before a plugin's Initialize hook.
	EventPluginInitializing
	// EventPluginInitialized fires after Initialize succeeded.
	EventPluginInitialized
	// EventPluginRunning fires after ExtensionsInitialized ran.
	EventPluginRunning
	// EventPluginStopped fires after AboutToShutdown ran.
	EventPluginStopped
	// EventPluginDeleted fires after the plugin instance was released.
	EventPluginDeleted
	// EventPluginError fires when a lifecycle step fails.
	EventPluginError
	// EventObjectAdded fires when an object joins the pool.
	EventObjectAdded
	// EventObjectAboutToRemove fires before an object leaves the pool.
	EventObjectAboutToRemove
	// EventInitializationDone fires once, after the delayed-initialize
	// queue drains.
	EventInitializationDone
)

// String returns a readable event type name.
func (t EventType) String() string {
	switch t {
	case EventSpecsChanged:
		return "specs-changed"
	case EventPluginLoading:
		return "plugin-loading"
	case EventPluginLoaded:
		return "plugin-loaded"
	case EventPluginInitializing:
		return "plugin-initializing"
	case EventPluginInitialized:
		return "plugin-initialized"
	case EventPluginRunning:
		return "plugin-running"
	case EventPluginStopped:
		return "plugin-stopped"
	case EventPluginDeleted:
		return "plugin-deleted"
	case EventPluginError:
		return "plugin-error"
	case EventObjectAdded:
		return "object-added"
	case EventObjectAboutToRemove:
		return "object-about-to-remove"
	case EventInitializationDone:
		return "initialization-done"
	default:
		return "unknown"
	}
}

// Event describes a lifecycle or pool notification. Plugin is the
// plugin name for plugin events, Object the pool object for pool
// events, Err the failure for error events.
type Event struct {
	Type   EventType
	Plugin string
	Object any
	Err    error
}

// EventHandler receives manager notifications. Handlers run
// synchronously on the goroutine that triggered the event and must not
// call back into lifecycle methods.
type EventHandler func(Event)

// OnEvent registers a notification handler. Handlers should be
// registered before LoadPlugins.
func (m *Manager) OnEvent(h EventHandler) {
	if h == nil {
		return
	}
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, h)
	m.handlersMu.Unlock()
}

// emit delivers an event to every handler. A panicking handler is
// contained so it cannot abort a lifecycle pass.
func (m *Manager) emit(ev Event) {
	m.handlersMu.RLock()
	handlers := append([]EventHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}

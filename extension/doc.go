// Package extension implements the plugin lifecycle for a host
// application: manifest-described plugins, dependency resolution into a
// topological load queue, a staged startup sequence, coordinated
// shutdown, and a shared object pool plugins use to exchange services.
//
// # Lifecycle
//
// Every plugin is represented by a Spec that moves forward through
// fixed states:
//
//	Invalid → Read → Resolved → Loaded → Initialized → Running → Stopped → Deleted
//
// Reading parses and validates the manifest. Resolving matches declared
// dependencies against the other known specs. Loading constructs the
// plugin instance through its registered factory. The manager then runs
// three passes over the load queue: Initialize in dependency order,
// ExtensionsInitialized in reverse dependency order, and finally a
// timer-driven pass that calls DelayedInitialize on one plugin per
// tick so slow startup work never runs in a single burst.
//
// Failures never abort the sequence. An error freezes its spec, blocks
// the plugins that require it, and leaves everything else loading; the
// host reports all failures at the end.
//
// # Basic usage
//
//	mgr := extension.NewManager(
//	    extension.WithSettings(settings),
//	    extension.WithFallbackFactory(luahost.Factory()),
//	)
//	mgr.RegisterFactory("core", newCorePlugin)
//	if err := mgr.SetPluginPaths(pluginDir); err != nil {
//	    // some manifests failed to read; mgr.Specs() has details
//	}
//	if err := mgr.LoadPlugins(); err != nil {
//	    // some plugins failed; the rest are running
//	}
//	defer mgr.Shutdown(5 * time.Second)
//
// # Object pool
//
// The pool is an insertion-ordered collection of anonymous objects.
// Plugins add objects to advertise capabilities and look up objects by
// type or name to find collaborators without depending on each other's
// packages.
//
// # Shutdown
//
// Shutdown walks the load queue in reverse, so dependents stop before
// the plugins they rely on. A plugin may declare its shutdown
// asynchronous; Shutdown waits on the completion channels of all such
// plugins, bounded by the caller's timeout.
package extension

// Package main is a reference plugin host: it discovers manifests under
// the given plugin paths, loads the plugins, and runs until told to
// quit.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dshills/plugkit/extension"
	"github.com/dshills/plugkit/extension/luahost"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

type pathList []string

func (p *pathList) String() string { return strings.Join(*p, ",") }

func (p *pathList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		paths           pathList
		settingsPath    string
		shutdownTimeout time.Duration
		watch           bool
		showVersion     bool
	)

	flag.Var(&paths, "pluginpath", "Directory to scan for plugin manifests (repeatable)")
	flag.StringVar(&settingsPath, "settings", "", "Path to the plugin enablement settings file")
	flag.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "How long to wait for asynchronous plugin shutdown")
	flag.BoolVar(&watch, "watch", false, "Report manifest changes under the plugin paths")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "plughost - plugin host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: plughost [options] [-- [-load <plugin>] [-noload <plugin>] [-profile] [plugin options]]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("plughost %s (%s)\n", version, commit)
		return 0
	}
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one -pluginpath is required")
		flag.Usage()
		return 2
	}

	settings, err := extension.LoadSettings(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read settings: %v\n", err)
		return 1
	}

	mgr := extension.NewManager(
		extension.WithSettings(settings),
		extension.WithFallbackFactory(luahost.Factory(luahost.WithLog(func(plugin, msg string) {
			fmt.Fprintf(os.Stderr, "[%s] %s\n", plugin, msg)
		}))),
	)

	if err := mgr.SetPluginPaths(paths...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: some manifests failed to read:\n%v\n", err)
	}

	// A leftover lock file means the previous run crashed during
	// startup; start with the suspect disabled.
	if suspect := readStaleLock(paths[0]); suspect != "" {
		fmt.Fprintf(os.Stderr, "Warning: previous startup crashed while loading %q, disabling it\n", suspect)
		if spec, err := mgr.SpecByName(suspect); err == nil {
			spec.SetForceDisabled(true)
			for _, dep := range mgr.DependentsOf(spec) {
				fmt.Fprintf(os.Stderr, "Warning: %s requires %s and will not load\n", dep.Name(), suspect)
			}
			mgr.ResolveDependencies()
		}
	}

	if _, err := mgr.ParseOptions(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	lock, err := newLockFile(paths[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot create lock file: %v\n", err)
	} else {
		mgr.OnEvent(func(ev extension.Event) {
			switch ev.Type {
			case extension.EventPluginLoading, extension.EventPluginInitializing:
				_ = lock.update(ev.Plugin)
			case extension.EventInitializationDone:
				lock.remove()
			}
		})
		defer lock.remove()
	}

	if err := mgr.LoadPlugins(); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: some plugins failed to load:")
		for _, spec := range mgr.Specs() {
			if spec.HasError() {
				fmt.Fprintf(os.Stderr, "  %s %s:\n    %s\n", spec.Name(), spec.Version(),
					strings.ReplaceAll(spec.ErrorString(), "\n", "\n    "))
			}
		}
	}

	running := 0
	for _, spec := range mgr.LoadQueue() {
		if spec.State() == extension.StateRunning {
			running++
		}
	}
	fmt.Fprintf(os.Stderr, "%d plugin(s) running\n", running)

	var watcher *extension.PathWatcher
	if watch {
		watcher, err = extension.NewPathWatcher(0, paths...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot watch plugin paths: %v\n", err)
		} else {
			go func() {
				for change := range watcher.Changes() {
					fmt.Fprintf(os.Stderr, "Manifest change detected (%s), restart to apply\n",
						strings.Join(change.Paths, ", "))
				}
			}()
			defer watcher.Close()
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals

	if err := mgr.Shutdown(shutdownTimeout); err != nil {
		if errors.Is(err, extension.ErrShutdownTimeout) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "Error: shutdown failed: %v\n", err)
		return 1
	}
	return 0
}

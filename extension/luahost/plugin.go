package luahost

import (
	"fmt"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plugkit/extension"
)

// Lifecycle hook names a plugin script may define. All are optional
// except that a script defining none of them is almost certainly a
// mistake, and initialize failures fail the plugin.
const (
	hookInitialize             = "initialize"
	hookExtensionsInitialized  = "extensions_initialized"
	hookDelayedInitialize      = "delayed_initialize"
	hookAboutToShutdown        = "about_to_shutdown"
	hookRemoteCommand          = "remote_command"
	shutdownAsynchronousResult = "async"
)

// ScriptPlugin adapts a Lua script to the plugin lifecycle. The script
// named by the manifest's main entry runs when the plugin loads;
// lifecycle hooks are global functions the script defines.
type ScriptPlugin struct {
	spec  *extension.Spec
	state *State
	log   func(plugin, msg string)

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures the script factory.
type Option func(*factoryConfig)

type factoryConfig struct {
	log func(plugin, msg string)
}

// WithLog routes script log() output to the given function instead of
// discarding it.
func WithLog(fn func(plugin, msg string)) Option {
	return func(c *factoryConfig) { c.log = fn }
}

// Factory returns a plugin factory that runs each spec's main script in
// its own sandboxed interpreter. Hosts install it as the manager's
// fallback factory so any manifest with a main entry becomes loadable
// without compiled code.
func Factory(opts ...Option) extension.Factory {
	cfg := factoryConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(spec *extension.Spec) (extension.Plugin, error) {
		m := spec.Manifest()
		if m == nil || m.Main == "" {
			return nil, fmt.Errorf("plugin %s declares no main script", spec.Name())
		}

		p := &ScriptPlugin{
			spec:  spec,
			state: NewState(),
			log:   cfg.log,
			done:  make(chan struct{}),
		}
		p.installHostModule()

		script := m.Main
		if !filepath.IsAbs(script) {
			script = filepath.Join(spec.Dir(), script)
		}
		if err := p.state.DoFile(script); err != nil {
			_ = p.state.Close()
			return nil, fmt.Errorf("running %s: %w", script, err)
		}
		return p, nil
	}
}

// installHostModule exposes the host API to the script: log(msg) and
// shutdown_finished(), which completes an asynchronous shutdown.
func (p *ScriptPlugin) installHostModule() {
	p.state.RegisterModule("host", map[string]lua.LGFunction{
		"log": func(L *lua.LState) int {
			msg := L.OptString(1, "")
			if p.log != nil {
				p.log(p.spec.Name(), msg)
			}
			return 0
		},
		"shutdown_finished": func(L *lua.LState) int {
			p.doneOnce.Do(func() { close(p.done) })
			return 0
		},
	})
}

// Initialize calls the script's initialize(args) hook. A false return
// or a raised error fails the plugin.
func (p *ScriptPlugin) Initialize(args []string) error {
	if !p.state.HasGlobal(hookInitialize) {
		return nil
	}

	tbl := p.state.L.NewTable()
	for _, arg := range args {
		tbl.Append(lua.LString(arg))
	}

	ret, err := p.state.Call(hookInitialize, tbl)
	if err != nil {
		return err
	}
	if ret == lua.LFalse {
		return fmt.Errorf("initialize returned false")
	}
	return nil
}

// ExtensionsInitialized calls the script's extensions_initialized hook.
func (p *ScriptPlugin) ExtensionsInitialized() {
	_, _ = p.state.Call(hookExtensionsInitialized)
}

// DelayedInitialize calls the script's delayed_initialize hook and
// reports whether the script did real work there.
func (p *ScriptPlugin) DelayedInitialize() bool {
	ret, err := p.state.Call(hookDelayedInitialize)
	if err != nil {
		return false
	}
	return lua.LVAsBool(ret)
}

// AboutToShutdown calls the script's about_to_shutdown hook. A script
// returning the string "async" finishes later by calling
// host.shutdown_finished().
func (p *ScriptPlugin) AboutToShutdown() extension.ShutdownFlag {
	ret, err := p.state.Call(hookAboutToShutdown)
	if err != nil {
		return extension.ShutdownSynchronous
	}
	if s, ok := ret.(lua.LString); ok && string(s) == shutdownAsynchronousResult {
		return extension.ShutdownAsynchronous
	}
	return extension.ShutdownSynchronous
}

// ShutdownFinished returns the channel closed when the script calls
// host.shutdown_finished().
func (p *ScriptPlugin) ShutdownFinished() <-chan struct{} {
	return p.done
}

// RemoteCommand forwards a second invocation to the script.
func (p *ScriptPlugin) RemoteCommand(workingDirectory string, args []string) {
	tbl := p.state.L.NewTable()
	for _, arg := range args {
		tbl.Append(lua.LString(arg))
	}
	_, _ = p.state.Call(hookRemoteCommand, lua.LString(workingDirectory), tbl)
}

// Close releases the interpreter; the manager calls it when the plugin
// instance is dropped.
func (p *ScriptPlugin) Close() error {
	p.doneOnce.Do(func() { close(p.done) })
	return p.state.Close()
}

var (
	_ extension.Plugin        = (*ScriptPlugin)(nil)
	_ extension.AsyncShutdown = (*ScriptPlugin)(nil)
)

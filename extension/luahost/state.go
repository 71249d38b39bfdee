package luahost

import (
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ErrStateClosed is returned by operations on a closed interpreter.
var ErrStateClosed = errors.New("lua state is closed")

// State wraps one sandboxed gopher-lua interpreter. Each script plugin
// gets its own State so plugins cannot see each other's globals.
//
// gopher-lua's LState is not goroutine-safe; the mutex serializes all
// Go-side access, and the lifecycle itself runs plugins one at a time.
type State struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// NewState creates a sandboxed interpreter. Only the base, table,
// string, and math libraries are opened; io, os, debug, and package
// loading stay out of reach of plugin scripts.
func NewState() *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Script loading primitives would bypass the sandbox.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	return &State{L: L}
}

// DoFile executes a Lua file in the sandbox.
func (s *State) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return s.protect(func() error { return s.L.DoFile(path) })
}

// HasGlobal reports whether a global Lua function with the given name
// is defined.
func (s *State) HasGlobal(fn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.L.GetGlobal(fn).Type() == lua.LTFunction
}

// Call invokes a global Lua function and returns its first result.
// Calling an undefined function is not an error; it returns nil.
func (s *State) Call(fn string, args ...lua.LValue) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lua.LNil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return lua.LNil, nil
	}

	var result lua.LValue = lua.LNil
	err := s.protect(func() error {
		if err := s.L.CallByParam(lua.P{Fn: fnVal, NRet: 1, Protect: true}, args...); err != nil {
			return err
		}
		result = s.L.Get(-1)
		s.L.Pop(1)
		return nil
	})
	return result, err
}

// RegisterModule installs a Go-backed module as a global table.
func (s *State) RegisterModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

// protect runs fn converting a Lua panic into an error.
func (s *State) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Close releases the interpreter.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.L.Close()
	return nil
}

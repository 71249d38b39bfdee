package extension

import "sync"

// Named is implemented by pool objects that want to be found by name.
type Named interface {
	Name() string
}

// Pool is the insertion-ordered registry plugins use to publish and
// discover shared services. It has no keys; objects are looked up by
// name or by Go type. The pool is the one piece of manager state that
// plugin code may query from other goroutines, so it carries its own
// read/write lock: lookups run concurrently, register and unregister
// are serialized.
type Pool struct {
	mu      sync.RWMutex
	objects []any
}

// NewPool creates an empty object pool.
func NewPool() *Pool {
	return &Pool{}
}

// Add appends an object to the pool. It returns false if the object is
// already in the pool.
func (p *Pool) Add(obj any) bool {
	if obj == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, o := range p.objects {
		if o == obj {
			return false
		}
	}
	p.objects = append(p.objects, obj)
	return true
}

// Remove takes an object out of the pool. It returns false if the
// object is not in the pool.
func (p *Pool) Remove(obj any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, o := range p.objects {
		if o == obj {
			p.objects = append(p.objects[:i], p.objects[i+1:]...)
			return true
		}
	}
	return false
}

// Contains reports whether obj is in the pool.
func (p *Pool) Contains(obj any) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, o := range p.objects {
		if o == obj {
			return true
		}
	}
	return false
}

// All returns a copy of the pool in insertion order.
func (p *Pool) All() []any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]any, len(p.objects))
	copy(out, p.objects)
	return out
}

// ByName returns the first object whose Name() matches, or nil.
func (p *Pool) ByName(name string) any {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, o := range p.objects {
		if n, ok := o.(Named); ok && n.Name() == name {
			return o
		}
	}
	return nil
}

// Len returns the number of pooled objects.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objects)
}

// ObjectsByType returns all pooled objects of type T in insertion
// order.
func ObjectsByType[T any](p *Pool) []T {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []T
	for _, o := range p.objects {
		if t, ok := o.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// FirstByType returns the first pooled object of type T.
func FirstByType[T any](p *Pool) (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, o := range p.objects {
		if t, ok := o.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

package extension

import (
	"fmt"
	"strings"

	"github.com/dshills/plugkit/manifest"
)

// buildLoadQueue computes a load order in which every spec appears
// after all of its required dependencies. Specs that are disabled, not
// available on the platform, invalid, or part of a dependency cycle are
// excluded; cycle members and dependents of failed specs are marked
// invalid along the way.
func buildLoadQueue(specs []*Spec, platform string) []*Spec {
	queue := make([]*Spec, 0, len(specs))
	for _, spec := range specs {
		circ := make([]*Spec, 0, len(specs))
		enqueueSpec(spec, &queue, &circ, platform)
	}
	return queue
}

// enqueueSpec appends spec to the queue behind its transitive
// dependencies, depth-first in declaration order. circ holds exactly
// the specs on the in-progress dependency chain, so revisiting one of
// them is a cycle; specs that merely failed to enqueue earlier (for
// example a disabled dependency reached through two paths) are off the
// chain by then and simply fail again. Returns false when the spec
// cannot be queued.
func enqueueSpec(spec *Spec, queue, circ *[]*Spec, platform string) bool {
	if specIndex(*queue, spec) >= 0 {
		return true
	}
	if i := specIndex(*circ, spec); i >= 0 {
		markCycle((*circ)[i:], spec)
		return false
	}
	*circ = append(*circ, spec)
	defer func() { *circ = (*circ)[:len(*circ)-1] }()

	// Disabled and platform-mismatched plugins are left out of the
	// queue without recording an error.
	if !spec.IsEffectivelyEnabled() || !spec.WorksOnPlatform(platform) {
		return false
	}

	// Specs that never resolved cannot be queued; the error is already
	// on the spec.
	if spec.HasError() || spec.state < StateResolved {
		return false
	}

	for _, dep := range spec.deps {
		// Test dependencies force-load plugins for test runs and never
		// shape the load order.
		if dep.Dependency.EffectiveKind() == manifest.KindTest {
			continue
		}
		if !enqueueSpec(dep.Spec, queue, circ, platform) {
			if dep.Dependency.EffectiveKind() != manifest.KindRequired {
				continue
			}
			spec.setError("%v: %s (%s)\nreason: %s", ErrDependencyFailed,
				dep.Spec.Name(), dep.Spec.Version(), unloadableReason(dep.Spec, platform))
			spec.state = StateInvalid
			return false
		}
	}

	*queue = append(*queue, spec)
	return true
}

// markCycle invalidates every spec on the cycle with an error listing
// the full chain.
func markCycle(cycle []*Spec, repeated *Spec) {
	var b strings.Builder
	fmt.Fprintf(&b, "%v:\n", ErrCircularDependency)
	for _, s := range cycle {
		fmt.Fprintf(&b, "%s (%s) depends on\n", s.Name(), s.Version())
	}
	fmt.Fprintf(&b, "%s (%s)", repeated.Name(), repeated.Version())
	msg := b.String()

	for _, s := range cycle {
		s.setError("%s", msg)
		s.state = StateInvalid
	}
}

// unloadableReason explains why a dependency could not be queued.
func unloadableReason(s *Spec, platform string) string {
	if s.HasError() {
		return s.ErrorString()
	}
	if !s.IsEffectivelyEnabled() {
		return "plugin is disabled"
	}
	if !s.WorksOnPlatform(platform) {
		return fmt.Sprintf("plugin is not available on %s", platform)
	}
	return "plugin could not be queued"
}

// specIndex returns the index of spec in specs, or -1.
func specIndex(specs []*Spec, spec *Spec) int {
	for i, s := range specs {
		if s == spec {
			return i
		}
	}
	return -1
}

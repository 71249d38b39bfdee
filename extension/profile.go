package extension

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// profiler measures how long each lifecycle step takes per plugin.
// Enabled with WithProfiling; the report format mirrors the startup
// timing dumps hosts print with a -profile option.
type profiler struct {
	w       io.Writer
	start   time.Time
	elapsed time.Duration
	totals  map[string]time.Duration
}

func newProfiler(w io.Writer) *profiler {
	return &profiler{
		w:      w,
		start:  time.Now(),
		totals: make(map[string]time.Duration),
	}
}

// report logs one lifecycle step. Steps prefixed with "<" are treated
// as completions and charged to the plugin's total.
func (p *profiler) report(what string, spec *Spec) {
	absolute := time.Since(p.start)
	delta := absolute - p.elapsed
	p.elapsed = absolute

	name := ""
	if spec != nil {
		name = spec.Name()
	}
	fmt.Fprintf(p.w, "%-24s %-24s %8dms (%8dms)\n",
		what, name, absolute.Milliseconds(), delta.Milliseconds())

	if len(what) > 0 && what[0] == '<' && spec != nil {
		p.totals[name] += delta
	}
}

// summary prints per-plugin totals, slowest first.
func (p *profiler) summary() {
	names := make([]string, 0, len(p.totals))
	var total time.Duration
	for name, d := range p.totals {
		names = append(names, name)
		total += d
	}
	sort.Slice(names, func(i, j int) bool {
		if p.totals[names[i]] != p.totals[names[j]] {
			return p.totals[names[i]] > p.totals[names[j]]
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		d := p.totals[name]
		pct := 0.0
		if total > 0 {
			pct = 100 * float64(d) / float64(total)
		}
		fmt.Fprintf(p.w, "%-24s %8dms   ( %5.2f%% )\n", name, d.Milliseconds(), pct)
	}
	fmt.Fprintf(p.w, "Total: %8dms\n", total.Milliseconds())
}

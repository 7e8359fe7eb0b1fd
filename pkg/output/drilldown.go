package output

import (
	"strings"

	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/stacks"
)

// Suggestion represents a diagnostic next-step.
type Suggestion struct {
	Tool    string
	Command string
	Reason  string
}

// DrillDown returns diagnostic suggestions for a detected event.
func DrillDown(e event.Event) []Suggestion {
	var suggestions []Suggestion

	switch ev := e.(type) {
	case event.StallConfirmed:
		switch stacks.Reason(ev.Reason) {
		case stacks.ReasonLockWait:
			suggestions = append(suggestions,
				Suggestion{"pprof", "go tool pprof http://localhost:6060/debug/pprof/mutex", "Find contended locks"},
				Suggestion{"pprof", "go tool pprof http://localhost:6060/debug/pprof/block", "Find blocking channel operations"},
			)
		case stacks.ReasonNetIO, stacks.ReasonStorage:
			suggestions = append(suggestions,
				Suggestion{"trace", "curl -o trace.out http://localhost:6060/debug/pprof/trace?seconds=5", "Trace blocking syscalls"},
			)
		case stacks.ReasonDecode:
			suggestions = append(suggestions,
				Suggestion{"pprof", "go tool pprof http://localhost:6060/debug/pprof/profile?seconds=10", "Capture CPU profile"},
			)
		}
		suggestions = append(suggestions,
			Suggestion{"perfmon", "curl http://localhost:6060/debug/pprof/goroutine?debug=2", "Dump all goroutines"},
		)

	case event.FrameStuck:
		suggestions = append(suggestions,
			Suggestion{"pprof", "go tool pprof http://localhost:6060/debug/pprof/profile?seconds=10", "Capture CPU profile of the primary context"},
		)
		if strings.Contains(ev.Stack, "runtime.GC") || strings.Contains(ev.Stack, "runtime.gcStart") {
			suggestions = append(suggestions,
				Suggestion{"gctrace", "GODEBUG=gctrace=1", "Check garbage collector pauses"},
			)
		}

	case event.LowFrameRate:
		suggestions = append(suggestions,
			Suggestion{"perfmon", "perfmon bench", "Measure monitor overhead on the frame path"},
		)
	}

	return suggestions
}

// GetDrillDownSuggestions returns suggestions keyed by event kind. Each kind
// appears once.
func GetDrillDownSuggestions(events []event.Event) map[string][]Suggestion {
	results := make(map[string][]Suggestion)
	for _, e := range events {
		key := string(e.Kind())
		if _, seen := results[key]; seen {
			continue
		}
		if suggestions := DrillDown(e); len(suggestions) > 0 {
			results[key] = suggestions
		}
	}
	return results
}

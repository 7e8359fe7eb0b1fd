package debug

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/danpilch/perfmon/pkg/stacks"
)

var (
	debugTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	debugHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	debugDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// CaptureTiming records the duration of one stack capture.
type CaptureTiming struct {
	Op       string
	Duration time.Duration
	Err      error
}

// TimedProvider wraps a stacks.Provider to record capture durations.
type TimedProvider struct {
	inner stacks.Provider
	trace *TraceLogger

	mu      sync.Mutex
	timings []CaptureTiming
}

// NewTimedProvider wraps a provider with timing instrumentation. trace may be nil.
func NewTimedProvider(p stacks.Provider, trace *TraceLogger) *TimedProvider {
	return &TimedProvider{
		inner: p,
		trace: trace,
	}
}

// Stack captures one goroutine and records the duration.
func (t *TimedProvider) Stack(id int64) (string, error) {
	start := time.Now()
	s, err := t.inner.Stack(id)
	t.record(fmt.Sprintf("stack(%d)", id), time.Since(start), err)
	return s, err
}

// All captures every goroutine and records the duration.
func (t *TimedProvider) All() ([]stacks.Goroutine, error) {
	start := time.Now()
	gs, err := t.inner.All()
	t.record("all", time.Since(start), err)
	return gs, err
}

func (t *TimedProvider) record(op string, d time.Duration, err error) {
	t.mu.Lock()
	t.timings = append(t.timings, CaptureTiming{Op: op, Duration: d, Err: err})
	t.mu.Unlock()
	if t.trace != nil {
		t.trace.LogDuration("stacks", op, d)
	}
}

// Timings returns a copy of the recorded captures.
func (t *TimedProvider) Timings() []CaptureTiming {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CaptureTiming, len(t.timings))
	copy(out, t.timings)
	return out
}

// TimingReport prints a styled timing summary for all recorded captures.
func TimingReport(w io.Writer, timings []CaptureTiming) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, debugTitle.Render("Stack Capture Timing Report"))
	fmt.Fprintln(w, debugDim.Render(strings.Repeat("═", 40)))
	fmt.Fprintf(w, "  %s  %s\n",
		debugHeader.Render("CAPTURE            "),
		debugHeader.Render("DURATION    "))
	fmt.Fprintln(w, "  "+debugDim.Render(strings.Repeat("─", 40)))

	var total time.Duration
	for _, t := range timings {
		line := fmt.Sprintf("  %-20s %v", t.Op, t.Duration)
		if t.Err != nil {
			line += "  " + debugDim.Render(t.Err.Error())
		}
		fmt.Fprintln(w, line)
		total += t.Duration
	}
	fmt.Fprintln(w, "  "+debugDim.Render(strings.Repeat("─", 40)))
	fmt.Fprintf(w, "  %-20s %v\n",
		lipgloss.NewStyle().Bold(true).Render("TOTAL"), total)
}

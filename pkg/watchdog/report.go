package watchdog

import (
	"fmt"
	"strings"
	"time"

	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/stacks"
)

const summaryGroups = 10

// Report is the human-readable snapshot attached to a confirmed stall.
type Report struct {
	DetectedBy   string
	Delay        time.Duration
	Process      stacks.Process
	Reason       stacks.Reason
	PrimaryStack string
	Goroutines   []stacks.Goroutine
}

// String renders the report text.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Stall detected by %s\n", r.DetectedBy)
	fmt.Fprintf(&b, "Delay: %dms\n", r.Delay.Milliseconds())
	fmt.Fprintf(&b, "Process: %s\n", r.Process)
	fmt.Fprintf(&b, "Reason: %s\n", r.Reason)
	fmt.Fprintf(&b, "Primary goroutine stack:\n%s\n", r.PrimaryStack)

	if len(r.Goroutines) == 0 {
		return b.String()
	}

	b.WriteString("\nGoroutine summary:\n")
	groups := stacks.Fold(r.Goroutines)
	for i, g := range groups {
		if i == summaryGroups {
			fmt.Fprintf(&b, "  ... %d more groups\n", len(groups)-summaryGroups)
			break
		}
		fmt.Fprintf(&b, "  %d x [%s] %s\n", g.Count(), g.State, g.Key)
	}

	b.WriteString("\nAll goroutines:\n")
	for i, g := range r.Goroutines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Goroutine: %s (%d, %s)\n", g.Label(), g.ID, g.State)
		if _, body, ok := strings.Cut(g.Raw, "\n"); ok {
			b.WriteString(body)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// onStallConfirmed captures stacks on a fresh goroutine so neither the worker
// nor the primary context waits on the capture.
func (w *Watchdog) onStallConfirmed(delay time.Duration) {
	if !w.running.Load() {
		return
	}
	w.stalls.Add(1)
	w.captures.Add(1)
	go func() {
		defer w.captures.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.WithField("panic", r).Error("Error processing stall")
			}
		}()
		w.capture(delay)
	}()
}

func (w *Watchdog) capture(delay time.Duration) {
	log := w.logger.WithField("delay_ms", delay.Milliseconds())

	stack, err := w.stacks.Stack(w.primary.GoroutineID())
	if err != nil {
		log.WithError(err).Error("Cannot capture primary goroutine stack")
		stack = ""
	}
	all, err := w.stacks.All()
	if err != nil {
		log.WithError(err).Warn("Cannot capture goroutine stacks")
		all = nil
	}

	reason := stacks.Classify(stack)
	report := Report{
		DetectedBy:   "watchdog",
		Delay:        delay,
		Process:      w.processInfo(),
		Reason:       reason,
		PrimaryStack: stack,
		Goroutines:   all,
	}

	if !w.running.Load() {
		return
	}
	w.sink(event.StallConfirmed{
		DelayMs: delay.Milliseconds(),
		Stack:   stack,
		Report:  report.String(),
		Reason:  string(reason),
	})
	log.WithField("reason", reason).Warn("Stall detected")
}

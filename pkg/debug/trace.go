package debug

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TraceLogger provides step-by-step trace output for monitor internals and
// the simulated host workload.
type TraceLogger struct {
	mu      sync.Mutex
	writer  io.Writer
	enabled bool
	now     func() time.Time
}

// NewTraceLogger creates a trace logger writing to the given writer. A nil
// writer yields a disabled logger.
func NewTraceLogger(w io.Writer) *TraceLogger {
	return &TraceLogger{
		writer:  w,
		enabled: w != nil,
		now:     time.Now,
	}
}

// Enabled reports whether trace output is written.
func (t *TraceLogger) Enabled() bool {
	return t != nil && t.enabled
}

// Log records a trace entry for a component step.
func (t *TraceLogger) Log(component, step, detail string) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.writer, "[TRACE %s] %s: %s - %s\n",
		t.now().Format("15:04:05.000"), component, step, detail)
}

// LogDuration records how long a component step took.
func (t *TraceLogger) LogDuration(component, step string, d time.Duration) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.writer, "[TRACE %s] %s: %s took=%v\n",
		t.now().Format("15:04:05.000"), component, step, d)
}

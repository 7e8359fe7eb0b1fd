package stacks

import (
	"strconv"
	"strings"
)

// Provider captures goroutine stacks on demand.
type Provider interface {
	// Stack returns the stack text of a single goroutine.
	Stack(id int64) (string, error)
	// All returns every live goroutine.
	All() ([]Goroutine, error)
}

// RuntimeProvider captures stacks through runtime.Stack.
type RuntimeProvider struct{}

// NewRuntimeProvider returns a Provider backed by the Go runtime.
func NewRuntimeProvider() *RuntimeProvider {
	return &RuntimeProvider{}
}

// Stack returns the stack text of goroutine id.
func (p *RuntimeProvider) Stack(id int64) (string, error) {
	for _, g := range Parse(Dump(true)) {
		if g.ID == id {
			return g.Raw, nil
		}
	}
	return "", &CaptureError{Op: "stack", Err: ErrGoroutineNotFound}
}

// All returns every live goroutine.
func (p *RuntimeProvider) All() ([]Goroutine, error) {
	gs := Parse(Dump(true))
	if len(gs) == 0 {
		return nil, &CaptureError{Op: "all", Err: ErrGoroutineNotFound}
	}
	return gs, nil
}

// FormatFrames renders frames one call per line, innermost first.
func FormatFrames(frames []Frame) string {
	var b strings.Builder
	for i, f := range frames {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Func)
		if f.File != "" {
			b.WriteString("\n\t")
			b.WriteString(f.File)
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(f.Line))
		}
	}
	return b.String()
}

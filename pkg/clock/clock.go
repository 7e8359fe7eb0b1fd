// Package clock provides the monotonic and wall time sources used by the detectors.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source with a separate wall-clock reading.
type Clock interface {
	// Now returns monotonic time since an arbitrary fixed origin.
	Now() time.Duration
	// Wall returns the current wall-clock time.
	Wall() time.Time
	// Sleep blocks the calling goroutine for d.
	Sleep(d time.Duration)
}

// System is the process clock. Now reads CLOCK_MONOTONIC where available.
type System struct{}

// NewSystem returns the process clock.
func NewSystem() System {
	return System{}
}

// Now returns monotonic time since an unspecified origin.
func (System) Now() time.Duration {
	return monotonic()
}

// Wall returns time.Now.
func (System) Wall() time.Time {
	return time.Now()
}

// Sleep calls time.Sleep.
func (System) Sleep(d time.Duration) {
	time.Sleep(d)
}

var processStart = time.Now()

func sinceStart() time.Duration {
	return time.Since(processStart)
}

// Fake is a manually advanced clock for tests. Sleep advances the clock by the
// requested duration and runs the OnSleep hook, if any, before returning.
type Fake struct {
	mu      sync.Mutex
	now     time.Duration
	wall    time.Time
	onSleep func(d time.Duration)
}

// NewFake returns a Fake starting at monotonic time start.
func NewFake(start time.Duration) *Fake {
	return &Fake{now: start, wall: time.Unix(1_700_000_000, 0)}
}

// Now returns the current fake monotonic time.
func (f *Fake) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Wall returns the current fake wall time.
func (f *Fake) Wall() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

// Advance moves both monotonic and wall time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now += d
	f.wall = f.wall.Add(d)
	f.mu.Unlock()
}

// AdvanceWall moves only the wall clock, letting tests skew the two timelines.
func (f *Fake) AdvanceWall(d time.Duration) {
	f.mu.Lock()
	f.wall = f.wall.Add(d)
	f.mu.Unlock()
}

// OnSleep installs a hook invoked after each Sleep advanced the clock.
func (f *Fake) OnSleep(fn func(d time.Duration)) {
	f.mu.Lock()
	f.onSleep = fn
	f.mu.Unlock()
}

// Sleep advances the clock without blocking.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
	f.mu.Lock()
	hook := f.onSleep
	f.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

package looper

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task is a delayed or repeating registration on a Looper.
type Task struct {
	l        *Looper
	fn       func()
	interval time.Duration
	repeat   bool

	mu        sync.Mutex
	timer     *time.Timer
	cancelled atomic.Bool
	runs      atomic.Uint64
}

// PostDelayed runs fn on the looper after d.
func (l *Looper) PostDelayed(d time.Duration, fn func()) *Task {
	t := &Task{l: l, fn: fn}
	if !l.track(t) {
		t.cancelled.Store(true)
		return t
	}
	t.arm(d)
	return t
}

// PostRepeating runs fn on the looper immediately and then again interval
// after each run completes, until the task is cancelled or the looper quits.
func (l *Looper) PostRepeating(interval time.Duration, fn func()) *Task {
	t := &Task{l: l, fn: fn, interval: interval, repeat: true}
	if !l.track(t) {
		t.cancelled.Store(true)
		return t
	}
	if !l.Post(t.runOnLooper) {
		t.arm(interval)
	}
	return t
}

// Cancel stops the task. Once Cancel returns, fn will not start again, even
// if an execution was already queued.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.stop()
	t.l.forget(t)
}

// Cancelled reports whether the task was cancelled.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Runs returns how many times fn has been invoked.
func (t *Task) Runs() uint64 { return t.runs.Load() }

func (t *Task) stop() {
	t.cancelled.Store(true)
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
}

func (t *Task) arm(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		return
	}
	t.timer = time.AfterFunc(d, t.fire)
}

// fire runs on the timer goroutine and hands the task to the looper.
func (t *Task) fire() {
	if t.cancelled.Load() {
		return
	}
	if t.l.Post(t.runOnLooper) {
		return
	}
	// Queue full: try again next interval rather than losing a repeating task.
	if t.repeat && !t.l.Quitting() {
		t.arm(t.interval)
		return
	}
	t.l.forget(t)
}

func (t *Task) runOnLooper() {
	if t.cancelled.Load() {
		return
	}
	if t.repeat {
		defer t.arm(t.interval)
	} else {
		defer t.l.forget(t)
	}
	t.runs.Add(1)
	t.fn()
}

// Package looper provides goroutines that serve a private, strictly ordered task queue.
//
// A Looper is used both for the detectors' background workers (Start) and for the
// host's primary context (Loop, run on the goroutine that owns it).
package looper

import (
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/perfmon/pkg/stacks"
)

var (
	// ErrLooperStarted is returned when Start or Loop is called twice.
	ErrLooperStarted = errors.New("looper already started")
	// ErrLooperQuit is returned when starting a looper after Quit.
	ErrLooperQuit = errors.New("looper has quit")
)

const defaultQueueSize = 256

// Executor accepts work for asynchronous execution. Post must not block and
// reports whether the work was accepted.
type Executor interface {
	Post(fn func()) bool
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(fn func()) bool

// Post calls f(fn).
func (f ExecutorFunc) Post(fn func()) bool { return f(fn) }

// Option configures a Looper.
type Option func(*Looper)

// WithQueueSize sets the queue capacity. Posts beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(l *Looper) {
		if n > 0 {
			l.tasks = make(chan func(), n)
		}
	}
}

// WithLogger sets the logger used for recovered task panics.
func WithLogger(logger *logrus.Logger) Option {
	return func(l *Looper) {
		if logger != nil {
			l.logger = logger.WithField("looper", l.name)
		}
	}
}

// WithLockOSThread pins the serving goroutine to its OS thread.
func WithLockOSThread() Option {
	return func(l *Looper) { l.lockThread = true }
}

// Looper is a single-consumer FIFO task queue served by one goroutine.
type Looper struct {
	name       string
	tasks      chan func()
	quit       chan struct{}
	done       chan struct{}
	logger     *logrus.Entry
	lockThread bool

	mu       sync.Mutex
	started  bool
	quitting bool
	timers   map[*Task]struct{}

	gid     atomic.Int64
	tid     atomic.Int64
	dropped atomic.Uint64
	panics  atomic.Uint64
}

// New creates a looper. It does not serve tasks until Start or Loop is called,
// but Post already queues work.
func New(name string, opts ...Option) *Looper {
	fallback := logrus.New()
	fallback.SetLevel(logrus.WarnLevel)
	l := &Looper{
		name:   name,
		tasks:  make(chan func(), defaultQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		timers: make(map[*Task]struct{}),
	}
	l.logger = fallback.WithField("looper", name)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the looper name.
func (l *Looper) Name() string { return l.name }

// Start serves the queue on a new goroutine. It returns once the goroutine is running.
func (l *Looper) Start() error {
	if err := l.markStarted(); err != nil {
		return err
	}
	ready := make(chan struct{})
	go l.run(ready)
	<-ready
	return nil
}

// Loop serves the queue on the calling goroutine until Quit.
func (l *Looper) Loop() error {
	if err := l.markStarted(); err != nil {
		return err
	}
	l.run(nil)
	return nil
}

func (l *Looper) markStarted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quitting {
		return ErrLooperQuit
	}
	if l.started {
		return ErrLooperStarted
	}
	l.started = true
	return nil
}

func (l *Looper) run(ready chan struct{}) {
	if l.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		l.tid.Store(int64(stacks.ThreadID()))
	}
	id := stacks.CurrentGoroutineID()
	l.gid.Store(id)
	stacks.Label(id, l.name)
	defer stacks.Unlabel(id)
	defer close(l.done)
	if ready != nil {
		close(ready)
	}

	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-l.quit:
			l.drain()
			return
		}
	}
}

// drain runs what was queued before Quit.
func (l *Looper) drain() {
	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		default:
			return
		}
	}
}

func (l *Looper) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Task panicked")
		}
	}()
	fn()
}

// Post queues fn. It never blocks: when the looper has quit or the queue is
// full the task is dropped and Post returns false.
func (l *Looper) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quitting {
		return false
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// Quit stops accepting work and cancels delayed and repeating tasks. Work that
// is already queued still runs; Done is closed afterwards.
func (l *Looper) Quit() {
	l.mu.Lock()
	if l.quitting {
		l.mu.Unlock()
		return
	}
	l.quitting = true
	pending := make([]*Task, 0, len(l.timers))
	for t := range l.timers {
		pending = append(pending, t)
	}
	l.timers = nil
	started := l.started
	l.mu.Unlock()

	for _, t := range pending {
		t.stop()
	}
	close(l.quit)
	if !started {
		close(l.done)
	}
}

// Done is closed once the looper has exited.
func (l *Looper) Done() <-chan struct{} { return l.done }

// Quitting reports whether Quit was called.
func (l *Looper) Quitting() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quitting
}

// GoroutineID returns the id of the goroutine serving the queue, or 0 before it starts.
func (l *Looper) GoroutineID() int64 { return l.gid.Load() }

// ThreadID returns the OS thread id when WithLockOSThread is set and supported.
func (l *Looper) ThreadID() int64 { return l.tid.Load() }

// Pending returns the number of queued tasks.
func (l *Looper) Pending() int { return len(l.tasks) }

// Dropped returns how many posts were rejected because the queue was full.
func (l *Looper) Dropped() uint64 { return l.dropped.Load() }

// Panics returns how many tasks panicked.
func (l *Looper) Panics() uint64 { return l.panics.Load() }

func (l *Looper) track(t *Task) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.quitting {
		return false
	}
	l.timers[t] = struct{}{}
	return true
}

func (l *Looper) forget(t *Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timers != nil {
		delete(l.timers, t)
	}
}

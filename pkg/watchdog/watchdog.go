// Package watchdog detects stalls of the primary context with a heartbeat probe.
//
// Every CheckInterval the watchdog worker compares the time since the primary
// context last answered a probe against the configured threshold. A suspected
// stall posts a probe and waits GraceWindow for it to run; only a stall that
// survives that forced drain is reported.
package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/perfmon/pkg/clock"
	"github.com/danpilch/perfmon/pkg/config"
	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/lifecycle"
	"github.com/danpilch/perfmon/pkg/looper"
	"github.com/danpilch/perfmon/pkg/stacks"
)

const (
	// CheckInterval is the fixed period of the liveness check.
	CheckInterval = 500 * time.Millisecond
	// GraceWindow is how long a suspected stall has to answer the probe.
	GraceWindow = 50 * time.Millisecond
	// Mode names the detection strategy reported in snapshots.
	Mode = "heartbeat"

	workerName = "anr-watchdog"
)

// Primary is the execution context being watched.
type Primary interface {
	looper.Executor
	GoroutineID() int64
}

// WorkerFactory creates and starts the watchdog's worker.
type WorkerFactory func(name string, logger *logrus.Logger) (*looper.Looper, error)

// StartWorker is the default WorkerFactory.
func StartWorker(name string, logger *logrus.Logger) (*looper.Looper, error) {
	l := looper.New(name, looper.WithLogger(logger))
	if err := l.Start(); err != nil {
		return nil, err
	}
	return l, nil
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithStacks replaces the runtime stack provider.
func WithStacks(p stacks.Provider) Option {
	return func(w *Watchdog) { w.stacks = p }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(w *Watchdog) { w.baseLogger = logger }
}

// WithWorkerFactory replaces worker creation.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(w *Watchdog) { w.newWorker = f }
}

// WithProcessInfo replaces the process sampler used in reports.
func WithProcessInfo(f func() stacks.Process) Option {
	return func(w *Watchdog) { w.processInfo = f }
}

// Status is the public state of the watchdog.
type Status struct {
	Monitoring      bool          `json:"monitoring"`
	UseSigquit      bool          `json:"use_sigquit"`
	Threshold       time.Duration `json:"threshold"`
	Mode            string        `json:"mode"`
	LastResponseAge time.Duration `json:"last_response_age"`
	Stalls          uint64        `json:"stalls"`
}

// Watchdog is the heartbeat stall detector.
type Watchdog struct {
	mu         sync.Mutex
	state      lifecycle.State
	cfg        config.ANRConfig
	worker     *looper.Looper
	task       *looper.Task
	baseLogger *logrus.Logger
	logger     *logrus.Entry

	primary     Primary
	sink        event.Sink
	clock       clock.Clock
	stacks      stacks.Provider
	newWorker   WorkerFactory
	processInfo func() stacks.Process

	running      atomic.Bool
	checking     atomic.Bool
	probePending atomic.Bool
	lastResponse atomic.Int64 // monotonic nanoseconds
	reported     atomic.Int64 // lastResponse value of the stall already reported, -1 if none
	stalls       atomic.Uint64
	captures     sync.WaitGroup
}

// New creates a watchdog for primary that reports to sink.
func New(primary Primary, sink event.Sink, opts ...Option) *Watchdog {
	w := &Watchdog{
		primary:     primary,
		sink:        sink,
		clock:       clock.NewSystem(),
		stacks:      stacks.NewRuntimeProvider(),
		newWorker:   StartWorker,
		processInfo: stacks.ProcessInfo,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.baseLogger == nil {
		w.baseLogger = logrus.New()
		w.baseLogger.SetLevel(logrus.WarnLevel)
	}
	w.logger = w.baseLogger.WithField("component", "watchdog")
	w.reported.Store(-1)
	return w
}

// Init stores the configuration. It is a no-op once initialized.
func (w *Watchdog) Init(cfg config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != lifecycle.Uninitialized {
		return
	}
	if err := cfg.Validate(); err != nil {
		w.logger.WithError(err).Warn("Configuration normalised")
	}
	w.cfg = cfg.ANR
	w.state = lifecycle.Initialized
	if cfg.ANR.UseSigquit {
		w.logger.Debug("Signal based capture requested; using heartbeat mode")
	}
	w.logger.Debug("Watchdog initialized")
}

// Start resets the heartbeat, creates the worker and schedules the check.
// Calling Start while running is a no-op.
func (w *Watchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.state == lifecycle.Uninitialized:
		return lifecycle.ErrNotInitialized
	case !w.state.CanStart():
		return nil
	}

	w.lastResponse.Store(int64(w.clock.Now()))
	w.reported.Store(-1)
	w.probePending.Store(false)

	worker, err := w.newWorker(workerName, w.baseLogger)
	if err != nil {
		return &lifecycle.SchedulingError{Component: "watchdog", Err: err}
	}
	w.worker = worker
	w.running.Store(true)
	w.task = worker.PostRepeating(CheckInterval, w.checkLiveness)
	w.state = lifecycle.Running
	w.logger.Debug("Watchdog started")
	return nil
}

// Stop cancels the check and terminates the worker. It waits for an in-flight
// check and any stack capture to finish. Calling Stop when not running is a no-op.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != lifecycle.Running {
		return
	}
	w.running.Store(false)
	w.task.Cancel()
	w.worker.Quit()
	<-w.worker.Done()
	w.captures.Wait()
	w.task = nil
	w.worker = nil
	w.state = lifecycle.Stopped
	w.logger.Debug("Watchdog stopped")
}

// State returns the lifecycle state.
func (w *Watchdog) State() lifecycle.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status reports the public state.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	threshold := w.cfg.ANRThreshold.Std()
	if w.state == lifecycle.Uninitialized {
		threshold = config.DefaultANRThreshold
	}
	w.mu.Unlock()

	st := Status{
		Monitoring: w.running.Load(),
		Threshold:  threshold,
		Mode:       Mode,
		Stalls:     w.stalls.Load(),
	}
	if st.Monitoring {
		st.LastResponseAge = w.clock.Now() - time.Duration(w.lastResponse.Load())
	}
	return st
}

// ping runs on the primary context and advances the heartbeat.
func (w *Watchdog) ping() {
	w.probePending.Store(false)
	now := int64(w.clock.Now())
	for {
		last := w.lastResponse.Load()
		if now <= last || w.lastResponse.CompareAndSwap(last, now) {
			return
		}
	}
}

// checkLiveness runs on the worker. Overlapping calls are dropped.
func (w *Watchdog) checkLiveness() {
	if !w.running.Load() {
		return
	}
	if !w.checking.CompareAndSwap(false, true) {
		return
	}
	defer w.checking.Store(false)

	threshold := w.cfg.ANRThreshold.Std()
	last := w.lastResponse.Load()
	elapsed := w.clock.Now() - time.Duration(last)
	if elapsed <= threshold {
		return
	}

	if w.probePending.CompareAndSwap(false, true) {
		if !w.primary.Post(w.ping) {
			w.probePending.Store(false)
			w.logger.WithField("elapsed", elapsed).Debug("Probe rejected by primary context")
		}
	}

	w.clock.Sleep(GraceWindow)

	last = w.lastResponse.Load()
	elapsed = w.clock.Now() - time.Duration(last)
	if elapsed <= threshold {
		w.logger.WithField("elapsed", elapsed).Debug("Probe answered within grace window")
		return
	}
	// One event per stall: the heartbeat must advance before another fires.
	if w.reported.Load() == last {
		return
	}
	w.reported.Store(last)
	w.onStallConfirmed(elapsed)
}

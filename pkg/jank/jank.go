// Package jank measures frame intervals, estimates the frame rate and reports
// runs of slow frames.
//
// The per-frame hook runs on the primary context and only enqueues work; all
// aggregation happens on the detector's own worker.
package jank

import (
	"math"
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
	// WindowCapacity bounds the sample window to about one second of frames.
	WindowCapacity = 60
	// StuckFrameCount is how many slow frames make a stuck event.
	StuckFrameCount = 3
	// StuckLowWater prunes slow-frame entries below it on every aggregation cycle.
	StuckLowWater = 100 * time.Millisecond

	workerName      = "frame-monitor"
	reportQueueSize = 32
)

// FrameCallback receives the frame timestamp in monotonic nanoseconds.
type FrameCallback func(frameTimeNanos int64)

// Subscription is the cancellation handle of an armed FrameCallback.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

// Cancel calls f.
func (f SubscriptionFunc) Cancel() { f() }

// FrameSource invokes subscribed callbacks once per display refresh on the primary context.
type FrameSource interface {
	Subscribe(cb FrameCallback) Subscription
}

// Primary identifies the goroutine whose stack is captured for stuck frames.
type Primary interface {
	GoroutineID() int64
}

// WorkerFactory creates and starts the detector's worker.
type WorkerFactory func(name string, logger *logrus.Logger) (*looper.Looper, error)

// StartWorker is the default WorkerFactory.
func StartWorker(name string, logger *logrus.Logger) (*looper.Looper, error) {
	l := looper.New(name, looper.WithLogger(logger))
	if err := l.Start(); err != nil {
		return nil, err
	}
	return l, nil
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock replaces the system clock.
func WithClock(c clock.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithStacks replaces the runtime stack provider.
func WithStacks(p stacks.Provider) Option {
	return func(d *Detector) { d.stacks = p }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(d *Detector) { d.baseLogger = logger }
}

// WithWorkerFactory replaces worker creation.
func WithWorkerFactory(f WorkerFactory) Option {
	return func(d *Detector) { d.newWorker = f }
}

// Status is the public state of the detector.
type Status struct {
	Monitoring bool   `json:"monitoring"`
	FrameRate  int    `json:"frame_rate"`
	IsNormal   bool   `json:"is_normal"`
	Frames     uint64 `json:"frames"`
}

// report is one detection waiting for delivery. A non-zero stuck average
// means the primary stack is captured before a FrameStuck is built.
type report struct {
	ev    event.Event
	stuck time.Duration
}

// frameClock is the primary-context state of one armed period.
type frameClock struct {
	worker         *looper.Looper
	lastFrameNanos int64
	lastWall       time.Time
}

// Detector is the frame timing and jank detector.
type Detector struct {
	mu         sync.Mutex
	state      lifecycle.State
	cfg        config.SmoothnessConfig
	callback   FrameCallback
	sub        Subscription
	worker     *looper.Looper
	task       *looper.Task
	baseLogger *logrus.Logger
	logger     *logrus.Entry

	source    FrameSource
	primary   Primary
	sink      event.Sink
	clock     clock.Clock
	stacks    stacks.Provider
	newWorker WorkerFactory

	armed     atomic.Pointer[frameClock]
	running   atomic.Bool
	detecting atomic.Bool
	frameRate atomic.Int32
	frames    atomic.Uint64
	reports   chan report
	reporter  sync.WaitGroup

	// Owned by the worker.
	window []float64
	stuck  []time.Duration
}

// New creates a detector fed by source that reports to sink.
func New(source FrameSource, primary Primary, sink event.Sink, opts ...Option) *Detector {
	d := &Detector{
		source:    source,
		primary:   primary,
		sink:      sink,
		clock:     clock.NewSystem(),
		stacks:    stacks.NewRuntimeProvider(),
		newWorker: StartWorker,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.baseLogger == nil {
		d.baseLogger = logrus.New()
		d.baseLogger.SetLevel(logrus.WarnLevel)
	}
	d.logger = d.baseLogger.WithField("component", "jank")
	d.frameRate.Store(config.MaxFrameRate)
	return d
}

// Init stores the configuration and prepares the per-frame callback without
// arming it. It is a no-op once initialized.
func (d *Detector) Init(cfg config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != lifecycle.Uninitialized {
		return
	}
	if err := cfg.Validate(); err != nil {
		d.logger.WithError(err).Warn("Configuration normalised")
	}
	d.cfg = cfg.Smoothness
	d.callback = d.onFrame
	d.state = lifecycle.Initialized
	d.logger.Debug("Frame detector initialized")
}

// Start resets the rolling state, starts the worker with its aggregation task
// and arms the per-frame callback. Calling Start while running is a no-op.
func (d *Detector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.state == lifecycle.Uninitialized:
		return lifecycle.ErrNotInitialized
	case !d.state.CanStart():
		return nil
	}

	d.window = make([]float64, 0, WindowCapacity)
	d.stuck = d.stuck[:0]
	d.frameRate.Store(config.MaxFrameRate)
	d.frames.Store(0)

	worker, err := d.newWorker(workerName, d.baseLogger)
	if err != nil {
		return &lifecycle.SchedulingError{Component: "jank", Err: err}
	}
	d.worker = worker
	d.reports = make(chan report, reportQueueSize)
	d.reporter.Add(1)
	go d.deliver(d.reports)
	d.running.Store(true)
	d.task = worker.PostRepeating(d.cfg.SampleInterval.Std(), d.aggregate)
	d.armed.Store(&frameClock{worker: worker})
	d.sub = d.source.Subscribe(d.callback)
	d.state = lifecycle.Running
	d.logger.Debug("Frame detector started")
	return nil
}

// Stop disarms the per-frame callback, cancels aggregation and terminates the
// worker. Calling Stop when not running is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != lifecycle.Running {
		return
	}
	d.armed.Store(nil)
	if d.sub != nil {
		d.sub.Cancel()
		d.sub = nil
	}
	d.running.Store(false)
	d.task.Cancel()
	d.worker.Quit()
	<-d.worker.Done()
	close(d.reports)
	d.reporter.Wait()
	d.reports = nil
	d.task = nil
	d.worker = nil
	d.state = lifecycle.Stopped
	d.logger.Debug("Frame detector stopped")
}

// State returns the lifecycle state.
func (d *Detector) State() lifecycle.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// FrameRate returns the last published frame rate estimate.
func (d *Detector) FrameRate() int {
	return int(d.frameRate.Load())
}

// Status reports the public state.
func (d *Detector) Status() Status {
	d.mu.Lock()
	threshold := d.cfg.LowFrameRateThreshold
	if d.state == lifecycle.Uninitialized {
		threshold = config.DefaultLowFrameRateThreshold
	}
	d.mu.Unlock()

	fps := d.FrameRate()
	return Status{
		Monitoring: d.running.Load(),
		FrameRate:  fps,
		IsNormal:   fps >= threshold,
		Frames:     d.frames.Load(),
	}
}

// onFrame runs on the primary context once per refresh. It must not block.
func (d *Detector) onFrame(frameTimeNanos int64) {
	fc := d.armed.Load()
	if fc == nil {
		return
	}
	d.frames.Add(1)

	if fc.lastFrameNanos > 0 && frameTimeNanos >= fc.lastFrameNanos {
		intervalMs := float64(frameTimeNanos-fc.lastFrameNanos) / 1e6
		fc.worker.Post(func() { d.addSample(intervalMs) })
	}
	fc.lastFrameNanos = frameTimeNanos

	// Cheaper wall-clock timeline for the stuck check.
	now := d.clock.Wall()
	if !fc.lastWall.IsZero() {
		frameDuration := now.Sub(fc.lastWall)
		if frameDuration > d.cfg.StuckThreshold.Std() {
			fc.worker.Post(func() { d.detectStuck(frameDuration) })
		}
	}
	fc.lastWall = now
}

// addSample runs on the worker.
func (d *Detector) addSample(intervalMs float64) {
	d.window = append(d.window, intervalMs)
	if len(d.window) > WindowCapacity {
		n := copy(d.window, d.window[len(d.window)-WindowCapacity:])
		d.window = d.window[:n]
	}
}

// FrameRate converts frame intervals in milliseconds to an integer rate in
// [0, MaxFrameRate]. It reports false for an empty window.
func FrameRate(intervalsMs []float64) (int, bool) {
	if len(intervalsMs) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range intervalsMs {
		sum += v
	}
	avg := sum / float64(len(intervalsMs))
	if avg <= 0 {
		return config.MaxFrameRate, true
	}
	fps := int(math.Round(1000 / avg))
	if fps < 0 {
		fps = 0
	}
	if fps > config.MaxFrameRate {
		fps = config.MaxFrameRate
	}
	return fps, true
}

// aggregate runs on the worker once per sample interval.
func (d *Detector) aggregate() {
	if !d.running.Load() {
		return
	}
	d.pruneStuck()

	fps, ok := FrameRate(d.window)
	if !ok {
		return
	}
	d.window = d.window[:0]
	d.frameRate.Store(int32(fps))

	if fps < d.cfg.LowFrameRateThreshold {
		d.logger.WithField("fps", fps).Debug("Low frame rate")
		d.enqueue(report{ev: event.LowFrameRate{FPS: fps}})
	}
}

// pruneStuck drops slow-frame entries below the low-water mark.
func (d *Detector) pruneStuck() {
	kept := d.stuck[:0]
	for _, s := range d.stuck {
		if s >= StuckLowWater {
			kept = append(kept, s)
		}
	}
	d.stuck = kept
}

// detectStuck runs on the worker. Overlapping calls are dropped.
func (d *Detector) detectStuck(frameDuration time.Duration) {
	if !d.running.Load() {
		return
	}
	if !d.detecting.CompareAndSwap(false, true) {
		return
	}
	defer d.detecting.Store(false)

	d.stuck = append(d.stuck, frameDuration)
	if len(d.stuck) < StuckFrameCount {
		return
	}

	var sum time.Duration
	for _, s := range d.stuck {
		sum += s
	}
	avg := sum / time.Duration(len(d.stuck))
	d.stuck = d.stuck[:0]
	d.enqueue(report{stuck: avg})
}

// enqueue runs on the worker. Reports leave in detection order; a full queue
// drops the report rather than stall the worker.
func (d *Detector) enqueue(r report) {
	select {
	case d.reports <- r:
	default:
		d.logger.Warn("Report queue full, dropping frame event")
	}
}

// deliver runs on the detector's reporter goroutine, off both the worker and
// the primary context. Stack captures happen here one at a time.
func (d *Detector) deliver(reports <-chan report) {
	defer d.reporter.Done()
	for r := range reports {
		d.publish(r)
	}
}

func (d *Detector) publish(r report) {
	defer func() {
		if v := recover(); v != nil {
			d.logger.WithField("panic", v).Error("Error processing frame event")
		}
	}()

	ev := r.ev
	if r.stuck > 0 {
		stack, err := d.stacks.Stack(d.primary.GoroutineID())
		if err != nil {
			d.logger.WithError(err).Error("Cannot capture primary goroutine stack")
			stack = "Unable to get stack trace: " + err.Error()
		}
		ev = event.FrameStuck{DurationMs: r.stuck.Milliseconds(), Stack: stack}
		d.logger.WithField("avg_ms", r.stuck.Milliseconds()).Warn("Frame stuck detected")
	}
	if !d.running.Load() {
		return
	}
	d.sink(ev)
}

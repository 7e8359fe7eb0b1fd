// Package monitor coordinates the heartbeat watchdog and the frame detector
// behind a single configure, start, stop and snapshot surface.
//
// Detected events are marshalled onto the primary context before they reach
// the registered Observer, so the observer sees a single-threaded stream.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/perfmon/pkg/clock"
	"github.com/danpilch/perfmon/pkg/config"
	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/jank"
	"github.com/danpilch/perfmon/pkg/lifecycle"
	"github.com/danpilch/perfmon/pkg/looper"
	"github.com/danpilch/perfmon/pkg/stacks"
	"github.com/danpilch/perfmon/pkg/watchdog"
)

const (
	StatusInitialized    = "Initialized"
	StatusNotInitialized = "Not Initialized"
)

// Primary is the host's primary execution context.
type Primary interface {
	looper.Executor
	GoroutineID() int64
}

// Snapshot is the composite public state of both detectors.
type Snapshot struct {
	Monitoring      bool          `json:"is_monitoring"`
	FrameRate       int           `json:"frame_rate"`
	IsNormal        bool          `json:"is_normal"`
	ANRThreshold    time.Duration `json:"anr_threshold"`
	Mode            string        `json:"mode"`
	Status          string        `json:"status"`
	UseSigquit      bool          `json:"use_sigquit"`
	Frames          uint64        `json:"frames"`
	Stalls          uint64        `json:"stalls"`
	LastResponseAge time.Duration `json:"last_response_age"`
}

// Option configures a Monitor.
type Option func(*options)

type options struct {
	logger    *logrus.Logger
	clock     clock.Clock
	stacks    stacks.Provider
	newWorker func(name string, logger *logrus.Logger) (*looper.Looper, error)
}

// WithLogger sets the logger shared by the monitor and both detectors.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces the system clock in both detectors.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStacks replaces the runtime stack provider in both detectors.
func WithStacks(p stacks.Provider) Option {
	return func(o *options) { o.stacks = p }
}

// WithWorkerFactory replaces worker creation in both detectors.
func WithWorkerFactory(f func(name string, logger *logrus.Logger) (*looper.Looper, error)) Option {
	return func(o *options) { o.newWorker = f }
}

type observerRef struct{ Observer }

// Monitor owns both detectors and the observer reference.
type Monitor struct {
	mu         sync.Mutex
	configured bool
	cfg        config.Config
	ownLogger  bool

	primary  Primary
	watchdog *watchdog.Watchdog
	jank     *jank.Detector
	observer atomic.Pointer[observerRef]

	baseLogger *logrus.Logger
	logger     *logrus.Entry

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an unconfigured monitor for primary fed by frames from source.
func New(primary Primary, source jank.FrameSource, opts ...Option) *Monitor {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Monitor{primary: primary, baseLogger: o.logger}
	if m.baseLogger == nil {
		m.baseLogger = NewLogger(false)
		m.ownLogger = true
	}
	m.logger = m.baseLogger.WithField("component", "monitor")
	m.observer.Store(&observerRef{NopObserver{}})

	wdOpts := []watchdog.Option{watchdog.WithLogger(m.baseLogger)}
	jkOpts := []jank.Option{jank.WithLogger(m.baseLogger)}
	if o.clock != nil {
		wdOpts = append(wdOpts, watchdog.WithClock(o.clock))
		jkOpts = append(jkOpts, jank.WithClock(o.clock))
	}
	if o.stacks != nil {
		wdOpts = append(wdOpts, watchdog.WithStacks(o.stacks))
		jkOpts = append(jkOpts, jank.WithStacks(o.stacks))
	}
	if o.newWorker != nil {
		wdOpts = append(wdOpts, watchdog.WithWorkerFactory(o.newWorker))
		jkOpts = append(jkOpts, jank.WithWorkerFactory(o.newWorker))
	}
	m.watchdog = watchdog.New(primary, m.dispatch, wdOpts...)
	m.jank = jank.New(source, primary, m.dispatch, jkOpts...)
	return m
}

// Configure supplies the configuration once. A second call is ignored with a
// warning and returns ErrAlreadyInitialized.
func (m *Monitor) Configure(cfg config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.configured {
		m.logger.Warn("Monitor already initialized, ignoring configuration")
		return lifecycle.ErrAlreadyInitialized
	}
	if err := cfg.Validate(); err != nil {
		m.logger.WithError(err).Warn("Configuration normalised")
	}
	if m.ownLogger {
		setDebug(m.baseLogger, cfg.DebugMode)
	}
	m.cfg = cfg
	m.watchdog.Init(cfg)
	m.jank.Init(cfg)
	m.configured = true
	m.logger.WithFields(logrus.Fields{
		"anr_threshold":   cfg.ANR.ANRThreshold,
		"stuck_threshold": cfg.Smoothness.StuckThreshold,
		"sample_interval": cfg.Smoothness.SampleInterval,
	}).Debug("Monitor configured")
	return nil
}

// Start starts the watchdog and then the frame detector. If the frame
// detector cannot start, the watchdog is stopped again.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured {
		return lifecycle.ErrNotInitialized
	}
	if err := m.watchdog.Start(); err != nil {
		m.logger.WithError(err).Error("Cannot start watchdog")
		return err
	}
	if err := m.jank.Start(); err != nil {
		m.logger.WithError(err).Error("Cannot start frame detector")
		m.watchdog.Stop()
		return err
	}
	m.logger.Info("Monitoring started")
	return nil
}

// Stop stops the watchdog and then the frame detector.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.configured {
		return
	}
	wasRunning := m.watchdog.State() == lifecycle.Running || m.jank.State() == lifecycle.Running
	m.watchdog.Stop()
	m.jank.Stop()
	if wasRunning {
		m.logger.Info("Monitoring stopped")
	}
}

// SetObserver replaces the observer. A nil observer discards events.
func (m *Monitor) SetObserver(o Observer) {
	if o == nil {
		o = NopObserver{}
	}
	m.observer.Store(&observerRef{o})
}

// Snapshot queries both detectors. It is safe from any goroutine, before
// Configure included.
func (m *Monitor) Snapshot() Snapshot {
	wd := m.watchdog.Status()
	jk := m.jank.Status()

	m.mu.Lock()
	status := StatusNotInitialized
	if m.configured {
		status = StatusInitialized
	}
	m.mu.Unlock()

	return Snapshot{
		Monitoring:      wd.Monitoring && jk.Monitoring,
		FrameRate:       jk.FrameRate,
		IsNormal:        jk.IsNormal,
		ANRThreshold:    wd.Threshold,
		Mode:            wd.Mode,
		Status:          status,
		UseSigquit:      wd.UseSigquit,
		Frames:          jk.Frames,
		Stalls:          wd.Stalls,
		LastResponseAge: wd.LastResponseAge,
	}
}

// Config returns the configuration and whether Configure was called.
func (m *Monitor) Config() (config.Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.configured
}

// Delivered returns how many events reached the observer.
func (m *Monitor) Delivered() uint64 { return m.delivered.Load() }

// Dropped returns how many events the primary context refused.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

// dispatch is the single point where detector events cross to the primary context.
func (m *Monitor) dispatch(e event.Event) {
	if m.primary.Post(func() { m.deliver(e) }) {
		return
	}
	m.dropped.Add(1)
	m.logger.WithField("event", e.Kind()).Warn("Primary context rejected event delivery")
}

// deliver runs on the primary context.
func (m *Monitor) deliver(e event.Event) {
	o := m.observer.Load().Observer
	m.delivered.Add(1)
	switch ev := e.(type) {
	case event.FrameStuck:
		o.OnFrameStuck(ev.DurationMs, ev.Stack)
	case event.LowFrameRate:
		o.OnLowFrameRate(ev.FPS)
	case event.StallConfirmed:
		o.OnANRDetected(ev.DelayMs, ev.Stack, ev.Report)
	default:
		m.logger.WithField("event", e.Kind()).Warn("Unknown event")
	}
}

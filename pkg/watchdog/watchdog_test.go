package watchdog

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/perfmon/pkg/clock"
	"github.com/danpilch/perfmon/pkg/config"
	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/lifecycle"
	"github.com/danpilch/perfmon/pkg/looper"
	"github.com/danpilch/perfmon/pkg/stacks"
)

var quietLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// fakePrimary queues probes until drained, or runs them inline.
type fakePrimary struct {
	mu     sync.Mutex
	queue  []func()
	inline bool
	reject bool
}

func (p *fakePrimary) Post(fn func()) bool {
	p.mu.Lock()
	if p.reject {
		p.mu.Unlock()
		return false
	}
	if p.inline {
		p.mu.Unlock()
		fn()
		return true
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()
	return true
}

func (p *fakePrimary) GoroutineID() int64 { return 1 }

func (p *fakePrimary) drain() {
	p.mu.Lock()
	q := p.queue
	p.queue = nil
	p.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}

func (p *fakePrimary) pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

type fakeStacks struct {
	err error
}

const sleepingStack = "goroutine 1 [sleep]:\ntime.Sleep(0x2540be400)\nmain.onClick()\n\t/app/main.go:30 +0x1d"

func (s fakeStacks) Stack(int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return sleepingStack, nil
}

func (s fakeStacks) All() ([]stacks.Goroutine, error) {
	if s.err != nil {
		return nil, s.err
	}
	return stacks.Parse([]byte(sleepingStack + "\n\ngoroutine 90009 [select]:\nmain.worker()\n\t/app/main.go:50 +0x1d\n")), nil
}

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	ch     chan event.Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan event.Event, 16)} }

func (r *recorder) sink(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

// idleWorker never serves its queue, so only the test drives checkLiveness.
func idleWorker(name string, _ *logrus.Logger) (*looper.Looper, error) {
	return looper.New(name), nil
}

func newTestWatchdog(t *testing.T, p *fakePrimary, st stacks.Provider, anr time.Duration) (*Watchdog, *clock.Fake, *recorder) {
	t.Helper()
	fc := clock.NewFake(time.Hour)
	rec := newRecorder()
	w := New(p, rec.sink,
		WithClock(fc),
		WithStacks(st),
		WithLogger(quietLogger),
		WithWorkerFactory(idleWorker),
		WithProcessInfo(func() stacks.Process { return stacks.Process{PID: 42} }),
	)
	cfg := config.Default()
	cfg.ANR.ANRThreshold = config.Duration(anr)
	w.Init(cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, fc, rec
}

func TestCheck_WithinThresholdDoesNothing(t *testing.T) {
	p := &fakePrimary{}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{}, 5*time.Second)

	fc.Advance(5 * time.Second)
	w.checkLiveness()
	if p.pending() != 0 {
		t.Fatalf("probe posted although elapsed == threshold")
	}
	if rec.count() != 0 {
		t.Fatalf("unexpected event")
	}
}

func TestCheck_ResponsivePrimaryClearsSuspicion(t *testing.T) {
	p := &fakePrimary{inline: true}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{}, 5*time.Second)

	fc.Advance(6 * time.Second)
	w.checkLiveness()
	w.captures.Wait()
	if rec.count() != 0 {
		t.Fatalf("stall reported for responsive primary")
	}
	if age := w.Status().LastResponseAge; age > GraceWindow {
		t.Fatalf("heartbeat not advanced, age %v", age)
	}
}

func TestCheck_ProbeAnsweredDuringGrace(t *testing.T) {
	p := &fakePrimary{}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{}, 5*time.Second)
	fc.OnSleep(func(time.Duration) { p.drain() })

	fc.Advance(7 * time.Second)
	w.checkLiveness()
	w.captures.Wait()
	if rec.count() != 0 {
		t.Fatalf("stall reported although probe ran within grace window")
	}
}

func TestCheck_HungPrimaryFiresExactlyOnce(t *testing.T) {
	p := &fakePrimary{}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{}, 5*time.Second)

	fc.Advance(6 * time.Second)
	w.checkLiveness()

	ev := rec.next(t)
	stall, ok := ev.(event.StallConfirmed)
	if !ok {
		t.Fatalf("expected StallConfirmed, got %T", ev)
	}
	if stall.DelayMs < 6000 || stall.DelayMs > 6000+GraceWindow.Milliseconds() {
		t.Fatalf("delay %dms outside 6000ms + grace", stall.DelayMs)
	}
	if stall.Stack != sleepingStack {
		t.Fatalf("unexpected stack %q", stall.Stack)
	}
	if stall.Reason != string(stacks.ReasonSleep) {
		t.Fatalf("unexpected reason %q", stall.Reason)
	}
	for _, want := range []string{"Stall detected by watchdog", "Delay: 6050ms", "pid=42", "Reason: Sleeping", "Goroutine summary:", "Goroutine: goroutine-90009 (90009, select)"} {
		if !strings.Contains(stall.Report, want) {
			t.Errorf("report missing %q:\n%s", want, stall.Report)
		}
	}

	for i := 0; i < 6; i++ {
		fc.Advance(CheckInterval)
		w.checkLiveness()
	}
	w.captures.Wait()
	if rec.count() != 1 {
		t.Fatalf("expected exactly one stall, got %d", rec.count())
	}
	if p.pending() != 1 {
		t.Fatalf("expected a single outstanding probe, got %d", p.pending())
	}
	if w.Status().Stalls != 1 {
		t.Fatalf("status stalls = %d", w.Status().Stalls)
	}
}

func TestCheck_NewStallAfterRecovery(t *testing.T) {
	p := &fakePrimary{}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{}, time.Second)

	fc.Advance(2 * time.Second)
	w.checkLiveness()
	rec.next(t)

	p.drain() // primary recovers and answers the outstanding probe
	fc.Advance(CheckInterval)
	w.checkLiveness()
	if p.pending() != 0 {
		t.Fatal("probe posted while healthy")
	}

	fc.Advance(2 * time.Second)
	w.checkLiveness()
	rec.next(t)
	if rec.count() != 2 {
		t.Fatalf("expected second stall, got %d", rec.count())
	}
}

func TestCheck_OverlappingCheckDropped(t *testing.T) {
	p := &fakePrimary{}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{}, time.Second)

	fc.Advance(3 * time.Second)
	w.checking.Store(true)
	w.checkLiveness()
	w.checking.Store(false)
	if p.pending() != 0 || rec.count() != 0 {
		t.Fatal("overlapping check was not dropped")
	}
}

func TestCheck_RejectedProbeStillConfirms(t *testing.T) {
	p := &fakePrimary{reject: true}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{}, time.Second)

	fc.Advance(3 * time.Second)
	w.checkLiveness()
	if _, ok := rec.next(t).(event.StallConfirmed); !ok {
		t.Fatal("expected stall when the primary queue rejects probes")
	}
}

func TestCapture_FailureStillDispatches(t *testing.T) {
	p := &fakePrimary{}
	w, fc, rec := newTestWatchdog(t, p, fakeStacks{err: &stacks.CaptureError{Op: "stack", Err: stacks.ErrGoroutineNotFound}}, time.Second)

	fc.Advance(3 * time.Second)
	w.checkLiveness()
	stall := rec.next(t).(event.StallConfirmed)
	if stall.Stack != "" {
		t.Fatalf("expected empty stack, got %q", stall.Stack)
	}
	if stall.Reason != string(stacks.ReasonUnknown) || stall.Report == "" {
		t.Fatalf("expected best-effort report, got %+v", stall)
	}
}

func TestLifecycle(t *testing.T) {
	p := &fakePrimary{}
	w := New(p, func(event.Event) {}, WithLogger(quietLogger), WithWorkerFactory(idleWorker))

	if err := w.Start(); !errors.Is(err, lifecycle.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	st := w.Status()
	if st.Monitoring || st.Threshold != config.DefaultANRThreshold || st.Mode != Mode || st.UseSigquit {
		t.Fatalf("unexpected status before init: %+v", st)
	}

	cfg := config.Default()
	cfg.ANR.ANRThreshold = config.Duration(2 * time.Second)
	w.Init(cfg)
	other := config.Default()
	other.ANR.ANRThreshold = config.Duration(9 * time.Second)
	w.Init(other)
	if w.Status().Threshold != 2*time.Second {
		t.Fatal("second Init replaced configuration")
	}

	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	worker := w.worker
	if err := w.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if w.worker != worker || w.State() != lifecycle.Running {
		t.Fatal("second start changed state")
	}

	w.Stop()
	w.Stop()
	if w.State() != lifecycle.Stopped || w.Status().Monitoring {
		t.Fatalf("unexpected state after stop: %s", w.State())
	}
	select {
	case <-worker.Done():
	default:
		t.Fatal("worker still running after stop")
	}

	if err := w.Start(); err != nil || w.State() != lifecycle.Running {
		t.Fatalf("restart failed: %v", err)
	}
	w.Stop()
}

func TestStart_SchedulingFailure(t *testing.T) {
	cause := errors.New("no threads left")
	w := New(&fakePrimary{}, func(event.Event) {}, WithLogger(quietLogger),
		WithWorkerFactory(func(string, *logrus.Logger) (*looper.Looper, error) { return nil, cause }))
	w.Init(config.Default())

	err := w.Start()
	var se *lifecycle.SchedulingError
	if !errors.As(err, &se) || !errors.Is(err, cause) {
		t.Fatalf("expected SchedulingError wrapping cause, got %v", err)
	}
	if w.State() != lifecycle.Initialized {
		t.Fatalf("state changed on failure: %s", w.State())
	}
}

func TestWatchdog_DetectsBlockedLooper(t *testing.T) {
	primary := looper.New("primary", looper.WithLogger(quietLogger))
	if err := primary.Start(); err != nil {
		t.Fatalf("start primary: %v", err)
	}
	defer primary.Quit()

	rec := newRecorder()
	w := New(primary, rec.sink, WithLogger(quietLogger))
	cfg := config.Default()
	cfg.ANR.ANRThreshold = config.Duration(200 * time.Millisecond)
	w.Init(cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	primary.Post(func() { time.Sleep(900 * time.Millisecond) })

	stall := rec.next(t).(event.StallConfirmed)
	if stall.DelayMs < 200 {
		t.Fatalf("delay %dms below threshold", stall.DelayMs)
	}
	if stall.Reason != string(stacks.ReasonSleep) {
		t.Fatalf("expected sleep classification, got %q\n%s", stall.Reason, stall.Stack)
	}
	if !strings.Contains(stall.Report, "Goroutine: primary (") {
		t.Fatalf("primary goroutine not labeled in report:\n%s", stall.Report)
	}
}

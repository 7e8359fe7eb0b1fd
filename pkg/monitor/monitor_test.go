package monitor

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/perfmon/pkg/config"
	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/jank"
	"github.com/danpilch/perfmon/pkg/lifecycle"
	"github.com/danpilch/perfmon/pkg/looper"
	"github.com/danpilch/perfmon/pkg/stacks"
	"github.com/danpilch/perfmon/pkg/watchdog"
)

var quietLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type fakeSource struct {
	mu   sync.Mutex
	subs int
	live int
}

func (s *fakeSource) Subscribe(jank.FrameCallback) jank.Subscription {
	s.mu.Lock()
	s.subs++
	s.live++
	s.mu.Unlock()
	return jank.SubscriptionFunc(func() {
		s.mu.Lock()
		s.live--
		s.mu.Unlock()
	})
}

func startPrimary(t *testing.T) *looper.Looper {
	t.Helper()
	p := looper.New("primary", looper.WithLogger(quietLogger))
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		p.Quit()
		<-p.Done()
	})
	return p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSnapshot_BeforeConfigure(t *testing.T) {
	m := New(startPrimary(t), &fakeSource{}, WithLogger(quietLogger))
	snap := m.Snapshot()
	if snap.Monitoring || snap.FrameRate != 60 || !snap.IsNormal {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Status != StatusNotInitialized || snap.Mode != watchdog.Mode || snap.UseSigquit {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.ANRThreshold != config.DefaultANRThreshold {
		t.Fatalf("threshold = %v", snap.ANRThreshold)
	}
	if err := m.Start(); !errors.Is(err, lifecycle.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	m.Stop()
}

func TestConfigure_Once(t *testing.T) {
	m := New(startPrimary(t), &fakeSource{}, WithLogger(quietLogger))
	first := config.Default()
	first.ANR.ANRThreshold = config.Duration(2 * time.Second)
	if err := m.Configure(first); err != nil {
		t.Fatal(err)
	}
	second := config.Default()
	second.ANR.ANRThreshold = config.Duration(9 * time.Second)
	if err := m.Configure(second); !errors.Is(err, lifecycle.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	cfg, ok := m.Config()
	if !ok || cfg.ANR.ANRThreshold.Std() != 2*time.Second {
		t.Fatalf("configuration replaced: %+v", cfg)
	}
	if snap := m.Snapshot(); snap.Status != StatusInitialized || snap.ANRThreshold != 2*time.Second {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	src := &fakeSource{}
	m := New(startPrimary(t), src, WithLogger(quietLogger))
	if err := m.Configure(config.Default()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if !m.Snapshot().Monitoring || src.subs != 1 {
		t.Fatalf("snapshot=%+v subs=%d", m.Snapshot(), src.subs)
	}

	m.Stop()
	m.Stop()
	if m.Snapshot().Monitoring || src.live != 0 {
		t.Fatalf("still monitoring after stop: live=%d", src.live)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	if !m.Snapshot().Monitoring {
		t.Fatal("restart did not resume monitoring")
	}
}

func TestStart_RollsBackWatchdog(t *testing.T) {
	failFrames := func(name string, logger *logrus.Logger) (*looper.Looper, error) {
		if name == "frame-monitor" {
			return nil, errors.New("no threads left")
		}
		return watchdog.StartWorker(name, logger)
	}
	m := New(startPrimary(t), &fakeSource{}, WithLogger(quietLogger), WithWorkerFactory(failFrames))
	if err := m.Configure(config.Default()); err != nil {
		t.Fatal(err)
	}

	var se *lifecycle.SchedulingError
	if err := m.Start(); !errors.As(err, &se) || se.Component != "jank" {
		t.Fatalf("expected jank SchedulingError, got %v", err)
	}
	if m.watchdog.State() != lifecycle.Stopped || m.Snapshot().Monitoring {
		t.Fatalf("watchdog left running: %s", m.watchdog.State())
	}
}

func TestDispatch_DeliversOnPrimary(t *testing.T) {
	primary := startPrimary(t)
	m := New(primary, &fakeSource{}, WithLogger(quietLogger))

	var mu sync.Mutex
	var got []string
	var gids []int64
	record := func(s string) {
		mu.Lock()
		got = append(got, s)
		gids = append(gids, stacks.CurrentGoroutineID())
		mu.Unlock()
	}
	m.SetObserver(ObserverFuncs{
		FrameStuck:   func(ms int64, stack string) { record("stuck " + stack) },
		ANRDetected:  func(ms int64, stack, report string) { record("anr " + report) },
		LowFrameRate: func(fps int) { record("low") },
	})

	m.dispatch(event.LowFrameRate{FPS: 40})
	m.dispatch(event.FrameStuck{DurationMs: 61, Stack: "s"})
	m.dispatch(event.StallConfirmed{DelayMs: 6000, Report: "r"})

	waitFor(t, "three deliveries", func() bool { return m.Delivered() == 3 })
	mu.Lock()
	defer mu.Unlock()
	want := []string{"low", "stuck s", "anr r"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery %d = %q, want %q", i, got[i], want[i])
		}
		if gids[i] != primary.GoroutineID() {
			t.Fatalf("delivery %d ran on goroutine %d, not the primary %d", i, gids[i], primary.GoroutineID())
		}
	}
}

func TestSetObserver_LastWriterWins(t *testing.T) {
	m := New(startPrimary(t), &fakeSource{}, WithLogger(quietLogger))

	first := make(chan int, 1)
	second := make(chan int, 1)
	m.SetObserver(ObserverFuncs{LowFrameRate: func(fps int) { first <- fps }})
	m.SetObserver(ObserverFuncs{LowFrameRate: func(fps int) { second <- fps }})

	m.dispatch(event.LowFrameRate{FPS: 12})
	select {
	case fps := <-second:
		if fps != 12 {
			t.Fatalf("fps = %d", fps)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("latest observer not called")
	}
	if len(first) != 0 {
		t.Fatal("replaced observer still called")
	}

	m.SetObserver(nil)
	m.dispatch(event.LowFrameRate{FPS: 1})
	waitFor(t, "delivery to nop observer", func() bool { return m.Delivered() == 2 })
}

func TestDispatch_RejectedByPrimary(t *testing.T) {
	primary := looper.New("primary")
	primary.Quit()
	m := New(primary, &fakeSource{}, WithLogger(quietLogger))
	m.dispatch(event.LowFrameRate{FPS: 3})
	if m.Dropped() != 1 || m.Delivered() != 0 {
		t.Fatalf("dropped=%d delivered=%d", m.Dropped(), m.Delivered())
	}
}

func TestStallReachesObserver(t *testing.T) {
	if testing.Short() {
		t.Skip("uses real time")
	}
	primary := startPrimary(t)
	m := New(primary, &fakeSource{}, WithLogger(quietLogger))
	cfg := config.Default()
	cfg.ANR.ANRThreshold = config.Duration(200 * time.Millisecond)
	if err := m.Configure(cfg); err != nil {
		t.Fatal(err)
	}

	reports := make(chan string, 4)
	m.SetObserver(ObserverFuncs{ANRDetected: func(delayMs int64, stack, report string) {
		if delayMs < 200 {
			t.Errorf("delay %dms below threshold", delayMs)
		}
		reports <- report
	}})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	primary.Post(func() { time.Sleep(900 * time.Millisecond) })

	select {
	case report := <-reports:
		if !strings.Contains(report, "Stall detected by watchdog") {
			t.Fatalf("unexpected report:\n%s", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stall never reached the observer")
	}
	if n := m.Snapshot().Stalls; n != 1 {
		t.Fatalf("stalls = %d", n)
	}
}

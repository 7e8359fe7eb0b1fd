package looper

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danpilch/perfmon/pkg/stacks"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestLooper_RunsTasksInOrder(t *testing.T) {
	l := New("ordered")
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Quit()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}) {
			t.Fatalf("post %d rejected", i)
		}
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	})
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
}

func TestLooper_StartTwice(t *testing.T) {
	l := New("twice")
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.Start(); !errors.Is(err, ErrLooperStarted) {
		t.Fatalf("expected ErrLooperStarted, got %v", err)
	}
	l.Quit()
	<-l.Done()
	if err := l.Start(); !errors.Is(err, ErrLooperQuit) {
		t.Fatalf("expected ErrLooperQuit, got %v", err)
	}
}

func TestLooper_PanicDoesNotStopLooper(t *testing.T) {
	l := New("panicky")
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Quit()

	var ran atomic.Bool
	l.Post(func() { panic("boom") })
	l.Post(func() { ran.Store(true) })
	waitFor(t, time.Second, ran.Load)
	if l.Panics() != 1 {
		t.Fatalf("expected 1 recorded panic, got %d", l.Panics())
	}
}

func TestLooper_QuitDrainsQueuedWork(t *testing.T) {
	l := New("drain")
	var count atomic.Int32
	for i := 0; i < 5; i++ {
		l.Post(func() { count.Add(1) })
	}
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.Quit()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("looper did not exit")
	}
	if count.Load() != 5 {
		t.Fatalf("expected queued work to drain, ran %d", count.Load())
	}
	if l.Post(func() {}) {
		t.Fatal("post accepted after quit")
	}
}

func TestLooper_FullQueueDrops(t *testing.T) {
	l := New("small", WithQueueSize(2))
	if !l.Post(func() {}) || !l.Post(func() {}) {
		t.Fatal("expected first two posts to fit")
	}
	if l.Post(func() {}) {
		t.Fatal("expected third post to be dropped")
	}
	if l.Dropped() != 1 || l.Pending() != 2 {
		t.Fatalf("dropped=%d pending=%d", l.Dropped(), l.Pending())
	}
	l.Quit()
	<-l.Done()
}

func TestLooper_LoopOnCallingGoroutine(t *testing.T) {
	l := New("primary")
	ids := make(chan int64, 1)
	l.Post(func() {
		ids <- stacks.CurrentGoroutineID()
		if name, ok := stacks.LabelOf(l.GoroutineID()); !ok || name != "primary" {
			t.Errorf("serving goroutine not labeled: %q %v", name, ok)
		}
		l.Quit()
	})

	caller := stacks.CurrentGoroutineID()
	if err := l.Loop(); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if id := <-ids; id != caller {
		t.Fatalf("task ran on goroutine %d, want %d", id, caller)
	}
	if _, ok := stacks.LabelOf(caller); ok {
		t.Fatal("label not removed after loop exit")
	}
}

func TestTask_RepeatingUntilCancelled(t *testing.T) {
	l := New("repeat")
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Quit()

	var count atomic.Int32
	task := l.PostRepeating(5*time.Millisecond, func() { count.Add(1) })
	waitFor(t, time.Second, func() bool { return count.Load() >= 3 })

	task.Cancel()
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	// An execution already in flight when Cancel ran may still finish.
	if got := count.Load(); got > after+1 {
		t.Fatalf("task kept running after cancel: %d -> %d", after, got)
	}
	if !task.Cancelled() {
		t.Fatal("task not marked cancelled")
	}
}

func TestTask_QuitCancelsTimers(t *testing.T) {
	l := New("timers")
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	var ran atomic.Bool
	delayed := l.PostDelayed(20*time.Millisecond, func() { ran.Store(true) })
	repeating := l.PostRepeating(time.Hour, func() {})
	l.Quit()
	<-l.Done()

	time.Sleep(40 * time.Millisecond)
	if ran.Load() {
		t.Fatal("delayed task ran after quit")
	}
	if !delayed.Cancelled() || !repeating.Cancelled() {
		t.Fatal("timers not cancelled by quit")
	}
	if late := l.PostDelayed(time.Millisecond, func() {}); !late.Cancelled() {
		t.Fatal("task registered after quit should be cancelled")
	}
}

func TestTask_PostDelayedRuns(t *testing.T) {
	l := New("delayed")
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Quit()

	start := time.Now()
	done := make(chan time.Duration, 1)
	l.PostDelayed(15*time.Millisecond, func() { done <- time.Since(start) })
	select {
	case d := <-done:
		if d < 15*time.Millisecond {
			t.Fatalf("ran too early: %v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestExecutorFunc(t *testing.T) {
	var ran bool
	var e Executor = ExecutorFunc(func(fn func()) bool { fn(); return true })
	if !e.Post(func() { ran = true }) || !ran {
		t.Fatal("ExecutorFunc did not run task")
	}
}

func TestLooper_StackClassification(t *testing.T) {
	l := New("classified")
	if err := l.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Quit()
	provider := stacks.NewRuntimeProvider()

	var parked string
	waitFor(t, time.Second, func() bool {
		s, err := provider.Stack(l.GoroutineID())
		parked = s
		return err == nil && stacks.Classify(s) == stacks.ReasonIdle
	})

	var stop, spinning atomic.Bool
	l.Post(func() {
		spinning.Store(true)
		n := 0
		for !stop.Load() {
			n++
		}
		_ = n
	})
	defer stop.Store(true)
	waitFor(t, time.Second, spinning.Load)

	busy, err := provider.Stack(l.GoroutineID())
	if err != nil {
		t.Fatalf("stack: %v", err)
	}
	if got := stacks.Classify(busy); got == stacks.ReasonIdle {
		t.Fatalf("busy looper classified as idle:\n%s\nidle stack was:\n%s", busy, parked)
	}
}

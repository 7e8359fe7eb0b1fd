// Package vsync drives frame callbacks on the primary context at a fixed refresh rate.
package vsync

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danpilch/perfmon/pkg/clock"
	"github.com/danpilch/perfmon/pkg/jank"
	"github.com/danpilch/perfmon/pkg/looper"
)

// DefaultRefreshRate is the simulated display refresh rate in Hz.
const DefaultRefreshRate = 60

// Ticker posts one frame per refresh to the primary executor. While a frame is
// still queued behind other work, further refreshes are coalesced into it, so
// a busy primary context produces long frame intervals.
type Ticker struct {
	primary looper.Executor
	clock   clock.Clock
	period  time.Duration

	mu      sync.Mutex
	subs    map[uint64]jank.FrameCallback
	nextID  uint64
	stop    chan struct{}
	done    chan struct{}
	pending atomic.Bool
	frames  atomic.Uint64
	skipped atomic.Uint64
}

// Option configures a Ticker.
type Option func(*Ticker)

// WithClock replaces the system clock used for frame timestamps.
func WithClock(c clock.Clock) Option {
	return func(t *Ticker) { t.clock = c }
}

// WithRefreshRate sets the refresh rate in Hz. Non-positive values are ignored.
func WithRefreshRate(hz int) Option {
	return func(t *Ticker) {
		if hz > 0 {
			t.period = time.Second / time.Duration(hz)
		}
	}
}

// NewTicker returns a stopped Ticker delivering frames on primary.
func NewTicker(primary looper.Executor, opts ...Option) *Ticker {
	t := &Ticker{
		primary: primary,
		clock:   clock.NewSystem(),
		period:  time.Second / DefaultRefreshRate,
		subs:    make(map[uint64]jank.FrameCallback),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Period returns the refresh period.
func (t *Ticker) Period() time.Duration { return t.period }

// Subscribe registers cb for every subsequent frame until cancelled.
func (t *Ticker) Subscribe(cb jank.FrameCallback) jank.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.subs[id] = cb
	return jank.SubscriptionFunc(func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	})
}

// Start begins ticking. Calling Start on a running Ticker is a no-op.
func (t *Ticker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(t.stop, t.done)
}

// Stop halts ticking and waits for the tick goroutine to exit. A frame that is
// already queued on the primary context still runs.
func (t *Ticker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Frames returns how many frames were delivered.
func (t *Ticker) Frames() uint64 { return t.frames.Load() }

// Skipped returns how many refreshes were coalesced into a pending frame.
func (t *Ticker) Skipped() uint64 { return t.skipped.Load() }

func (t *Ticker) loop(stop, done chan struct{}) {
	defer close(done)
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			t.Tick()
		case <-stop:
			return
		}
	}
}

// Tick requests a frame. It is called by the refresh loop and by tests.
func (t *Ticker) Tick() {
	if !t.pending.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return
	}
	if !t.primary.Post(t.frame) {
		t.pending.Store(false)
		t.skipped.Add(1)
	}
}

// frame runs on the primary context.
func (t *Ticker) frame() {
	t.pending.Store(false)
	ts := int64(t.clock.Now())

	t.mu.Lock()
	cbs := make([]jank.FrameCallback, 0, len(t.subs))
	for _, cb := range t.subs {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	t.frames.Add(1)
	for _, cb := range cbs {
		cb(ts)
	}
}

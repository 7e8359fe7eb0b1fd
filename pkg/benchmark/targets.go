package benchmark

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/perfmon/pkg/config"
	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/jank"
	"github.com/danpilch/perfmon/pkg/looper"
	"github.com/danpilch/perfmon/pkg/stacks"
)

// captureSource hands the armed frame callback to the benchmark.
type captureSource struct {
	cb jank.FrameCallback
}

func (s *captureSource) Subscribe(cb jank.FrameCallback) jank.Subscription {
	s.cb = cb
	return jank.SubscriptionFunc(func() { s.cb = nil })
}

// Targets builds the standard target set around a real primary looper and
// frame detector. The returned cleanup stops everything it started.
func Targets(logger *logrus.Logger, provider stacks.Provider) ([]Target, func(), error) {
	primary := looper.New("bench-primary", looper.WithLogger(logger))
	if err := primary.Start(); err != nil {
		return nil, nil, fmt.Errorf("cannot start primary looper: %w", err)
	}

	src := &captureSource{}
	cfg := config.Default()
	// Keep aggregation out of the measured window.
	cfg.Smoothness.SampleInterval = config.Duration(time.Hour)
	det := jank.New(src, primary, func(event.Event) {}, jank.WithLogger(logger), jank.WithStacks(provider))
	det.Init(cfg)
	if err := det.Start(); err != nil {
		primary.Quit()
		return nil, nil, err
	}

	cleanup := func() {
		det.Stop()
		primary.Quit()
		<-primary.Done()
	}

	var ts int64
	frameStep := int64(FrameBudget)
	onFrame := func() error {
		if src.cb == nil {
			return errors.New("frame callback not armed")
		}
		ts += frameStep
		src.cb(ts)
		return nil
	}

	roundTrip := func() error {
		done := make(chan struct{})
		if !primary.Post(func() { close(done) }) {
			return errors.New("primary rejected post")
		}
		<-done
		return nil
	}

	primaryStack := func() error {
		_, err := provider.Stack(primary.GoroutineID())
		return err
	}

	allStacks := func() error {
		gs, err := provider.All()
		if err != nil {
			return err
		}
		_ = stacks.Fold(gs)
		return nil
	}

	sample, _ := provider.Stack(primary.GoroutineID())
	classify := func() error {
		_ = stacks.Classify(sample)
		return nil
	}

	return []Target{
		{Name: "jank.onFrame", OnFrame: true, Fn: onFrame},
		{Name: "looper.roundtrip", Fn: roundTrip},
		{Name: "stacks.primary", Fn: primaryStack},
		{Name: "stacks.all+fold", Fn: allStacks},
		{Name: "stacks.classify", Fn: classify},
	}, cleanup, nil
}

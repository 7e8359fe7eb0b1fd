package monitor

// Observer receives detected incidents. Every call happens on the primary context.
type Observer interface {
	OnFrameStuck(durationMs int64, stack string)
	OnANRDetected(delayMs int64, stack, report string)
	OnLowFrameRate(fps int)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) OnFrameStuck(int64, string)          {}
func (NopObserver) OnANRDetected(int64, string, string) {}
func (NopObserver) OnLowFrameRate(int)                  {}

// ObserverFuncs adapts optional callbacks to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	FrameStuck   func(durationMs int64, stack string)
	ANRDetected  func(delayMs int64, stack, report string)
	LowFrameRate func(fps int)
}

func (o ObserverFuncs) OnFrameStuck(durationMs int64, stack string) {
	if o.FrameStuck != nil {
		o.FrameStuck(durationMs, stack)
	}
}

func (o ObserverFuncs) OnANRDetected(delayMs int64, stack, report string) {
	if o.ANRDetected != nil {
		o.ANRDetected(delayMs, stack, report)
	}
}

func (o ObserverFuncs) OnLowFrameRate(fps int) {
	if o.LowFrameRate != nil {
		o.LowFrameRate(fps)
	}
}

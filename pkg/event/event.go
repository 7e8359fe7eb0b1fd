// Package event defines the incidents reported by the detectors.
package event

import "fmt"

// Kind identifies the variant of an Event.
type Kind string

const (
	KindFrameStuck     Kind = "frame_stuck"
	KindLowFrameRate   Kind = "low_frame_rate"
	KindStallConfirmed Kind = "stall_confirmed"
)

// Event is one detected incident: FrameStuck, LowFrameRate or StallConfirmed.
type Event interface {
	Kind() Kind
	String() string
}

// FrameStuck reports a run of consecutive slow frames.
type FrameStuck struct {
	DurationMs int64  `json:"duration_ms"`
	Stack      string `json:"stack"`
}

func (FrameStuck) Kind() Kind { return KindFrameStuck }

func (e FrameStuck) String() string {
	return fmt.Sprintf("frame stuck: avg=%dms", e.DurationMs)
}

// LowFrameRate reports an aggregation cycle below the configured threshold.
type LowFrameRate struct {
	FPS int `json:"fps"`
}

func (LowFrameRate) Kind() Kind { return KindLowFrameRate }

func (e LowFrameRate) String() string {
	return fmt.Sprintf("low frame rate: %d fps", e.FPS)
}

// StallConfirmed reports a primary context that failed the heartbeat probe.
type StallConfirmed struct {
	DelayMs int64  `json:"delay_ms"`
	Stack   string `json:"stack"`
	Report  string `json:"report"`
	Reason  string `json:"reason"`
}

func (StallConfirmed) Kind() Kind { return KindStallConfirmed }

func (e StallConfirmed) String() string {
	return fmt.Sprintf("stall confirmed: delay=%dms reason=%s", e.DelayMs, e.Reason)
}

// Sink receives events from a detector. Implementations must not block.
type Sink func(Event)

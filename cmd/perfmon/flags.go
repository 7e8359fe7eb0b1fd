package main

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/danpilch/perfmon/pkg/config"
)

// durationValue adapts config.Duration to pflag.
type durationValue config.Duration

func (d *durationValue) String() string { return time.Duration(*d).String() }

func (d *durationValue) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = durationValue(v)
	return nil
}

func (d *durationValue) Type() string { return "duration" }

// thresholdFlags override configuration file values when set.
type thresholdFlags struct {
	sampleInterval config.Duration
	stuckThreshold config.Duration
	anrThreshold   config.Duration
	lowFrameRate   int
}

func (t *thresholdFlags) register(fs *pflag.FlagSet) {
	def := config.Default()
	t.sampleInterval = def.Smoothness.SampleInterval
	t.stuckThreshold = def.Smoothness.StuckThreshold
	t.anrThreshold = def.ANR.ANRThreshold

	fs.Var((*durationValue)(&t.sampleInterval), "sample-interval", "frame rate aggregation interval")
	fs.Var((*durationValue)(&t.stuckThreshold), "stuck-threshold", "frame duration counted as slow")
	fs.Var((*durationValue)(&t.anrThreshold), "anr-threshold", "primary context silence reported as a stall")
	fs.IntVar(&t.lowFrameRate, "low-fps", def.Smoothness.LowFrameRateThreshold, "frame rate below which low frame rate is reported")
}

// apply copies every flag the user changed into cfg. Out-of-range values are
// an error.
func (t *thresholdFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("sample-interval") {
		cfg.Smoothness.SampleInterval = t.sampleInterval
	}
	if fs.Changed("stuck-threshold") {
		cfg.Smoothness.StuckThreshold = t.stuckThreshold
	}
	if fs.Changed("anr-threshold") {
		cfg.ANR.ANRThreshold = t.anrThreshold
	}
	if fs.Changed("low-fps") {
		cfg.Smoothness.LowFrameRateThreshold = t.lowFrameRate
	}
	return cfg.Validate()
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danpilch/perfmon/pkg/debug"
	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/looper"
	"github.com/danpilch/perfmon/pkg/monitor"
	"github.com/danpilch/perfmon/pkg/output"
	"github.com/danpilch/perfmon/pkg/stacks"
	"github.com/danpilch/perfmon/pkg/vsync"
)

// jankBurst is how many consecutive frames an injected jank slows down.
const jankBurst = 5

type runOptions struct {
	flags     thresholdFlags
	duration  time.Duration
	refresh   int
	jankEvery time.Duration
	jankFor   time.Duration
	stallAt   time.Duration
	stallFor  time.Duration
	format    string
	score     bool
	pprofAddr string
	trace     bool
	timings   bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulated primary context under the monitor",
		Long: `Run hosts a primary looper on the main goroutine, drives it with a
display-rate frame ticker and attaches the monitor. Jank and stalls can be
injected to watch the detectors fire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, g)
		},
	}

	fs := cmd.Flags()
	o.flags.register(fs)
	fs.DurationVarP(&o.duration, "duration", "d", 10*time.Second, "how long to run")
	fs.IntVar(&o.refresh, "refresh", vsync.DefaultRefreshRate, "simulated display refresh rate in Hz")
	fs.DurationVar(&o.jankEvery, "jank-every", 0, "inject a burst of slow frames at this interval (0 disables)")
	fs.DurationVar(&o.jankFor, "jank-for", 80*time.Millisecond, "extra work per slow frame")
	fs.DurationVar(&o.stallAt, "stall-at", 0, "block the primary context at this offset (0 disables)")
	fs.DurationVar(&o.stallFor, "stall-for", 6*time.Second, "how long the injected stall lasts")
	fs.StringVarP(&o.format, "format", "o", string(output.FormatTable), "output format: table, json, ai, tsv")
	fs.BoolVar(&o.score, "score", false, "show the responsiveness health score")
	fs.StringVar(&o.pprofAddr, "pprof", "", "serve pprof on this address")
	fs.BoolVar(&o.trace, "trace", false, "trace stack captures and injected work to stderr")
	fs.BoolVar(&o.timings, "timings", false, "print stack capture timings after the run")
	return cmd
}

func (o *runOptions) run(cmd *cobra.Command, g *globalOptions) error {
	format, err := output.ParseFormat(o.format)
	if err != nil {
		return err
	}
	logger := g.logger()
	cfg := g.loadConfig(logger)
	if err := o.flags.apply(cmd.Flags(), &cfg); err != nil {
		return err
	}

	if o.pprofAddr != "" {
		stop, err := debug.StartPprofServer(o.pprofAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	var trace *debug.TraceLogger
	if o.trace {
		trace = debug.NewTraceLogger(os.Stderr)
	}
	provider := debug.NewTimedProvider(stacks.NewRuntimeProvider(), trace)

	primary := looper.New("primary", looper.WithLogger(logger), looper.WithLockOSThread(), looper.WithQueueSize(1024))
	ticker := vsync.NewTicker(primary, vsync.WithRefreshRate(o.refresh))
	mon := monitor.New(primary, ticker, monitor.WithLogger(logger), monitor.WithStacks(provider))
	if err := mon.Configure(cfg); err != nil {
		return err
	}

	formatter := output.NewFormatter(format, os.Stdout)
	tracker := output.NewSparklineTracker(30)
	formatter.SetSparklineTracker(tracker)
	formatter.SetShowScore(o.score)

	// events is only touched on the primary goroutine until Loop returns.
	var events []event.Event
	start := time.Now()
	record := func(e event.Event) {
		events = append(events, e)
		if format == output.FormatTable || format == output.FormatTSV {
			if err := formatter.RenderEvent(time.Since(start), e); err != nil {
				logger.WithError(err).Warn("Cannot render event")
			}
		}
	}
	mon.SetObserver(monitor.ObserverFuncs{
		FrameStuck: func(ms int64, stack string) {
			record(event.FrameStuck{DurationMs: ms, Stack: stack})
		},
		ANRDetected: func(ms int64, stack, report string) {
			record(event.StallConfirmed{DelayMs: ms, Stack: stack, Report: report, Reason: string(stacks.Classify(stack))})
			if g.debug {
				fmt.Fprintln(os.Stderr, report)
			}
		},
		LowFrameRate: func(fps int) {
			record(event.LowFrameRate{FPS: fps})
		},
	})

	o.injectJank(ticker, trace)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, o.duration)
	defer cancelRun()

	go o.drive(ctx, primary, ticker, mon, tracker, trace, logger.WithField("component", "host"))

	// The primary context lives on the main goroutine.
	if err := primary.Loop(); err != nil {
		return err
	}

	if o.timings {
		debug.TimingReport(os.Stderr, provider.Timings())
	}
	return formatter.Render(mon.Snapshot(), events)
}

// drive starts the monitor, schedules injected stalls and samples the frame
// rate until ctx ends, then tears everything down and quits the primary looper.
func (o *runOptions) drive(ctx context.Context, primary *looper.Looper, ticker *vsync.Ticker, mon *monitor.Monitor,
	tracker *output.SparklineTracker, trace *debug.TraceLogger, log *logrus.Entry) {
	defer primary.Quit()

	ticker.Start()
	defer ticker.Stop()
	if err := mon.Start(); err != nil {
		log.WithError(err).Error("Cannot start monitor")
		return
	}
	defer mon.Stop()

	if o.stallAt > 0 {
		stall := time.AfterFunc(o.stallAt, func() {
			primary.Post(func() {
				trace.Log("primary", "stall", o.stallFor.String())
				time.Sleep(o.stallFor)
			})
		})
		defer stall.Stop()
	}

	sample := time.NewTicker(time.Second)
	defer sample.Stop()
	for {
		select {
		case <-ctx.Done():
			log.WithField("frames", ticker.Frames()).Info("Run finished")
			return
		case <-sample.C:
			tracker.Record(output.FPSKey, float64(mon.Snapshot().FrameRate))
		}
	}
}

// injectJank slows down bursts of consecutive frames.
func (o *runOptions) injectJank(ticker *vsync.Ticker, trace *debug.TraceLogger) {
	if o.jankEvery <= 0 || o.jankFor <= 0 {
		return
	}
	// Frame callbacks run on the primary goroutine only.
	var (
		remaining int
		last      time.Time
	)
	ticker.Subscribe(func(int64) {
		now := time.Now()
		if last.IsZero() {
			last = now
		}
		if now.Sub(last) >= o.jankEvery {
			last = now
			remaining = jankBurst
			trace.Log("primary", "jank", fmt.Sprintf("%d frames x %v", jankBurst, o.jankFor))
		}
		if remaining > 0 {
			remaining--
			time.Sleep(o.jankFor)
		}
	})
}

package debug

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/perfmon/pkg/stacks"
)

type stubProvider struct{ err error }

func (p stubProvider) Stack(id int64) (string, error) { return "goroutine 1 [running]:", p.err }

func (p stubProvider) All() ([]stacks.Goroutine, error) {
	return []stacks.Goroutine{{ID: 1, State: "running", Frames: []stacks.Frame{{Func: "main.main"}}}}, p.err
}

func TestTimedProvider(t *testing.T) {
	var trace bytes.Buffer
	p := NewTimedProvider(stubProvider{}, NewTraceLogger(&trace))
	if _, err := p.Stack(7); err != nil {
		t.Fatal(err)
	}
	if _, err := p.All(); err != nil {
		t.Fatal(err)
	}

	timings := p.Timings()
	if len(timings) != 2 || timings[0].Op != "stack(7)" || timings[1].Op != "all" {
		t.Fatalf("timings = %+v", timings)
	}
	if !strings.Contains(trace.String(), "stacks: stack(7) took=") {
		t.Fatalf("trace = %q", trace.String())
	}

	var out bytes.Buffer
	TimingReport(&out, timings)
	if !strings.Contains(out.String(), "Stack Capture Timing Report") || !strings.Contains(out.String(), "TOTAL") {
		t.Fatalf("report:\n%s", out.String())
	}
}

func TestTimedProvider_RecordsErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewTimedProvider(stubProvider{err: boom}, nil)
	if _, err := p.Stack(1); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if got := p.Timings(); len(got) != 1 || !errors.Is(got[0].Err, boom) {
		t.Fatalf("timings = %+v", got)
	}
	var out bytes.Buffer
	TimingReport(&out, p.Timings())
	if !strings.Contains(out.String(), "boom") {
		t.Fatal("error not shown in report")
	}
}

func TestTraceLogger(t *testing.T) {
	var buf bytes.Buffer
	tl := NewTraceLogger(&buf)
	tl.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }
	tl.Log("primary", "stall", "900ms")
	tl.LogDuration("stacks", "all", 3*time.Millisecond)

	want := "[TRACE 10:00:00.000] primary: stall - 900ms\n[TRACE 10:00:00.000] stacks: all took=3ms\n"
	if buf.String() != want {
		t.Fatalf("trace =\n%q\nwant\n%q", buf.String(), want)
	}

	var disabled *TraceLogger
	disabled.Log("x", "y", "z")
	if NewTraceLogger(nil).Enabled() {
		t.Fatal("nil writer should disable tracing")
	}
}

func TestDumpGoroutines(t *testing.T) {
	gs := []stacks.Goroutine{
		{ID: 1, State: "running", Frames: []stacks.Frame{{Func: "main.main"}}},
		{ID: 42, State: "chan receive", Wait: 3 * time.Minute},
	}
	var buf bytes.Buffer
	DumpGoroutines(&buf, gs)
	out := buf.String()
	for _, want := range []string{"Goroutine Dump", "main.main", "chan receive", "3m0s", "2 goroutines"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q", want)
		}
	}
}

func TestStartPprofServer(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	stop, err := StartPprofServer("127.0.0.1:0", logger)
	if err != nil {
		t.Fatal(err)
	}
	stop()
}

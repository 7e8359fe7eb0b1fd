package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/monitor"
	"github.com/danpilch/perfmon/pkg/stacks"
)

var testSnapshot = monitor.Snapshot{
	Monitoring:   true,
	FrameRate:    40,
	IsNormal:     false,
	ANRThreshold: 5 * time.Second,
	Mode:         "heartbeat",
	Status:       monitor.StatusInitialized,
	Frames:       1200,
	Stalls:       1,
}

var testEvents = []event.Event{
	event.LowFrameRate{FPS: 40},
	event.FrameStuck{DurationMs: 61, Stack: "goroutine 1 [running]:"},
	event.StallConfirmed{DelayMs: 6050, Reason: string(stacks.ReasonLockWait), Report: "Stall detected by watchdog"},
}

func TestParseFormat(t *testing.T) {
	for _, in := range []string{"table", "JSON", "ai", "tsv"} {
		if _, err := ParseFormat(in); err != nil {
			t.Errorf("ParseFormat(%q): %v", in, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(FormatJSON, &buf)
	f.SetShowScore(true)
	if err := f.Render(testSnapshot, testEvents); err != nil {
		t.Fatal(err)
	}

	var out struct {
		Snapshot monitor.Snapshot `json:"snapshot"`
		Events   []struct {
			Kind  string          `json:"kind"`
			Event json.RawMessage `json:"event"`
		} `json:"events"`
		Summary Summary `json:"summary"`
		Score   *int    `json:"score"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
	}
	if out.Snapshot.FrameRate != 40 || len(out.Events) != 3 {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.Events[2].Kind != "stall_confirmed" || !strings.Contains(string(out.Events[2].Event), `"delay_ms":6050`) {
		t.Fatalf("stall not encoded: %s", out.Events[2].Event)
	}
	if out.Summary != (Summary{Stalls: 1, StuckFrames: 1, LowFrameRate: 1}) {
		t.Fatalf("summary = %+v", out.Summary)
	}
	if out.Score == nil || *out.Score != 77 {
		t.Fatalf("score = %v", out.Score)
	}
}

func TestRenderTSV(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatTSV, &buf).Render(testSnapshot, testEvents); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if lines[1] != "true\t40\tfalse\t1200\t5000\theartbeat\t1\tInitialized" {
		t.Fatalf("snapshot line = %q", lines[1])
	}
	if last := lines[len(lines)-1]; !strings.HasPrefix(last, "stall_confirmed\tstall confirmed: delay=6050ms") {
		t.Fatalf("event line = %q", last)
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(FormatTable, &buf)
	tracker := NewSparklineTracker(10)
	tracker.Record(FPSKey, 60)
	f.SetSparklineTracker(tracker)
	f.SetShowScore(true)
	if err := f.Render(testSnapshot, testEvents); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Responsiveness Monitor", "40 fps", "TREND", "low frame rate: 40 fps", "Health Score"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q\n%s", want, out)
		}
	}
}

func TestRenderTable_NoEvents(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatTable, &buf).Render(monitor.Snapshot{FrameRate: 60, IsNormal: true}, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No responsiveness issues detected") || strings.Contains(buf.String(), "EVENT") {
		t.Fatalf("unexpected output\n%s", buf.String())
	}
}

func TestRenderAI(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatAI, &buf).Render(testSnapshot, testEvents); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"# Responsiveness: Issues Detected", "Probable cause: Waiting on lock", "debug/pprof/mutex", "## Suggested Next Steps"} {
		if !strings.Contains(out, want) {
			t.Errorf("ai output missing %q", want)
		}
	}
}

func TestRenderEvent(t *testing.T) {
	var buf bytes.Buffer
	if err := NewFormatter(FormatTSV, &buf).RenderEvent(1500*time.Millisecond, event.LowFrameRate{FPS: 30}); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "1500\tlow_frame_rate\tlow frame rate: 30 fps\n" {
		t.Fatalf("tsv event = %q", buf.String())
	}

	buf.Reset()
	if err := NewFormatter(FormatJSON, &buf).RenderEvent(time.Second, event.FrameStuck{DurationMs: 61}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"kind":"frame_stuck"`) || !strings.Contains(buf.String(), `"at":"1s"`) {
		t.Fatalf("json event = %s", buf.String())
	}
}

func TestHealthScore(t *testing.T) {
	if s := HealthScore(nil); s != 100 || ScoreLabel(s) != "Smooth" {
		t.Fatalf("empty score = %d", s)
	}
	var many []event.Event
	for i := 0; i < 10; i++ {
		many = append(many, event.StallConfirmed{})
	}
	if s := HealthScore(many); s != 0 || ScoreLabel(s) != "Unresponsive" {
		t.Fatalf("score = %d", s)
	}
	if ScoreLabel(60) != "Janky" {
		t.Fatal("60 should be janky")
	}
}

func TestDrillDown(t *testing.T) {
	got := GetDrillDownSuggestions(append(testEvents, event.StallConfirmed{Reason: string(stacks.ReasonSleep)}))
	stall := got[string(event.KindStallConfirmed)]
	if len(stall) != 3 || !strings.Contains(stall[0].Command, "mutex") {
		t.Fatalf("first stall suggestions not kept: %+v", stall)
	}
	if len(got[string(event.KindLowFrameRate)]) != 1 || len(got[string(event.KindFrameStuck)]) != 1 {
		t.Fatalf("unexpected suggestions %+v", got)
	}
}

func TestSparkline(t *testing.T) {
	s := NewSparklineTracker(4)
	for _, v := range []float64{10, 20, 30, 40, 50, 60} {
		s.Record(FPSKey, v)
	}
	if got := s.Sparkline(FPSKey); got != "▁▃▅█" {
		t.Fatalf("sparkline = %q", got)
	}
	if s.Sparkline("missing") != "" {
		t.Fatal("missing key should render empty")
	}
	if renderSparkline([]float64{5, 5}) != "▁▁" {
		t.Fatal("flat series should use the lowest block")
	}
}

func TestSparklineMin(t *testing.T) {
	s := NewSparklineTracker(0)
	if s.Min(FPSKey) != 0 {
		t.Fatal("empty min should be 0")
	}
	for _, v := range []float64{60, 42, 58} {
		s.Record(FPSKey, v)
	}
	if s.Min(FPSKey) != 42 {
		t.Fatalf("min = %v", s.Min(FPSKey))
	}
}

// Package output provides formatters for monitor snapshots and detected events.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/danpilch/perfmon/pkg/event"
	"github.com/danpilch/perfmon/pkg/monitor"
)

// Format represents the output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatAI    Format = "ai"
	FormatTSV   Format = "tsv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON, FormatAI, FormatTSV:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// FPSKey is the sparkline key of the frame rate series.
const FPSKey = "fps"

// Summary counts events by kind.
type Summary struct {
	Stalls       int `json:"stalls"`
	StuckFrames  int `json:"stuck_frames"`
	LowFrameRate int `json:"low_frame_rate"`
}

// Summarize counts events by kind.
func Summarize(events []event.Event) Summary {
	var s Summary
	for _, e := range events {
		switch e.Kind() {
		case event.KindStallConfirmed:
			s.Stalls++
		case event.KindFrameStuck:
			s.StuckFrames++
		case event.KindLowFrameRate:
			s.LowFrameRate++
		}
	}
	return s
}

// Formatter handles output formatting.
type Formatter struct {
	format    Format
	writer    io.Writer
	sparkline *SparklineTracker
	showScore bool
}

// NewFormatter creates a new formatter.
func NewFormatter(format Format, writer io.Writer) *Formatter {
	return &Formatter{
		format: format,
		writer: writer,
	}
}

// SetSparklineTracker enables the frame rate trend column.
func (f *Formatter) SetSparklineTracker(s *SparklineTracker) {
	f.sparkline = s
}

// SetShowScore enables health score display.
func (f *Formatter) SetShowScore(show bool) {
	f.showScore = show
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginBottom(1)

	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true) // Green
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true) // Yellow
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)  // Red
	unknownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Bold(true)  // Gray
)

func eventStyle(k event.Kind) lipgloss.Style {
	switch k {
	case event.KindStallConfirmed:
		return errorStyle
	case event.KindFrameStuck, event.KindLowFrameRate:
		return warnStyle
	default:
		return unknownStyle
	}
}

// RenderEvent outputs one event as it is detected.
func (f *Formatter) RenderEvent(at time.Duration, e event.Event) error {
	switch f.format {
	case FormatJSON:
		enc := json.NewEncoder(f.writer)
		return enc.Encode(struct {
			At    string      `json:"at"`
			Kind  event.Kind  `json:"kind"`
			Event event.Event `json:"event"`
		}{at.Round(time.Millisecond).String(), e.Kind(), e})
	case FormatTSV:
		_, err := fmt.Fprintf(f.writer, "%d\t%s\t%s\n", at.Milliseconds(), e.Kind(), e)
		return err
	default:
		_, err := fmt.Fprintf(f.writer, "%8s  %s\n",
			at.Round(time.Millisecond), eventStyle(e.Kind()).Render(e.String()))
		return err
	}
}

// Render outputs the final snapshot and the events seen during the run.
func (f *Formatter) Render(snap monitor.Snapshot, events []event.Event) error {
	if f.sparkline != nil {
		f.sparkline.Record(FPSKey, float64(snap.FrameRate))
	}

	switch f.format {
	case FormatJSON:
		return f.renderJSON(snap, events)
	case FormatAI:
		return f.renderAI(snap, events)
	case FormatTSV:
		return f.renderTSV(snap, events)
	default:
		return f.renderTable(snap, events)
	}
}

type eventJSON struct {
	Kind  event.Kind  `json:"kind"`
	Event event.Event `json:"event"`
}

// renderJSON outputs the snapshot and events as JSON.
func (f *Formatter) renderJSON(snap monitor.Snapshot, events []event.Event) error {
	list := make([]eventJSON, len(events))
	for i, e := range events {
		list[i] = eventJSON{e.Kind(), e}
	}
	output := struct {
		Snapshot monitor.Snapshot `json:"snapshot"`
		Events   []eventJSON      `json:"events"`
		Summary  Summary          `json:"summary"`
		Score    *int             `json:"score,omitempty"`
	}{
		Snapshot: snap,
		Events:   list,
		Summary:  Summarize(events),
	}
	if f.showScore {
		score := HealthScore(events)
		output.Score = &score
	}

	enc := json.NewEncoder(f.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}

func snapshotRows(snap monitor.Snapshot) [][]string {
	monitoring := unknownStyle.Render("NO")
	if snap.Monitoring {
		monitoring = okStyle.Render("YES")
	}
	fps := okStyle.Render("NORMAL")
	if !snap.IsNormal {
		fps = warnStyle.Render("LOW")
	}
	stalls := okStyle.Render("OK")
	if snap.Stalls > 0 {
		stalls = errorStyle.Render("STALLED")
	}
	return [][]string{
		{"Status", snap.Status, ""},
		{"Monitoring", fmt.Sprint(snap.Monitoring), monitoring},
		{"Frame rate", fmt.Sprintf("%d fps", snap.FrameRate), fps},
		{"Frames", fmt.Sprint(snap.Frames), ""},
		{"ANR threshold", snap.ANRThreshold.String(), ""},
		{"Mode", snap.Mode, ""},
		{"Stalls", fmt.Sprint(snap.Stalls), stalls},
		{"Last response", snap.LastResponseAge.Round(time.Millisecond).String(), ""},
	}
}

// renderTable outputs the snapshot and events as styled tables.
func (f *Formatter) renderTable(snap monitor.Snapshot, events []event.Event) error {
	fmt.Fprintln(f.writer, titleStyle.Render("Responsiveness Monitor"))
	fmt.Fprintln(f.writer, strings.Repeat("═", 60))
	fmt.Fprintln(f.writer)

	hasSparklines := f.sparkline != nil
	rows := snapshotRows(snap)
	if hasSparklines {
		for i := range rows {
			if rows[i][0] == "Frame rate" {
				rows[i] = append(rows[i], f.sparkline.Sparkline(FPSKey))
			} else {
				rows[i] = append(rows[i], "")
			}
		}
	}

	headers := []string{"FIELD", "VALUE", "STATUS"}
	if hasSparklines {
		headers = append(headers, "TREND")
	}
	fmt.Fprintln(f.writer, newTable(headers, rows))

	if len(events) > 0 {
		fmt.Fprintln(f.writer)
		eventRows := make([][]string, len(events))
		for i, e := range events {
			reason := ""
			if s, ok := e.(event.StallConfirmed); ok {
				reason = s.Reason
			}
			eventRows[i] = []string{
				eventStyle(e.Kind()).Render(strings.ToUpper(string(e.Kind()))),
				e.String(),
				reason,
			}
		}
		fmt.Fprintln(f.writer, newTable([]string{"EVENT", "DETAIL", "REASON"}, eventRows))
	}

	fmt.Fprintln(f.writer)
	f.renderSummary(Summarize(events))

	if f.showScore {
		score := HealthScore(events)
		label := ScoreLabel(score)
		scoreStyle := okStyle
		if score < 80 {
			scoreStyle = warnStyle
		}
		if score < 50 {
			scoreStyle = errorStyle
		}
		fmt.Fprintf(f.writer, "Health Score: %s\n",
			scoreStyle.Render(fmt.Sprintf("%d/100 (%s)", score, label)))
	}

	return nil
}

func newTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...)
}

// renderSummary outputs the summary line.
func (f *Formatter) renderSummary(summary Summary) {
	parts := []string{}

	if summary.Stalls > 0 {
		parts = append(parts, errorStyle.Render(fmt.Sprintf("%d stalls", summary.Stalls)))
	}
	if summary.StuckFrames > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("%d stuck frame bursts", summary.StuckFrames)))
	}
	if summary.LowFrameRate > 0 {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("%d low frame rate cycles", summary.LowFrameRate)))
	}

	if len(parts) == 0 {
		fmt.Fprintln(f.writer, okStyle.Render("No responsiveness issues detected"))
	} else {
		fmt.Fprintf(f.writer, "Summary: %s\n", strings.Join(parts, ", "))
	}
}

// renderAI outputs the run in an LLM-friendly format.
func (f *Formatter) renderAI(snap monitor.Snapshot, events []event.Event) error {
	summary := Summarize(events)

	if len(events) == 0 {
		fmt.Fprintln(f.writer, "# Responsiveness: OK")
		fmt.Fprintln(f.writer, "\nNo stalls or jank detected.")
		fmt.Fprintln(f.writer)
	} else {
		fmt.Fprintln(f.writer, "# Responsiveness: Issues Detected")
		fmt.Fprintf(f.writer, "\n**Status:** %d stalls, %d stuck frame bursts, %d low frame rate cycles\n\n",
			summary.Stalls, summary.StuckFrames, summary.LowFrameRate)
	}

	if len(events) > 0 {
		fmt.Fprintln(f.writer, "## Events")
		fmt.Fprintln(f.writer)
		for _, e := range events {
			fmt.Fprintf(f.writer, "- **[%s]** %s\n", strings.ToUpper(string(e.Kind())), e)
			fmt.Fprintf(f.writer, "  - %s\n", getAIInterpretation(e))
		}
		fmt.Fprintln(f.writer)
	}

	fmt.Fprintln(f.writer, "## Snapshot")
	fmt.Fprintln(f.writer)
	fmt.Fprintln(f.writer, "| Field | Value |")
	fmt.Fprintln(f.writer, "|-------|-------|")
	for _, row := range snapshotRows(snap) {
		fmt.Fprintf(f.writer, "| %s | %s |\n", row[0], row[1])
	}
	fmt.Fprintln(f.writer)

	fmt.Fprintln(f.writer, "## Interpretation Guide")
	fmt.Fprintln(f.writer)
	fmt.Fprintln(f.writer, "- **Stall**: the primary context ignored a heartbeat probe for longer than the ANR threshold")
	fmt.Fprintln(f.writer, "- **Stuck frames**: three slow frames in a row, reported with their average duration")
	fmt.Fprintln(f.writer, "- **Low frame rate**: the one-second average fell below the configured threshold")

	suggestions := GetDrillDownSuggestions(events)
	if len(suggestions) > 0 {
		kinds := make([]string, 0, len(suggestions))
		for k := range suggestions {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)

		fmt.Fprintln(f.writer)
		fmt.Fprintln(f.writer, "## Suggested Next Steps")
		fmt.Fprintln(f.writer)
		for _, kind := range kinds {
			fmt.Fprintf(f.writer, "**%s:**\n", kind)
			for _, s := range suggestions[kind] {
				fmt.Fprintf(f.writer, "- `%s` - %s\n", s.Command, s.Reason)
			}
			fmt.Fprintln(f.writer)
		}
	}

	return nil
}

// renderTSV outputs the snapshot and events as tab-separated values.
func (f *Formatter) renderTSV(snap monitor.Snapshot, events []event.Event) error {
	fmt.Fprintln(f.writer, "MONITORING\tFRAME_RATE\tIS_NORMAL\tFRAMES\tANR_THRESHOLD_MS\tMODE\tSTALLS\tSTATUS")
	fmt.Fprintf(f.writer, "%t\t%d\t%t\t%d\t%d\t%s\t%d\t%s\n",
		snap.Monitoring, snap.FrameRate, snap.IsNormal, snap.Frames,
		snap.ANRThreshold.Milliseconds(), snap.Mode, snap.Stalls, snap.Status)

	if len(events) > 0 {
		fmt.Fprintln(f.writer)
		fmt.Fprintln(f.writer, "KIND\tDETAIL")
		for _, e := range events {
			fmt.Fprintf(f.writer, "%s\t%s\n", e.Kind(), e)
		}
	}

	return nil
}

// getAIInterpretation returns actionable context for an event.
func getAIInterpretation(e event.Event) string {
	switch ev := e.(type) {
	case event.StallConfirmed:
		if ev.Reason != "" {
			return fmt.Sprintf("Primary context blocked for %dms. Probable cause: %s.", ev.DelayMs, ev.Reason)
		}
		return fmt.Sprintf("Primary context blocked for %dms.", ev.DelayMs)
	case event.FrameStuck:
		if ev.DurationMs >= 700 {
			return "Frames take most of a second. Move blocking work off the primary context."
		}
		return "Consecutive frames over budget. Check the captured stack for heavy work."
	case event.LowFrameRate:
		if ev.FPS < 20 {
			return "Severe jank. Rendering is visibly stuttering."
		}
		return "Frame rate below target. Sustained values point to steady per-frame overhead."
	}
	return e.String()
}

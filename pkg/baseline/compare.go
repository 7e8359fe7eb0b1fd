package baseline

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/danpilch/perfmon/pkg/benchmark"
)

// Severity indicates the magnitude of a latency drift.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityRegress  Severity = "regression"
)

// Comparison holds the P99 drift analysis for a single target.
type Comparison struct {
	Target      string
	BaselineP99 time.Duration
	CurrentP99  time.Duration
	DeltaPct    float64
	Severity    Severity
}

var (
	blTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	blHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	blDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	blOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	blWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	blErr    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	blMinor  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

// Compare matches results by target name and calculates P99 drift. Targets
// missing from the baseline are skipped.
func Compare(baseline *Baseline, current []benchmark.Result) []Comparison {
	baselineMap := make(map[string]Entry)
	for _, e := range baseline.Entries {
		baselineMap[e.Target] = e
	}

	var comparisons []Comparison
	for _, cur := range current {
		base, ok := baselineMap[cur.Target]
		if !ok {
			continue
		}

		var deltaPct float64
		if base.P99 != 0 {
			deltaPct = (float64(cur.P99-base.P99) / math.Abs(float64(base.P99))) * 100
		} else if cur.P99 != 0 {
			deltaPct = 100
		}

		comparisons = append(comparisons, Comparison{
			Target:      cur.Target,
			BaselineP99: base.P99,
			CurrentP99:  cur.P99,
			DeltaPct:    deltaPct,
			Severity:    classifySeverity(deltaPct),
		})
	}

	return comparisons
}

func classifySeverity(deltaPct float64) Severity {
	absDelta := math.Abs(deltaPct)
	if absDelta < 5 {
		return SeverityNone
	}
	if absDelta < 15 {
		return SeverityMinor
	}
	if absDelta < 30 {
		return SeverityModerate
	}
	if deltaPct > 0 {
		return SeverityRegress
	}
	return SeverityMajor
}

// RenderComparison outputs a styled comparison table.
func RenderComparison(w io.Writer, baseline *Baseline, comparisons []Comparison) {
	fmt.Fprintln(w, blTitle.Render("Baseline Comparison"))
	fmt.Fprintln(w, blDim.Render(strings.Repeat("═", 90)))
	fmt.Fprintf(w, "Comparing against %s (from %s)\n\n",
		lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("%q", baseline.Name)),
		blDim.Render(baseline.Timestamp.Format("2006-01-02 15:04:05")))

	fmt.Fprintf(w, "  %s %s %s %s %s\n",
		blHeader.Render("TARGET                  "),
		blHeader.Render("BASELINE P99"),
		blHeader.Render("CURRENT P99 "),
		blHeader.Render("DELTA    "),
		blHeader.Render("SEVERITY  "))
	fmt.Fprintln(w, "  "+blDim.Render(strings.Repeat("─", 90)))

	regressions := 0
	for _, c := range comparisons {
		deltaStr := fmt.Sprintf("%+.1f%%", c.DeltaPct)
		var sevStr string
		switch c.Severity {
		case SeverityRegress:
			sevStr = blErr.Render("REGRESSION")
			regressions++
		case SeverityMajor:
			sevStr = blErr.Render("MAJOR")
			regressions++
		case SeverityModerate:
			sevStr = blWarn.Render("moderate")
		case SeverityMinor:
			sevStr = blMinor.Render("minor")
		default:
			sevStr = blOK.Render("none")
		}

		fmt.Fprintf(w, "  %-25s %-14v %-14v %-10s %s\n",
			c.Target, c.BaselineP99, c.CurrentP99, deltaStr, sevStr)
	}

	fmt.Fprintln(w)
	if regressions > 0 {
		fmt.Fprintf(w, "  %s\n", blErr.Render(fmt.Sprintf("%d potential regressions detected.", regressions)))
	} else {
		fmt.Fprintf(w, "  %s\n", blOK.Render("No significant regressions detected."))
	}
}

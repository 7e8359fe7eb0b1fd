// Package benchmark measures the monitor's own cost on the paths that run
// on or next to the primary context.
package benchmark

import (
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// FrameBudget is the time available to one frame at 60 Hz.
const FrameBudget = time.Second / 60

// Options configures a benchmark run.
type Options struct {
	Iterations int
	Warmup     int
}

// DefaultOptions returns sensible benchmark defaults.
func DefaultOptions() Options {
	return Options{
		Iterations: 200,
		Warmup:     10,
	}
}

// Target is one measured operation.
type Target struct {
	Name string
	// OnFrame marks targets that run inside the per-frame hook, whose P99 is
	// compared against FrameBudget.
	OnFrame bool
	Fn      func() error
}

// Result holds benchmark results for a single target.
type Result struct {
	Target    string
	OnFrame   bool
	Latencies []time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	StdDev    time.Duration
	Errors    int
}

// BudgetShare is the fraction of FrameBudget used by the P99 latency.
func (r Result) BudgetShare() float64 {
	return float64(r.P99) / float64(FrameBudget)
}

// Overhead holds the tool's own resource usage.
type Overhead struct {
	AllocBytes uint64
	AllocCount uint64
	GCPauses   uint32
}

// Sub returns the usage accumulated between prev and o.
func (o Overhead) Sub(prev Overhead) Overhead {
	return Overhead{
		AllocBytes: o.AllocBytes - prev.AllocBytes,
		AllocCount: o.AllocCount - prev.AllocCount,
		GCPauses:   o.GCPauses - prev.GCPauses,
	}
}

var (
	bmTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	bmHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	bmDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bmWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
)

// Run benchmarks each target with the given options.
func Run(targets []Target, opts Options) []Result {
	if opts.Iterations < 1 {
		opts.Iterations = DefaultOptions().Iterations
	}
	var results []Result

	for _, t := range targets {
		for i := 0; i < opts.Warmup; i++ {
			_ = t.Fn()
		}

		latencies := make([]time.Duration, opts.Iterations)
		errs := 0
		for i := 0; i < opts.Iterations; i++ {
			start := time.Now()
			err := t.Fn()
			latencies[i] = time.Since(start)
			if err != nil {
				errs++
			}
		}

		sort.Slice(latencies, func(i, j int) bool {
			return latencies[i] < latencies[j]
		})

		results = append(results, Result{
			Target:    t.Name,
			OnFrame:   t.OnFrame,
			Latencies: latencies,
			P50:       percentile(latencies, 0.50),
			P95:       percentile(latencies, 0.95),
			P99:       percentile(latencies, 0.99),
			StdDev:    stddev(latencies),
			Errors:    errs,
		})
	}

	return results
}

// MeasureOverhead returns cumulative allocation and GC counters.
func MeasureOverhead() Overhead {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return Overhead{
		AllocBytes: m.TotalAlloc,
		AllocCount: m.Mallocs,
		GCPauses:   m.NumGC,
	}
}

// RenderResults outputs styled benchmark results.
func RenderResults(w io.Writer, results []Result, overhead Overhead) {
	fmt.Fprintln(w, bmTitle.Render("Monitor Overhead Benchmark"))
	fmt.Fprintln(w, bmDim.Render(strings.Repeat("═", 78)))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %s %s %s %s\n",
		bmHeader.Render("TARGET              "),
		bmHeader.Render("P50        "),
		bmHeader.Render("P95        "),
		bmHeader.Render("P99        "),
		bmHeader.Render("FRAME BUDGET"))
	fmt.Fprintln(w, "  "+bmDim.Render(strings.Repeat("─", 78)))

	for _, r := range results {
		budget := bmDim.Render("-")
		if r.OnFrame {
			share := fmt.Sprintf("%.3f%%", r.BudgetShare()*100)
			if r.BudgetShare() > 0.01 {
				budget = bmWarn.Render(share)
			} else {
				budget = share
			}
		}
		fmt.Fprintf(w, "  %-21s %-12v %-12v %-12v %s",
			r.Target, r.P50, r.P95, r.P99, budget)
		if r.Errors > 0 {
			fmt.Fprintf(w, "  %s", bmWarn.Render(fmt.Sprintf("%d errors", r.Errors)))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, bmTitle.Render("Tool Overhead"))
	fmt.Fprintln(w, bmDim.Render(strings.Repeat("─", 40)))
	fmt.Fprintf(w, "  Memory allocated: %s\n", lipgloss.NewStyle().Bold(true).Render(formatBytes(overhead.AllocBytes)))
	fmt.Fprintf(w, "  Allocations:      %s\n", lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("%d", overhead.AllocCount)))
	fmt.Fprintf(w, "  GC pauses:        %s\n", lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("%d", overhead.GCPauses)))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func stddev(values []time.Duration) time.Duration {
	if len(values) < 2 {
		return 0
	}
	var sum, sumSq float64
	for _, d := range values {
		v := float64(d)
		sum += v
		sumSq += v * v
	}
	n := float64(len(values))
	mean := sum / n
	variance := (sumSq / n) - (mean * mean)
	if variance < 0 {
		variance = 0
	}
	return time.Duration(math.Sqrt(variance))
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

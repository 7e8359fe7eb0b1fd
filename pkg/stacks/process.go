package stacks

import (
	"fmt"
	"runtime/metrics"

	"github.com/shirou/gopsutil/v3/process"
)

// Process describes the monitored process at the time of a capture.
// Fields that could not be read are left at zero.
type Process struct {
	PID        int
	Goroutines uint64
	OSThreads  int32
	RSSBytes   uint64
	CPUPercent float64
}

// String renders a single report line.
func (p Process) String() string {
	return fmt.Sprintf("pid=%d goroutines=%d threads=%d rss=%s cpu=%.1f%%",
		p.PID, p.Goroutines, p.OSThreads, formatBytes(p.RSSBytes), p.CPUPercent)
}

// ProcessInfo samples the current process. It is best-effort.
func ProcessInfo() Process {
	info := Process{PID: pid()}

	samples := []metrics.Sample{{Name: "/sched/goroutines:goroutines"}}
	metrics.Read(samples)
	if samples[0].Value.Kind() == metrics.KindUint64 {
		info.Goroutines = samples[0].Value.Uint64()
	}

	proc, err := process.NewProcess(int32(info.PID))
	if err != nil {
		return info
	}
	if n, err := proc.NumThreads(); err == nil {
		info.OSThreads = n
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		info.RSSBytes = mem.RSS
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = cpu
	}
	return info
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

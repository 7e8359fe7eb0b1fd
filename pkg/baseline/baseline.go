// Package baseline saves benchmark results and detects overhead drift
// between runs.
package baseline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/danpilch/perfmon/pkg/benchmark"
)

// Entry is the stored latency summary of one benchmark target.
type Entry struct {
	Target string        `json:"target"`
	P50    time.Duration `json:"p50"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
}

// Baseline represents a saved benchmark run.
type Baseline struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Hostname  string            `json:"hostname"`
	Entries   []Entry           `json:"entries"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultDir returns the default baseline storage directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".perfmon/baselines"
	}
	return filepath.Join(home, ".perfmon", "baselines")
}

// Save writes a baseline to a JSON file.
func (b *Baseline) Save(dir string) error {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create baseline directory: %w", err)
	}

	path := filepath.Join(dir, b.Name+".json")
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal baseline: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write baseline: %w", err)
	}
	return nil
}

// Load reads a baseline from a JSON file.
func Load(name, dir string) (*Baseline, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read baseline %q: %w", name, err)
	}

	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("cannot parse baseline: %w", err)
	}
	return &b, nil
}

// List returns all saved baseline names.
func List(dir string) ([]string, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name()[:len(e.Name())-5])
		}
	}
	return names, nil
}

// NewBaseline creates a new baseline from benchmark results.
func NewBaseline(name string, results []benchmark.Result) *Baseline {
	hostname, _ := os.Hostname()
	entries := make([]Entry, len(results))
	for i, r := range results {
		entries[i] = Entry{Target: r.Target, P50: r.P50, P95: r.P95, P99: r.P99}
	}
	return &Baseline{
		Name:      name,
		Timestamp: time.Now(),
		Hostname:  hostname,
		Entries:   entries,
		Metadata: map[string]string{
			"go":     runtime.Version(),
			"goos":   runtime.GOOS,
			"goarch": runtime.GOARCH,
		},
	}
}

package stacks

import "strings"

// Reason is a best-effort explanation of why a goroutine is not making progress.
type Reason string

const (
	ReasonLockWait Reason = "Waiting on lock/synchronization"
	ReasonSleep    Reason = "Sleeping on primary goroutine"
	ReasonNetIO    Reason = "Blocking network I/O on primary goroutine"
	ReasonStorage  Reason = "Storage access on primary goroutine"
	ReasonDecode   Reason = "Image decode on primary goroutine"
	ReasonIdle     Reason = "Primary queue idle (waiting for work)"
	ReasonUnknown  Reason = "Unknown blocking operation"
)

type rule struct {
	reason   Reason
	patterns []string
	match    func(stack string) bool
}

func (r rule) matches(stack string) bool {
	if r.match != nil {
		return r.match(stack)
	}
	for _, p := range r.patterns {
		if strings.Contains(stack, p) {
			return true
		}
	}
	return false
}

// Rules are evaluated in order; the first rule with a matching pattern wins.
var rules = []rule{
	{reason: ReasonLockWait, patterns: []string{
		"sync.(*Mutex).Lock", "sync.(*RWMutex).", "sync.(*WaitGroup).Wait", "sync.(*Cond).Wait",
		"sync.runtime_Semacquire", "sync.runtime_SemacquireMutex", "sync.runtime_notifyListWait",
		"[semacquire", "[sync.Mutex.Lock", "[sync.RWMutex", "[sync.WaitGroup.Wait", "[sync.Cond.Wait",
		"[chan receive", "[chan send",
	}},
	{reason: ReasonSleep, patterns: []string{"time.Sleep(", "time.Sleep\n", "[sleep"}},
	{reason: ReasonNetIO, patterns: []string{
		"net.(*conn).Read", "net.(*conn).Write", "net.(*netFD).", "net/http.", "crypto/tls.(*Conn).",
		"internal/poll.runtime_pollWait", "[IO wait",
	}},
	{reason: ReasonStorage, patterns: []string{
		"database/sql.", "os.(*File).Read", "os.(*File).Write", "os.(*File).Sync", "os.ReadFile", "os.WriteFile",
		"syscall.Fsync", "syscall.Read", "syscall.Write", "sqlite", "bbolt",
	}},
	{reason: ReasonDecode, patterns: []string{"image.Decode", "image/png.", "image/jpeg.", "image/gif.", "image/draw.", "golang.org/x/image/"}},
	{reason: ReasonIdle, match: parkedInLooper},
}

// parkedInLooper reports whether the goroutine is blocked in the looper's own
// select with no task on the stack.
func parkedInLooper(stack string) bool {
	header, rest, ok := strings.Cut(stack, "\n")
	if !ok || !strings.Contains(header, "[select") {
		return false
	}
	if strings.Contains(rest, "looper.(*Looper).exec(") {
		return false
	}
	for _, line := range strings.Split(rest, "\n") {
		if line == "" || strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "runtime.") {
			continue
		}
		return strings.Contains(line, "looper.(*Looper).run(")
	}
	return false
}

// Classify maps a goroutine stack text to a Reason by substring rules.
func Classify(stack string) Reason {
	if strings.TrimSpace(stack) == "" {
		return ReasonUnknown
	}
	for _, r := range rules {
		if r.matches(stack) {
			return r.reason
		}
	}
	return ReasonUnknown
}

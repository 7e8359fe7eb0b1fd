// Package stacks captures, parses and classifies goroutine call stacks.
package stacks

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ErrGoroutineNotFound is returned when a requested goroutine is not present in a dump.
var ErrGoroutineNotFound = errors.New("goroutine not found")

// CaptureError reports a failed stack capture or classification step.
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("stack capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Frame is one call site of a goroutine stack.
type Frame struct {
	Func string
	File string
	Line int
}

// Goroutine is a parsed entry of a runtime.Stack dump.
type Goroutine struct {
	ID             int64
	State          string
	Wait           time.Duration
	LockedToThread bool
	Frames         []Frame
	CreatedBy      string
	Raw            string
}

// Label returns the registered name of the goroutine, or "goroutine-<id>".
func (g Goroutine) Label() string {
	if name, ok := LabelOf(g.ID); ok {
		return name
	}
	return "goroutine-" + strconv.FormatInt(g.ID, 10)
}

// Dump returns the runtime.Stack output for the calling goroutine or, with all
// set, for every goroutine. The buffer grows until the dump fits.
func Dump(all bool) []byte {
	size := 64 << 10
	for {
		buf := make([]byte, size)
		n := runtime.Stack(buf, all)
		if n < len(buf) {
			return buf[:n]
		}
		if size >= 64<<20 {
			return buf[:n]
		}
		size *= 2
	}
}

// CurrentGoroutineID returns the id of the calling goroutine.
func CurrentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	id, _, _ := parseHeader(string(buf[:n]))
	return id
}

// Parse splits a runtime.Stack dump into goroutines.
func Parse(dump []byte) []Goroutine {
	var (
		out     []Goroutine
		current *Goroutine
		raw     strings.Builder
		pending string
	)

	flush := func() {
		if current == nil {
			return
		}
		if pending != "" {
			current.Frames = append(current.Frames, Frame{Func: pending})
			pending = ""
		}
		current.Raw = strings.TrimRight(raw.String(), "\n")
		out = append(out, *current)
		current = nil
		raw.Reset()
	}

	scanner := bufio.NewScanner(bytes.NewReader(dump))
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	createdBy := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, "goroutine ") {
			flush()
			id, state, attrs := parseHeader(line)
			current = &Goroutine{ID: id, State: state}
			for _, a := range attrs {
				switch {
				case a == "locked to thread":
					current.LockedToThread = true
				case strings.HasSuffix(a, " minutes") || strings.HasSuffix(a, " minute"):
					if m, err := strconv.Atoi(strings.Fields(a)[0]); err == nil {
						current.Wait = time.Duration(m) * time.Minute
					}
				}
			}
			raw.WriteString(line)
			raw.WriteByte('\n')
			createdBy = false
			continue
		}
		if current == nil {
			continue
		}
		raw.WriteString(line)
		raw.WriteByte('\n')

		if strings.HasPrefix(line, "\t") {
			file, lineNo := parseLocation(strings.TrimSpace(line))
			if createdBy {
				continue
			}
			if pending != "" {
				current.Frames = append(current.Frames, Frame{Func: pending, File: file, Line: lineNo})
				pending = ""
			}
			continue
		}
		if strings.HasPrefix(line, "created by ") {
			if pending != "" {
				current.Frames = append(current.Frames, Frame{Func: pending})
				pending = ""
			}
			current.CreatedBy = strings.TrimPrefix(line, "created by ")
			createdBy = true
			continue
		}
		pending = trimArgs(line)
	}
	flush()
	return out
}

// parseHeader reads "goroutine 18 [chan receive, 2 minutes]:".
func parseHeader(line string) (int64, string, []string) {
	rest := strings.TrimPrefix(line, "goroutine ")
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return 0, "", nil
	}
	id, err := strconv.ParseInt(rest[:sp], 10, 64)
	if err != nil {
		return 0, "", nil
	}
	open := strings.IndexByte(rest, '[')
	end := strings.LastIndexByte(rest, ']')
	if open < 0 || end <= open {
		return id, "", nil
	}
	parts := strings.Split(rest[open+1:end], ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return id, parts[0], parts[1:]
}

// parseLocation reads "/src/pkg/file.go:42 +0x1d".
func parseLocation(s string) (string, int) {
	if sp := strings.IndexByte(s, ' '); sp > 0 {
		s = s[:sp]
	}
	colon := strings.LastIndexByte(s, ':')
	if colon < 0 {
		return s, 0
	}
	n, err := strconv.Atoi(s[colon+1:])
	if err != nil {
		return s, 0
	}
	return s[:colon], n
}

// trimArgs strips the argument list from "pkg.(*T).Method(0xc000010000, 0x1)".
func trimArgs(fn string) string {
	if strings.HasSuffix(fn, ")") {
		depth := 0
		for i := len(fn) - 1; i >= 0; i-- {
			switch fn[i] {
			case ')':
				depth++
			case '(':
				depth--
				if depth == 0 {
					return fn[:i]
				}
			}
		}
	}
	return fn
}

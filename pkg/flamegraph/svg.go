// Package flamegraph renders folded goroutine groups as an SVG flame graph.
// Frame widths count goroutines, not CPU samples, and frames are coloured by
// the scheduler state of the goroutines passing through them.
package flamegraph

import (
	"fmt"
	"hash/fnv"
	"html"
	"io"
	"sort"
	"strings"

	"github.com/danpilch/perfmon/pkg/stacks"
)

// ColorMode selects how frames are filled.
type ColorMode string

const (
	// ColorByState fills a frame by the dominant state of its goroutines.
	ColorByState ColorMode = "state"
	// ColorByPackage gives every Go package a stable colour.
	ColorByPackage ColorMode = "package"
)

// SVGOptions configures the flame graph.
type SVGOptions struct {
	Title   string
	Width   int
	ColorBy ColorMode
	// Highlight outlines the frames on the stack of this goroutine. Zero disables it.
	Highlight int64
}

// DefaultSVGOptions returns the options used by the stacks command.
func DefaultSVGOptions() SVGOptions {
	return SVGOptions{
		Title:   "Goroutine Flame Graph",
		Width:   1200,
		ColorBy: ColorByState,
	}
}

const (
	rowHeight    = 16
	headerHeight = 60
	margin       = 10
	charWidth    = 7
	rootName     = "all goroutines"
)

type rgb struct{ r, g, b int }

func (c rgb) String() string { return fmt.Sprintf("rgb(%d,%d,%d)", c.r, c.g, c.b) }

// State classes in legend order.
var stateClasses = []struct {
	name  string
	color rgb
}{
	{"running", rgb{226, 86, 58}},
	{"runnable", rgb{240, 156, 64}},
	{"locked", rgb{228, 206, 72}},
	{"io", rgb{156, 110, 200}},
	{"sleeping", rgb{110, 186, 104}},
	{"waiting", rgb{92, 146, 212}},
	{"other", rgb{170, 170, 170}},
}

// stateClass buckets a goroutine header state such as "chan receive" or
// "sync.Mutex.Lock".
func stateClass(state string) string {
	switch {
	case state == "running":
		return "running"
	case state == "runnable":
		return "runnable"
	case state == "semacquire", strings.HasPrefix(state, "sync."):
		return "locked"
	case state == "IO wait", state == "syscall":
		return "io"
	case state == "sleep":
		return "sleeping"
	case strings.HasPrefix(state, "select"), strings.HasPrefix(state, "chan "):
		return "waiting"
	default:
		return "other"
	}
}

func classColor(class string) rgb {
	for _, sc := range stateClasses {
		if sc.name == class {
			return sc.color
		}
	}
	return stateClasses[len(stateClasses)-1].color
}

// packageColor hashes the package path of a function name into a warm colour.
func packageColor(fn string) rgb {
	pkg := fn
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		if j := strings.Index(pkg[i:], "."); j >= 0 {
			pkg = pkg[:i+j]
		}
	} else if j := strings.Index(pkg, "."); j >= 0 {
		pkg = pkg[:j]
	}
	h := fnv.New32a()
	h.Write([]byte(pkg))
	v := h.Sum32()
	return rgb{180 + int(v%60), 80 + int((v>>8)%120), 40 + int((v>>16)%60)}
}

// node is one frame of the merged goroutine tree.
type node struct {
	name        string
	count       int
	states      map[string]int
	highlighted bool
	children    map[string]*node
}

func newNode(name string) *node {
	return &node{name: name, states: make(map[string]int), children: make(map[string]*node)}
}

func (n *node) add(state string, count int, highlighted bool) {
	n.count += count
	n.states[state] += count
	n.highlighted = n.highlighted || highlighted
}

// dominantClass returns the state class holding most goroutines through n.
// Ties go to the class listed first in the legend.
func (n *node) dominantClass() string {
	byClass := make(map[string]int)
	for state, c := range n.states {
		byClass[stateClass(state)] += c
	}
	best, bestCount := "other", -1
	for _, sc := range stateClasses {
		if c, ok := byClass[sc.name]; ok && c > bestCount {
			best, bestCount = sc.name, c
		}
	}
	return best
}

func (n *node) fill(mode ColorMode) rgb {
	if mode == ColorByPackage && n.name != rootName {
		return packageColor(n.name)
	}
	return classColor(n.dominantClass())
}

// tooltip lists the states of the goroutines through n, largest first.
func (n *node) tooltip(total int) string {
	type sc struct {
		state string
		count int
	}
	var states []sc
	for s, c := range n.states {
		states = append(states, sc{s, c})
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].count != states[j].count {
			return states[i].count > states[j].count
		}
		return states[i].state < states[j].state
	})
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = fmt.Sprintf("%s %d", s.state, s.count)
	}
	noun := "goroutines"
	if n.count == 1 {
		noun = "goroutine"
	}
	return fmt.Sprintf("%s: %d %s (%.1f%%), %s",
		n.name, n.count, noun, float64(n.count)/float64(total)*100, strings.Join(parts, ", "))
}

func buildTree(groups []stacks.Group, highlight int64) *node {
	root := newNode(rootName)
	for _, g := range groups {
		count := g.Count()
		if count == 0 || g.Key == "" {
			continue
		}
		hl := false
		if highlight != 0 {
			for _, id := range g.IDs {
				if id == highlight {
					hl = true
					break
				}
			}
		}
		root.add(g.State, count, hl)
		n := root
		for _, fn := range strings.Split(g.Key, ";") {
			child, ok := n.children[fn]
			if !ok {
				child = newNode(fn)
				n.children[fn] = child
			}
			child.add(g.State, count, hl)
			n = child
		}
	}
	return root
}

// box is a laid-out frame.
type box struct {
	n     *node
	x, w  float64
	depth int
}

// layout places children left to right in name order, each as wide as its
// share of its parent.
func layout(root *node, width float64) ([]box, int) {
	var (
		boxes    []box
		maxDepth int
	)
	var place func(n *node, x, w float64, depth int)
	place = func(n *node, x, w float64, depth int) {
		if w < 0.5 {
			return
		}
		boxes = append(boxes, box{n: n, x: x, w: w, depth: depth})
		if depth > maxDepth {
			maxDepth = depth
		}
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			child := n.children[name]
			cw := w * float64(child.count) / float64(n.count)
			place(child, x, cw, depth+1)
			x += cw
		}
	}
	place(root, margin, width, 0)
	return boxes, maxDepth
}

// errWriter keeps the first write error so rendering can ignore it until the end.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

// GenerateSVG renders goroutine groups as an SVG flame graph, root at the
// bottom. It returns an error for input without goroutines and for the first
// failed write.
func GenerateSVG(groups []stacks.Group, w io.Writer, opts SVGOptions) error {
	if opts.Width <= 2*margin {
		opts.Width = DefaultSVGOptions().Width
	}
	if opts.ColorBy == "" {
		opts.ColorBy = ColorByState
	}

	root := buildTree(groups, opts.Highlight)
	if root.count == 0 {
		return fmt.Errorf("no goroutines to render")
	}
	boxes, maxDepth := layout(root, float64(opts.Width-2*margin))
	height := headerHeight + (maxDepth+1)*rowHeight + margin
	baseY := height - margin

	ew := &errWriter{w: w}
	ew.printf(`<?xml version="1.0" standalone="no"?>
<svg version="1.1" width="%d" height="%d" xmlns="http://www.w3.org/2000/svg">
<style>
  text { font-family: monospace; font-size: 12px; }
  .frame:hover rect { stroke: black; stroke-width: 0.5; }
  .hl rect { stroke: black; stroke-width: 1.5; }
</style>
<rect x="0" y="0" width="%d" height="%d" fill="white"/>
<text x="%d" y="20" text-anchor="middle" style="font-size:16px; font-weight:bold;">%s</text>
<text x="%d" y="36" text-anchor="middle" fill="#666">%d goroutines</text>
`, opts.Width, height, opts.Width, height,
		opts.Width/2, html.EscapeString(opts.Title),
		opts.Width/2, root.count)

	if opts.ColorBy == ColorByState {
		writeLegend(ew, root)
	}

	for _, b := range boxes {
		class := "frame"
		if b.n.highlighted {
			class += " hl"
		}
		top := baseY - (b.depth+1)*rowHeight
		ew.printf(`<g class="%s"><title>%s</title><rect x="%.1f" y="%d" width="%.1f" height="%d" fill="%s" rx="1"/>`,
			class, html.EscapeString(b.n.tooltip(root.count)), b.x, top, b.w, rowHeight-1, b.n.fill(opts.ColorBy))
		if label := fitLabel(b.n.name, b.w); label != "" {
			ew.printf(`<text x="%.1f" y="%d">%s</text>`, b.x+2, top+rowHeight-4, html.EscapeString(label))
		}
		ew.printf("</g>\n")
	}
	ew.printf("</svg>\n")
	return ew.err
}

// writeLegend lists the state classes present in the graph.
func writeLegend(ew *errWriter, root *node) {
	present := make(map[string]bool)
	for state := range root.states {
		present[stateClass(state)] = true
	}
	x := margin
	for _, sc := range stateClasses {
		if !present[sc.name] {
			continue
		}
		ew.printf(`<rect x="%d" y="44" width="10" height="10" fill="%s"/><text x="%d" y="53">%s</text>
`, x, sc.color, x+14, sc.name)
		x += 14 + (len(sc.name)+2)*charWidth
	}
}

// fitLabel truncates name to the box width, or drops it for narrow boxes.
func fitLabel(name string, width float64) string {
	if width < 40 {
		return ""
	}
	maxChars := int(width-4) / charWidth
	if len(name) <= maxChars {
		return name
	}
	if maxChars <= 3 {
		return ""
	}
	return name[:maxChars-2] + ".."
}

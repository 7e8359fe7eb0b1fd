package stacks

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Group is a set of goroutines sharing the same call stack.
type Group struct {
	Key   string // root-first frames joined by ";"
	State string
	IDs   []int64
}

// Count returns the number of goroutines in the group.
func (g Group) Count() int {
	return len(g.IDs)
}

// Fold groups goroutines with identical frames and state. Groups are ordered
// by size, largest first, then by key.
func Fold(goroutines []Goroutine) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, g := range goroutines {
		key := foldKey(g.Frames)
		mapKey := g.State + "|" + key
		i, ok := index[mapKey]
		if !ok {
			i = len(groups)
			index[mapKey] = i
			groups = append(groups, Group{Key: key, State: g.State})
		}
		groups[i].IDs = append(groups[i].IDs, g.ID)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].IDs) != len(groups[j].IDs) {
			return len(groups[i].IDs) > len(groups[j].IDs)
		}
		if groups[i].Key != groups[j].Key {
			return groups[i].Key < groups[j].Key
		}
		return groups[i].State < groups[j].State
	})
	return groups
}

// foldKey reverses the leaf-first frames of a dump so the root comes first.
func foldKey(frames []Frame) string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[len(frames)-1-i] = f.Func
	}
	return strings.Join(names, ";")
}

// WriteFolded writes groups in folded-stack format: "root;...;leaf count".
func WriteFolded(w io.Writer, groups []Group) {
	for _, g := range groups {
		fmt.Fprintf(w, "%s %d\n", g.Key, g.Count())
	}
}

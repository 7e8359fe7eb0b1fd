package stacks

import "sync"

var labels sync.Map // int64 -> string

// Label names a goroutine for report output.
func Label(id int64, name string) {
	labels.Store(id, name)
}

// Unlabel removes a name registered with Label.
func Unlabel(id int64) {
	labels.Delete(id)
}

// LabelOf returns the name registered for id.
func LabelOf(id int64) (string, bool) {
	v, ok := labels.Load(id)
	if !ok {
		return "", false
	}
	return v.(string), true
}

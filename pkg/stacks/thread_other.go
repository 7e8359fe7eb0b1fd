//go:build !linux

package stacks

// ThreadID is not available on this platform and returns 0.
func ThreadID() int {
	return 0
}

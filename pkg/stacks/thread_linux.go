//go:build linux

package stacks

import "golang.org/x/sys/unix"

// ThreadID returns the OS thread id of the calling goroutine's thread. It is
// only stable for goroutines pinned with runtime.LockOSThread.
func ThreadID() int {
	return unix.Gettid()
}

//go:build linux || darwin

package stacks

import "golang.org/x/sys/unix"

func pid() int {
	return unix.Getpid()
}

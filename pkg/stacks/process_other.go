//go:build !linux && !darwin

package stacks

import "os"

func pid() int {
	return os.Getpid()
}

//go:build !linux && !darwin

package clock

import "time"

func monotonic() time.Duration {
	return sinceStart()
}

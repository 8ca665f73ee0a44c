//go:build !unix

package progress

import "time"

// CPUTime is not available on this platform.
func CPUTime() time.Duration {
	return 0
}

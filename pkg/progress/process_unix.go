//go:build unix

package progress

import (
	"syscall"
	"time"
)

// CPUTime returns user plus system CPU time consumed by the process.
func CPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

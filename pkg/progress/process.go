package progress

import "runtime"

// MemoryUsed returns the bytes of memory obtained from the OS by the Go runtime.
func MemoryUsed() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

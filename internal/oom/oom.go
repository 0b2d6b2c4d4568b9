// Package oom provides the broker's "are we out of memory" check. The
// reference implementation tests malloc's return value directly; Go's
// allocator gives no such hook, so busd injects a MemoryChecker instead,
// consulted by the dispatcher before opening a transaction. The event
// loop's watch back-off does not consult it; it reacts to a callback's
// OOM result instead.
package oom

import "github.com/c9s/goprocinfo/linux"

// MemoryChecker reports whether the process should treat the system as
// memory-exhausted and refuse new allocation-bearing work.
type MemoryChecker interface {
	OutOfMemory() bool
}

// ProcMeminfoChecker reads /proc/meminfo and reports out-of-memory once
// available memory drops below a configured floor. It is the default
// checker wired into cmd/busd.
type ProcMeminfoChecker struct {
	// FloorKB is the minimum MemAvailable, in kilobytes, below which the
	// checker reports out-of-memory.
	FloorKB uint64
}

// NewProcMeminfoChecker returns a checker with a sane default floor.
func NewProcMeminfoChecker(floorKB uint64) *ProcMeminfoChecker {
	if floorKB == 0 {
		floorKB = 16 * 1024
	}
	return &ProcMeminfoChecker{FloorKB: floorKB}
}

func (c *ProcMeminfoChecker) OutOfMemory() bool {
	info, err := linux.ReadMemInfo("/proc/meminfo")
	if err != nil {
		// Can't read meminfo at all; don't manufacture false back-pressure
		// over a transient read error on a non-Linux or sandboxed host.
		return false
	}
	available := info.MemAvailable
	if available == 0 {
		// Older kernels have no MemAvailable line; fall back to MemFree.
		available = info.MemFree
	}
	return available < c.FloorKB
}

// FixedChecker is a test double that always reports the configured value.
type FixedChecker struct {
	OOM bool
}

func (c FixedChecker) OutOfMemory() bool { return c.OOM }

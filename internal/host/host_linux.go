//go:build linux

package host

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// usableCPUs counts the CPUs in the scheduler affinity mask, which respects
// taskset and cgroup cpusets. runtime.NumCPU is used if the mask is unreadable.
func usableCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	return set.Count()
}

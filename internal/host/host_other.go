//go:build !linux

package host

import "runtime"

func usableCPUs() int {
	return runtime.NumCPU()
}

// Package host reports properties of the machine the process runs on.
package host

// Concurrency returns the number of CPUs this process may run on. It never
// returns less than 1.
func Concurrency() int {
	return max(usableCPUs(), 1)
}

// Capped returns a concurrency query limited to limit CPUs. A limit of zero
// or less means no cap.
func Capped(limit int) func() int {
	if limit <= 0 {
		return Concurrency
	}
	return func() int {
		return min(Concurrency(), limit)
	}
}

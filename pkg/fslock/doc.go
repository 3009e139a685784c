// Package fslock provides a lease-bounded advisory file lock for workers that
// share a dependency cache on one filesystem. The flock is paired with an
// in-process mutex, so a single worker's goroutines serialize without
// touching the kernel lock twice.
package fslock

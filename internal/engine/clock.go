package engine

import "time"

// Clock supplies wall-clock time for entry timestamps and backoff schedules.
//
// FIFO order never depends on Clock; it comes from the store-assigned seq.
// Tests inject a manual clock so backoff windows are deterministic.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

package replica

import "time"

// Timer is a cancelable pending callback armed through a Clock.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so the scheduler's debounce machinery is testable
// without real delays.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

// SystemClock returns the wall-clock implementation used outside tests.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

package queue

import "time"

// Clock abstracts wall-clock reads so retry scheduling is testable without
// real waits. Production code uses SystemClock; tests inject a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

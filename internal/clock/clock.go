package clock

import "time"

// Clock supplies the current time. Machines ask it once per operation.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in a fixed location.
type System struct {
	Location *time.Location
}

// Now returns the current wall-clock time.
func (s System) Now() time.Time {
	now := time.Now()
	if s.Location != nil {
		now = now.In(s.Location)
	}
	return now
}

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

func (f Func) Now() time.Time { return f() }

// Fixed always returns the same instant.
func Fixed(t time.Time) Clock {
	return Func(func() time.Time { return t })
}

package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the time source for every scheduled piece of the engine.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f on its own goroutine once d has elapsed. f is never
	// invoked on the caller's goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop reports whether the callback was prevented from running.
	Stop() bool
}

type realClock struct{}

// New returns the wall clock.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

var Module = fx.Module("clock",
	fx.Provide(New),
)

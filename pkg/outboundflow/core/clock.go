package core

import "time"

// Clock is the time source for claims, backoff, waits and timestamps.
// Every timer in the system goes through After so tests can move time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func NewRealClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

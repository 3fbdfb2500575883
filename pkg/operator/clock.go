package operator

import "time"

// clock abstracts timer creation so the debounce and resync transitions are
// testable without real time.
type clock interface {
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock returns the current time. Components that compare against TTLs or
// poll markers read time through it so tests can drive it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by time.Now in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

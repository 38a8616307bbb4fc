package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time so schedulers and allocators can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

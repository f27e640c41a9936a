package common

import (
	"time"
)

var RealWorldState = WorldState{
	Now: time.Now,
}

// WorldState is the clock everything time-dependent reads from, so tests can fix it
type WorldState struct {
	Now func() time.Time
}

func WorldOfTime(t time.Time) WorldState {
	return WorldState{
		Now: func() time.Time { return t },
	}
}

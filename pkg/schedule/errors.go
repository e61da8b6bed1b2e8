package schedule

import (
	"errors"
	"fmt"
	"time"
)

// Schedule errors.
var (
	// ErrNoSchedule is returned by CurrentLeaders before any snapshot has
	// been published.
	ErrNoSchedule = errors.New("no leader schedule published")

	// ErrScheduleStale reports that the published schedule has not been
	// refreshed within the configured limit. It is a signal, not a failure:
	// the tracker keeps serving the stale snapshot.
	ErrScheduleStale = errors.New("leader schedule is stale")

	// ErrInvalidSnapshot is returned for snapshots that fail validation.
	ErrInvalidSnapshot = errors.New("invalid schedule snapshot")

	// ErrRegressed is returned when a fetched snapshot is older than the
	// published one.
	ErrRegressed = errors.New("schedule snapshot regressed")

	// ErrInvalidCount is returned when CurrentLeaders is asked for fewer
	// than one leader.
	ErrInvalidCount = errors.New("leader count must be positive")

	// ErrInvalidConfig is returned for invalid tracker configuration.
	ErrInvalidConfig = errors.New("invalid schedule configuration")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("tracker already started")
)

// StaleError describes a stale episode. It matches ErrScheduleStale with
// errors.Is and unwraps to the last refresh error.
type StaleError struct {
	Age     time.Duration
	LastErr error
}

func (e *StaleError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("%s: last refresh %s ago", ErrScheduleStale, e.Age.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: last refresh %s ago: %v", ErrScheduleStale, e.Age.Round(time.Millisecond), e.LastErr)
}

// Is reports whether target is ErrScheduleStale.
func (e *StaleError) Is(target error) bool {
	return target == ErrScheduleStale
}

func (e *StaleError) Unwrap() error {
	return e.LastErr
}

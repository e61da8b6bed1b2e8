package broadcast

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/fortiblox/X1-Sender/internal/types"
)

// Broadcast errors.
var (
	// ErrSendTimeout marks a destination that did not finish before the
	// deadline.
	ErrSendTimeout = errors.New("send timed out")

	// ErrAllDestinationsFailed is returned when no destination accepted the
	// transaction. It wraps the per-destination errors.
	ErrAllDestinationsFailed = errors.New("all destinations failed")

	// ErrNoLeaders is returned when the schedule yields no destination.
	ErrNoLeaders = errors.New("no leaders available")

	ErrInvalidConfig = errors.New("invalid broadcast configuration")

	// ErrUnknownOutcome is returned when decoding an unrecognized outcome.
	ErrUnknownOutcome = errors.New("unknown outcome")
)

// Outcome is the result of sending to one destination.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "success":
		*o = OutcomeSuccess
	case "failure":
		*o = OutcomeFailure
	case "timeout":
		*o = OutcomeTimeout
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutcome, text)
	}
	return nil
}

// DestinationResult is the outcome for one leader.
type DestinationResult struct {
	Leader  types.Pubkey  `json:"leader"`
	Slot    uint64        `json:"slot"`
	Addr    string        `json:"addr"`
	Outcome Outcome       `json:"outcome"`
	Err     error         `json:"-"`
	Latency time.Duration `json:"latency"`
}

// SubmissionResult is the outcome of one broadcast call.
type SubmissionResult struct {
	Signature    types.Signature     `json:"signature"`
	Destinations []DestinationResult `json:"destinations"`

	// Success is true iff at least one destination accepted the payload at
	// the transport layer.
	Success bool `json:"success"`

	// Err is nil on success. Otherwise it is ErrNoLeaders or wraps
	// ErrAllDestinationsFailed together with each destination's error.
	Err error `json:"-"`
}

// Counts returns the number of destinations per outcome.
func (r SubmissionResult) Counts() (success, failure, timeout int) {
	for _, d := range r.Destinations {
		switch d.Outcome {
		case OutcomeSuccess:
			success++
		case OutcomeFailure:
			failure++
		case OutcomeTimeout:
			timeout++
		}
	}
	return success, failure, timeout
}

// Aggregate folds per-destination outcomes into a SubmissionResult. It is
// pure: the same input always yields the same result.
func Aggregate(results []DestinationResult) SubmissionResult {
	res := SubmissionResult{Destinations: results}
	if len(results) == 0 {
		res.Err = ErrNoLeaders
		return res
	}

	var errs error
	for _, d := range results {
		if d.Outcome == OutcomeSuccess {
			res.Success = true
			return res
		}
		err := d.Err
		if err == nil && d.Outcome == OutcomeTimeout {
			err = ErrSendTimeout
		}
		if err == nil {
			err = errors.New("unknown failure")
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Addr, err))
	}

	res.Err = fmt.Errorf("%w: %w", ErrAllDestinationsFailed, errs)
	return res
}

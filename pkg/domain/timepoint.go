package domain

import (
	"fmt"
	"strings"
)

// TimepointType is the scheme by which a study locates rows in time.
type TimepointType string

const (
	// TimepointVisit locates rows by discrete visit sequence numbers.
	TimepointVisit TimepointType = "VISIT"
	// TimepointDate locates rows by absolute dates.
	TimepointDate TimepointType = "DATE"
	// TimepointContinuous locates rows by relative offsets with no visit windows.
	TimepointContinuous TimepointType = "CONTINUOUS"
)

// ParseTimepointType accepts the canonical names case-insensitively.
func ParseTimepointType(raw string) (TimepointType, error) {
	switch TimepointType(strings.ToUpper(strings.TrimSpace(raw))) {
	case TimepointVisit:
		return TimepointVisit, nil
	case TimepointDate:
		return TimepointDate, nil
	case TimepointContinuous:
		return TimepointContinuous, nil
	default:
		return "", fmt.Errorf("unknown timepoint type %q", raw)
	}
}

// IsVisitBased reports whether rows are keyed by sequence number.
func (t TimepointType) IsVisitBased() bool { return t == TimepointVisit }

// ValidateTransition checks whether a study using current may move to proposed.
// Visit-based studies cannot become date-based or continuous; date-based and
// continuous studies convert freely; every model may stay as it is.
func ValidateTransition(current, proposed TimepointType) error {
	if current == proposed {
		return nil
	}
	switch current {
	case TimepointVisit:
		return &TimepointTransitionError{From: current, To: proposed}
	case TimepointDate, TimepointContinuous:
		if proposed == TimepointDate || proposed == TimepointContinuous {
			return nil
		}
	}
	return &TimepointTransitionError{From: current, To: proposed}
}

// TimepointTransitionError reports a disallowed timepoint model change.
type TimepointTransitionError struct {
	From TimepointType
	To   TimepointType
}

func (e *TimepointTransitionError) Error() string {
	return fmt.Sprintf("cannot change timepoint type from %s to %s", e.From, e.To)
}

// Is lets errors.Is match ErrIncompatibleTimepointModel.
func (e *TimepointTransitionError) Is(target error) bool {
	return target == ErrIncompatibleTimepointModel
}

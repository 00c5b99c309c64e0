package consent

import (
	"errors"
	"fmt"
)

var (
	// ErrHalted is returned by Submit while the kill switch is engaged.
	ErrHalted = errors.New("consent: submissions halted by emergency stop")

	// ErrNotPending is returned by Decide for a request that is not awaiting a decision.
	ErrNotPending = errors.New("consent: request is not awaiting a decision")

	// ErrInvalidOutcome is returned by Decide for outcomes other than allow or deny.
	ErrInvalidOutcome = errors.New("consent: decision outcome must be allow or deny")
)

// CapacityError reports that a submission was refused because every pending
// slot is taken. No request was created; the caller may retry later.
type CapacityError struct {
	Capacity int
	Err      error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("consent: too many pending requests (capacity %d)", e.Capacity)
}

func (e *CapacityError) Unwrap() error { return e.Err }

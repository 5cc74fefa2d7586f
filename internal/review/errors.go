package review

import (
	"errors"
	"fmt"
	"time"
)

// Service errors
var (
	ErrJobNotFound         = errors.New("job not found")
	ErrProfileNotFound     = errors.New("review profile not found")
	ErrProfileNotInJob     = errors.New("profile is not offered by this job")
	ErrInProgressExists    = errors.New("user already has a review in progress")
	ErrProfileNotAvailable = errors.New("profile is not available")
	ErrRaceLost            = errors.New("profile was just selected by another user")
	ErrNoInProgress        = errors.New("no review in progress for this profile")
	ErrTaskIDRequired      = errors.New("task id is required")
)

// ErrLockConflict is returned by stores when a lock insert hits the one-lock-per-profile constraint
var ErrLockConflict = errors.New("profile lock already exists")

// UnavailableError reports why a profile cannot be selected. It matches
// ErrProfileNotAvailable with errors.Is.
type UnavailableError struct {
	Status    Status
	UnlocksAt *time.Time
}

func (e *UnavailableError) Error() string {
	if e.UnlocksAt != nil {
		return fmt.Sprintf("profile is %s until %s", e.Status, e.UnlocksAt.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("profile is %s", e.Status)
}

func (e *UnavailableError) Unwrap() error {
	return ErrProfileNotAvailable
}

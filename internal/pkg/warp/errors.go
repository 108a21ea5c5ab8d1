package warp

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrForbidden           = errors.New("warp belongs to another user")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotInProgress       = errors.New("warp is not in progress")
	ErrAlreadyTerminal     = errors.New("warp is already in a terminal state")
)

// RemoteError wraps a failed job-provider call. Local state is never changed
// when one is returned.
type RemoteError struct {
	Op     string
	WarpID uint
	JobID  string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("remote %s failed for warp %d: %v", e.Op, e.WarpID, e.Err)
	}
	return fmt.Sprintf("remote %s failed for warp %d (job %s): %v", e.Op, e.WarpID, e.JobID, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

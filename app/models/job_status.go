package models

import (
	"fmt"
	"strings"
)

// JobStatus is the lifecycle state of the remote job behind a Warp.
type JobStatus string

const (
	JobStatusInQueue    JobStatus = "IN_QUEUE"
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusPaused     JobStatus = "PAUSED"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusEnded      JobStatus = "ENDED"
)

// ActiveJobStatuses lists every non-terminal status.
var ActiveJobStatuses = []JobStatus{JobStatusInQueue, JobStatusPending, JobStatusInProgress, JobStatusPaused}

// TerminalJobStatuses lists every terminal status.
var TerminalJobStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusEnded}

// ParseJobStatus maps a provider status string onto the closed set.
func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", raw)
	}
	return s, nil
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusInQueue, JobStatusPending, JobStatusInProgress, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusEnded:
		return true
	default:
		return false
	}
}

// IsActive reports whether the job may still run (or be queued to run).
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusInQueue, JobStatusPending, JobStatusInProgress, JobStatusPaused:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the job can no longer change state on the provider side.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusEnded:
		return true
	default:
		return false
	}
}

// IsInitial is true while the job has not been picked up by a worker yet.
func (s JobStatus) IsInitial() bool {
	return s == JobStatusInQueue || s == JobStatusPending
}

func (s JobStatus) String() string {
	return string(s)
}

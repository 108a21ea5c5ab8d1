package repository

import (
	"time"

	"github.com/ManuelReschke/warpstation/app/models"
)

// WarpChanges is a sparse update of a warp; nil fields are left untouched.
type WarpChanges struct {
	JobStatus               *models.JobStatus
	JobStartedAt            *time.Time
	JobEndedAt              *time.Time
	WorkerID                *string
	RunpodConfirmedTerminal *bool
	BilledSeconds           *int64
	PodStatus               *string
	PodEndedAt              *time.Time
}

func (c WarpChanges) IsEmpty() bool {
	return c.JobStatus == nil && c.JobStartedAt == nil && c.JobEndedAt == nil &&
		c.WorkerID == nil && c.RunpodConfirmedTerminal == nil && c.BilledSeconds == nil &&
		c.PodStatus == nil && c.PodEndedAt == nil
}

// Columns renders the changes as a gorm Updates map.
func (c WarpChanges) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if c.JobStatus != nil {
		cols["job_status"] = string(*c.JobStatus)
	}
	if c.JobStartedAt != nil {
		cols["job_started_at"] = *c.JobStartedAt
	}
	if c.JobEndedAt != nil {
		cols["job_ended_at"] = *c.JobEndedAt
	}
	if c.WorkerID != nil {
		cols["worker_id"] = *c.WorkerID
	}
	if c.RunpodConfirmedTerminal != nil {
		cols["runpod_confirmed_terminal"] = *c.RunpodConfirmedTerminal
	}
	if c.BilledSeconds != nil {
		cols["billed_seconds"] = *c.BilledSeconds
	}
	if c.PodStatus != nil {
		cols["pod_status"] = *c.PodStatus
	}
	if c.PodEndedAt != nil {
		cols["pod_ended_at"] = *c.PodEndedAt
	}
	return cols
}

// Apply copies the changes onto an in-memory warp.
func (c WarpChanges) Apply(w *models.Warp) {
	if c.JobStatus != nil {
		s := *c.JobStatus
		w.JobStatus = &s
	}
	if c.JobStartedAt != nil {
		t := *c.JobStartedAt
		w.JobStartedAt = &t
	}
	if c.JobEndedAt != nil {
		t := *c.JobEndedAt
		w.JobEndedAt = &t
	}
	if c.WorkerID != nil {
		id := *c.WorkerID
		w.WorkerID = &id
	}
	if c.RunpodConfirmedTerminal != nil {
		w.RunpodConfirmedTerminal = *c.RunpodConfirmedTerminal
	}
	if c.BilledSeconds != nil {
		w.BilledSeconds = *c.BilledSeconds
	}
	if c.PodStatus != nil {
		s := *c.PodStatus
		w.PodStatus = &s
	}
	if c.PodEndedAt != nil {
		t := *c.PodEndedAt
		w.PodEndedAt = &t
	}
}

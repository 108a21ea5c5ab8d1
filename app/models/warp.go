package models

import (
	"time"

	"gorm.io/gorm"
)

// Warp is one leased GPU session, backed by exactly one remote serverless job.
// Billing is derived from JobStartedAt -> JobEndedAt only.
type Warp struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	UUID                    string     `gorm:"type:varchar(36);uniqueIndex;not null" json:"uuid"`
	JobID                   *string    `gorm:"type:varchar(191);uniqueIndex" json:"job_id"`
	JobStatus               *JobStatus `gorm:"type:varchar(20);index" json:"job_status"`
	JobRequestedAt          *time.Time `gorm:"type:timestamp(3);default:null" json:"job_requested_at"`
	JobStartedAt            *time.Time `gorm:"type:timestamp(3);default:null" json:"job_started_at"`
	JobEndedAt              *time.Time `gorm:"type:timestamp(3);default:null" json:"job_ended_at"`
	WorkerID                *string    `gorm:"type:varchar(191);default:null" json:"worker_id"`
	RunpodConfirmedTerminal bool       `gorm:"not null;default:false;index" json:"runpod_confirmed_terminal"`
	// BilledSeconds is what has been deducted from the owner's balance for this warp so far.
	BilledSeconds int64 `gorm:"not null;default:0" json:"billed_seconds"`

	// Legacy persistent-pod lifecycle, kept for historical rows.
	PodID      *string    `gorm:"type:varchar(191);default:null;index" json:"pod_id,omitempty"`
	PodStatus  *string    `gorm:"type:varchar(50);default:null" json:"pod_status,omitempty"`
	PodReadyAt *time.Time `gorm:"type:timestamp(3);default:null" json:"pod_ready_at,omitempty"`
	PodEndedAt *time.Time `gorm:"type:timestamp(3);default:null" json:"pod_ended_at,omitempty"`

	CreatedByID string         `gorm:"type:varchar(64);not null;index" json:"created_by_id"`
	CreatedBy   *User          `gorm:"foreignKey:CreatedByID;references:ID" json:"-"`
	CreatedAt   time.Time      `gorm:"type:timestamp(3);autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"type:timestamp(3);autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

const PodStatusTerminated = "TERMINATED"

// Status returns the job status, or "" while no job has been recorded.
func (w *Warp) Status() JobStatus {
	if w == nil || w.JobStatus == nil {
		return ""
	}
	return *w.JobStatus
}

// HasJob reports whether the remote job id was persisted.
func (w *Warp) HasJob() bool {
	return w != nil && w.JobID != nil && *w.JobID != ""
}

func (w *Warp) IsTerminal() bool {
	return w.Status().IsTerminal()
}

// IsLegacyPod marks rows created by the persistent-pod model that were never terminated.
func (w *Warp) IsLegacyPod() bool {
	return w != nil && !w.HasJob() && w.PodID != nil && *w.PodID != "" && w.PodEndedAt == nil
}

// JobIDValue returns the job id or "".
func (w *Warp) JobIDValue() string {
	if w == nil || w.JobID == nil {
		return ""
	}
	return *w.JobID
}

// StatusPtr is a small helper for building nullable status columns.
func StatusPtr(s JobStatus) *JobStatus {
	return &s
}

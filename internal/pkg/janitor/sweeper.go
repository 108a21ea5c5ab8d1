// Package janitor periodically reconciles warps with the job provider and
// cancels the ones that are stuck, abandoned or disagree with the provider.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/app/repository"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
	"github.com/ManuelReschke/warpstation/internal/pkg/runpod"
	"github.com/ManuelReschke/warpstation/internal/pkg/warp"
)

// Engine is the part of the warp engine a sweep drives.
type Engine interface {
	Sync(ctx context.Context, warpID uint) (*models.Warp, error)
	Cancel(ctx context.Context, userID string, warpID uint, w *models.Warp) (*warp.CancelResult, error)
	TerminateLegacyPod(ctx context.Context, w *models.Warp) error
}

// Reason names the trigger that made a sweep cancel a warp.
type Reason string

const (
	ReasonStuck       Reason = "stuck"
	ReasonInactive    Reason = "inactive"
	ReasonDiscrepancy Reason = "discrepancy"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Candidates           int `json:"candidates"`
	Synced               int `json:"synced"`
	SyncErrors           int `json:"sync_errors"`
	Vanished             int `json:"vanished"`
	Confirmed            int `json:"confirmed"`
	CancelAttempts       int `json:"cancel_attempts"`
	Cancelled            int `json:"cancelled"`
	CancelSkipped        int `json:"cancel_skipped"`
	CancelErrors         int `json:"cancel_errors"`
	LegacyPodsTerminated int `json:"legacy_pods_terminated"`
	LegacyPodErrors      int `json:"legacy_pod_errors"`
}

// Counters returns the counts keyed by their JSON names.
func (r *SweepResult) Counters() map[string]int64 {
	return map[string]int64{
		"sweeps":                 1,
		"candidates":             int64(r.Candidates),
		"synced":                 int64(r.Synced),
		"sync_errors":            int64(r.SyncErrors),
		"vanished":               int64(r.Vanished),
		"confirmed":              int64(r.Confirmed),
		"cancel_attempts":        int64(r.CancelAttempts),
		"cancelled":              int64(r.Cancelled),
		"cancel_skipped":         int64(r.CancelSkipped),
		"cancel_errors":          int64(r.CancelErrors),
		"legacy_pods_terminated": int64(r.LegacyPodsTerminated),
		"legacy_pod_errors":      int64(r.LegacyPodErrors),
	}
}

// Sweeper runs one reconciliation pass at a time over all candidate warps.
type Sweeper struct {
	engine Engine
	warps  repository.WarpRepository
	cfg    config.Janitor
	now    func() time.Time
}

// NewSweeper creates a sweeper. A nil clock means time.Now in UTC.
func NewSweeper(engine Engine, warps repository.WarpRepository, cfg config.Janitor, clock func() time.Time) *Sweeper {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{engine: engine, warps: warps, cfg: cfg, now: clock}
}

// RunOnce reconciles every candidate sequentially. Failures of single warps
// are counted and logged; only a failed candidate query aborts the sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{RunID: uuid.NewString(), StartedAt: s.now()}

	candidates, err := s.warps.ListReconcileCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reconcile candidates: %w", err)
	}
	res.Candidates = len(candidates)

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			log.Warnf("[Janitor] Sweep %s interrupted after %d of %d warps", res.RunID, i, len(candidates))
			res.FinishedAt = s.now()
			return res, err
		}
		s.reconcile(ctx, &candidates[i], res)
	}

	s.terminateLegacyPods(ctx, res)

	res.FinishedAt = s.now()
	log.Infof("[Janitor] Sweep %s: candidates=%d synced=%d sync_errors=%d vanished=%d confirmed=%d cancel_attempts=%d cancelled=%d cancel_skipped=%d cancel_errors=%d legacy_pods=%d legacy_errors=%d",
		res.RunID, res.Candidates, res.Synced, res.SyncErrors, res.Vanished, res.Confirmed, res.CancelAttempts,
		res.Cancelled, res.CancelSkipped, res.CancelErrors, res.LegacyPodsTerminated, res.LegacyPodErrors)
	return res, nil
}

func (s *Sweeper) reconcile(ctx context.Context, before *models.Warp, res *SweepResult) {
	synced, err := s.engine.Sync(ctx, before.ID)
	switch {
	case errors.Is(err, runpod.ErrJobNotFound):
		// The provider no longer knows a job that is active here. The listed
		// row goes through the triggers, and Cancel confirms the missing job.
		res.Vanished++
		log.Warnf("[Janitor] Job %s of warp %d (status %s) is unknown to the provider", before.JobIDValue(), before.ID, before.Status())
		synced = before
	case err != nil || synced == nil:
		res.SyncErrors++
		log.Warnf("[Janitor] Skipping warp %d (job %s): sync failed: %v", before.ID, before.JobIDValue(), err)
		return
	default:
		res.Synced++
	}

	if synced.RunpodConfirmedTerminal {
		if !before.RunpodConfirmedTerminal {
			res.Confirmed++
		}
		return
	}

	reason := s.cancelReason(before, synced, s.now())
	if reason == "" {
		return
	}

	res.CancelAttempts++
	log.Infof("[Janitor] Cancelling warp %d (job %s, status %s): %s", synced.ID, synced.JobIDValue(), synced.Status(), reason)
	out, err := s.engine.Cancel(ctx, "", synced.ID, synced)
	switch {
	case err != nil:
		res.CancelErrors++
		log.Errorf("[Janitor] Cancel of warp %d failed: %v", synced.ID, err)
	case out.AlreadyTerminal:
		res.CancelSkipped++
	default:
		res.Cancelled++
	}
}

// cancelReason evaluates the triggers against the state after sync. before is
// the row as listed, so a terminal-but-unconfirmed warp that the provider
// reports active again is caught.
func (s *Sweeper) cancelReason(before, after *models.Warp, now time.Time) Reason {
	status := after.Status()
	switch {
	case before.IsTerminal() && !before.RunpodConfirmedTerminal && status.IsActive():
		return ReasonDiscrepancy
	case status.IsInitial() && now.Sub(after.CreatedAt) > s.cfg.StuckThreshold:
		return ReasonStuck
	case status == models.JobStatusInProgress && now.Sub(after.UpdatedAt) > s.cfg.InactivityThreshold:
		return ReasonInactive
	}
	return ""
}

// terminateLegacyPods stops pods from the persistent-pod model that were never
// terminated. They are old enough to be outside any live session.
func (s *Sweeper) terminateLegacyPods(ctx context.Context, res *SweepResult) {
	pods, err := s.warps.ListLegacyPods(ctx, s.now().Add(-s.cfg.StuckThreshold))
	if err != nil {
		res.LegacyPodErrors++
		log.Errorf("[Janitor] Listing legacy pods failed: %v", err)
		return
	}
	for i := range pods {
		if ctx.Err() != nil {
			return
		}
		if err := s.engine.TerminateLegacyPod(ctx, &pods[i]); err != nil {
			res.LegacyPodErrors++
			log.Warnf("[Janitor] Legacy pod of warp %d not terminated: %v", pods[i].ID, err)
			continue
		}
		res.LegacyPodsTerminated++
	}
}

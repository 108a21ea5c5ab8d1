// Package warp owns the lifecycle of warps: starting remote jobs, syncing
// their state, cancelling them and settling the owner's time balance.
//
// Remote calls are never made while a transaction holds a warp row lock,
// except for StartJob, which runs under the owner's row lock so that two
// concurrent Create calls cannot both start a job.
package warp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/app/repository"
	"github.com/ManuelReschke/warpstation/internal/pkg/balance"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
	"github.com/ManuelReschke/warpstation/internal/pkg/runpod"
)

// Clock returns the current time. Tests inject a fixed one.
type Clock func() time.Time

// Engine drives warps through their job lifecycle.
type Engine struct {
	store  repository.Store
	client runpod.JobClient
	cfg    config.Warp
	now    Clock
}

// CancelResult is returned by Cancel and End. AlreadyTerminal is set when the
// warp had reached a terminal state before this call, in which case nothing changed.
type CancelResult struct {
	Warp            *models.Warp
	User            *models.User
	AlreadyTerminal bool
}

// HeartbeatResult carries the non-authoritative balance estimate.
type HeartbeatResult struct {
	Warp             *models.Warp
	EstimatedBalance float64
}

// NewEngine creates an engine. A nil clock means time.Now in UTC.
func NewEngine(store repository.Store, client runpod.JobClient, cfg config.Warp, clock Clock) *Engine {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:  store,
		client: client,
		cfg:    cfg,
		now:    clock,
	}
}

// Create starts a remote job for the user and records the warp. If the user
// already has an active warp, that warp is returned and created is false.
func (e *Engine) Create(ctx context.Context, userID string) (warp *models.Warp, created bool, err error) {
	if strings.TrimSpace(userID) == "" {
		return nil, false, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	var startedJob string
	err = e.store.Transaction(ctx, func(tx *repository.Repositories) error {
		user, err := tx.User.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if user.DeletedAt.Valid {
			return repository.ErrNotFound
		}

		existing, err := tx.Warp.FindActiveByUser(ctx, userID)
		if err == nil {
			warp = existing
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		if e.cfg.RequirePositiveBalance && !user.HasBalance() {
			return ErrInsufficientBalance
		}

		token := uuid.NewString()
		run, err := e.client.StartJob(ctx, runpod.JobInput{WarpUUID: token, UserID: userID})
		if err != nil {
			return &RemoteError{Op: "start", Err: err}
		}
		startedJob = run.ID

		status := run.Status
		if status == "" {
			status = models.JobStatusInQueue
		}
		now := e.now()
		jobID := run.ID
		w := &models.Warp{
			UUID:           token,
			JobID:          &jobID,
			JobStatus:      models.StatusPtr(status),
			JobRequestedAt: &now,
			CreatedByID:    userID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.Warp.Create(ctx, w); err != nil {
			return fmt.Errorf("persist warp for job %s: %w", jobID, err)
		}
		warp = w
		created = true
		return nil
	})
	if err != nil {
		if startedJob != "" {
			e.abandonJob(ctx, startedJob)
		}
		var remote *RemoteError
		if errors.As(err, &remote) {
			log.Errorf("[Warp] Could not start job for user %s: %v", userID, err)
			return nil, false, err
		}
		return nil, false, storeError(err, "create warp for user "+userID)
	}

	if created {
		log.Infof("[Warp] Created warp %d (job %s, status %s) for user %s", warp.ID, warp.JobIDValue(), warp.Status(), userID)
	}
	return warp, created, nil
}

// abandonJob cancels a job whose warp row could not be committed.
func (e *Engine) abandonJob(ctx context.Context, jobID string) {
	if _, err := e.client.CancelJob(context.WithoutCancel(ctx), jobID); err != nil {
		log.Errorf("[Warp] Orphaned job %s could not be cancelled: %v", jobID, err)
		return
	}
	log.Warnf("[Warp] Cancelled orphaned job %s after failed warp insert", jobID)
}

// Sync reconciles one warp with the provider. It returns a *RemoteError and
// leaves the record untouched when the provider cannot be queried.
func (e *Engine) Sync(ctx context.Context, warpID uint) (*models.Warp, error) {
	w, err := e.store.Repos().Warp.GetByID(ctx, warpID)
	if err != nil {
		return nil, storeError(err, fmt.Sprintf("load warp %d", warpID))
	}
	return e.sync(ctx, w)
}

// SyncByUUID resolves a warp by the correlation token sent with its job and syncs it.
func (e *Engine) SyncByUUID(ctx context.Context, warpUUID string) (*models.Warp, error) {
	if strings.TrimSpace(warpUUID) == "" {
		return nil, fmt.Errorf("%w: warp uuid is required", ErrInvalidInput)
	}
	w, err := e.store.Repos().Warp.GetByUUID(ctx, warpUUID)
	if err != nil {
		return nil, storeError(err, "load warp "+warpUUID)
	}
	return e.sync(ctx, w)
}

func (e *Engine) sync(ctx context.Context, w *models.Warp) (*models.Warp, error) {
	if w.RunpodConfirmedTerminal || !w.HasJob() {
		return w, nil
	}

	jobID := w.JobIDValue()
	state, err := e.client.GetJobStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, runpod.ErrJobNotFound) && w.IsTerminal() {
			return e.confirmMissing(ctx, w.ID)
		}
		log.Warnf("[Warp] Status of warp %d (job %s) unavailable: %v", w.ID, jobID, err)
		return nil, &RemoteError{Op: "status", WarpID: w.ID, JobID: jobID, Err: err}
	}

	var (
		out     *models.Warp
		charged int64
	)
	err = e.store.Transaction(ctx, func(tx *repository.Repositories) error {
		locked, err := tx.Warp.GetByIDForUpdate(ctx, w.ID)
		if err != nil {
			return err
		}
		out = locked
		if locked.RunpodConfirmedTerminal {
			return nil
		}

		changes := diffState(locked, state, e.now())
		if changes.IsEmpty() {
			return nil
		}
		changes.Apply(locked)

		newlyConfirmed := changes.RunpodConfirmedTerminal != nil && *changes.RunpodConfirmedTerminal
		if newlyConfirmed && locked.JobStartedAt != nil && locked.JobEndedAt != nil {
			_, charged, err = settleTx(ctx, tx, locked)
			if err != nil {
				return err
			}
			if charged > 0 {
				changes.BilledSeconds = &locked.BilledSeconds
			}
		}
		return tx.Warp.Update(ctx, locked.ID, changes)
	})
	if err != nil {
		return nil, storeError(err, fmt.Sprintf("sync warp %d", w.ID))
	}

	if out.Status() != w.Status() {
		log.Infof("[Warp] Warp %d (job %s): %s -> %s", out.ID, jobID, w.Status(), out.Status())
	}
	if charged > 0 {
		log.Infof("[Warp] Settled warp %d: charged %ds to user %s", out.ID, charged, out.CreatedByID)
	}
	return out, nil
}

// confirmMissing handles a provider "not found" for a warp that is already
// terminal locally: the job is gone, so the terminal status is final.
func (e *Engine) confirmMissing(ctx context.Context, warpID uint) (*models.Warp, error) {
	var out *models.Warp
	err := e.store.Transaction(ctx, func(tx *repository.Repositories) error {
		locked, err := tx.Warp.GetByIDForUpdate(ctx, warpID)
		if err != nil {
			return err
		}
		out = locked
		if locked.RunpodConfirmedTerminal {
			return nil
		}
		if !locked.IsTerminal() {
			return &RemoteError{Op: "status", WarpID: locked.ID, JobID: locked.JobIDValue(), Err: runpod.ErrJobNotFound}
		}
		confirmed := true
		changes := repository.WarpChanges{RunpodConfirmedTerminal: &confirmed}
		changes.Apply(locked)
		return tx.Warp.Update(ctx, locked.ID, changes)
	})
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return nil, err
		}
		return nil, storeError(err, fmt.Sprintf("confirm warp %d", warpID))
	}
	log.Infof("[Warp] Job %s of warp %d no longer exists, confirmed %s", out.JobIDValue(), out.ID, out.Status())
	return out, nil
}

// diffState computes the columns that change when the provider reports st.
// Start and end timestamps are only ever set once.
func diffState(w *models.Warp, st *runpod.JobState, now time.Time) repository.WarpChanges {
	var ch repository.WarpChanges

	if w.Status() != st.Status {
		s := st.Status
		ch.JobStatus = &s
	}
	if st.WorkerID != "" && (w.WorkerID == nil || *w.WorkerID != st.WorkerID) {
		id := st.WorkerID
		ch.WorkerID = &id
	}

	start := w.JobStartedAt
	if start == nil {
		switch {
		case st.Status == models.JobStatusInProgress:
			t := now.Add(-st.DelayTime)
			ch.JobStartedAt, start = &t, &t
		case st.Status.IsTerminal() && st.ExecutionTime > 0:
			// ran and finished between two polls
			t := queuedAt(w).Add(st.DelayTime)
			ch.JobStartedAt, start = &t, &t
		}
	}

	if st.Status.IsTerminal() {
		if w.JobEndedAt == nil {
			end := now
			if start != nil && st.ExecutionTime > 0 {
				end = start.Add(st.ExecutionTime)
			}
			if start != nil && end.Before(*start) {
				end = *start
			}
			ch.JobEndedAt = &end
		}
		if !w.RunpodConfirmedTerminal {
			confirmed := true
			ch.RunpodConfirmedTerminal = &confirmed
		}
	}
	return ch
}

func queuedAt(w *models.Warp) time.Time {
	if w.JobRequestedAt != nil {
		return *w.JobRequestedAt
	}
	return w.CreatedAt
}

// settleTx deducts the not yet billed run time of w from its owner and bumps
// w.BilledSeconds in memory. tx must hold the row lock on w; the owner row is
// locked and re-read here so a balance read outside the transaction is never used.
func settleTx(ctx context.Context, tx *repository.Repositories, w *models.Warp) (*models.User, int64, error) {
	user, err := tx.User.GetByIDForUpdate(ctx, w.CreatedByID)
	if err != nil {
		return nil, 0, fmt.Errorf("lock user %s: %w", w.CreatedByID, err)
	}
	newBalance, charged, err := balance.Settle(user.TimeBalance, w.BilledSeconds, w.JobStartedAt, w.JobEndedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("settle warp %d: %w", w.ID, err)
	}
	if charged == 0 {
		return user, 0, nil
	}
	if err := tx.User.SetTimeBalance(ctx, user.ID, newBalance); err != nil {
		return nil, 0, fmt.Errorf("store balance of user %s: %w", user.ID, err)
	}
	user.TimeBalance = newBalance
	w.BilledSeconds += charged
	return user, charged, nil
}

// Cancel ends a warp. The provider is asked first; nothing local changes if
// that request fails. userID may be empty for internal callers.
func (e *Engine) Cancel(ctx context.Context, userID string, warpID uint, warp *models.Warp) (*CancelResult, error) {
	if warp == nil {
		w, err := e.store.Repos().Warp.GetByID(ctx, warpID)
		if err != nil {
			return nil, storeError(err, fmt.Sprintf("load warp %d", warpID))
		}
		warp = w
	}
	if userID != "" && warp.CreatedByID != userID {
		return nil, ErrForbidden
	}

	if !warp.HasJob() {
		return e.failWithoutJob(ctx, warp.ID)
	}
	if warp.IsTerminal() {
		user, err := e.owner(ctx, warp.CreatedByID)
		if err != nil {
			return nil, err
		}
		return &CancelResult{Warp: warp, User: user, AlreadyTerminal: true}, nil
	}

	jobID := warp.JobIDValue()
	gone := false
	if _, err := e.client.CancelJob(ctx, jobID); err != nil {
		if !errors.Is(err, runpod.ErrJobNotFound) {
			log.Warnf("[Warp] Cancel of warp %d (job %s) rejected: %v", warp.ID, jobID, err)
			return nil, &RemoteError{Op: "cancel", WarpID: warp.ID, JobID: jobID, Err: err}
		}
		gone = true
	}
	return e.markCancelled(ctx, warp.ID, gone)
}

// markCancelled records an accepted cancellation. When the provider no longer
// knows the job the terminal state is confirmed right away.
func (e *Engine) markCancelled(ctx context.Context, warpID uint, confirmed bool) (*CancelResult, error) {
	res := &CancelResult{}
	var charged int64
	err := e.store.Transaction(ctx, func(tx *repository.Repositories) error {
		locked, err := tx.Warp.GetByIDForUpdate(ctx, warpID)
		if err != nil {
			return err
		}
		res.Warp = locked
		if locked.RunpodConfirmedTerminal || locked.IsTerminal() {
			res.AlreadyTerminal = true
			res.User, err = tx.User.GetByIDForUpdate(ctx, locked.CreatedByID)
			return err
		}

		now := e.now()
		status := models.JobStatusCancelled
		changes := repository.WarpChanges{JobStatus: &status, JobEndedAt: &now}
		if confirmed {
			changes.RunpodConfirmedTerminal = &confirmed
		}
		changes.Apply(locked)

		if locked.JobStartedAt != nil {
			res.User, charged, err = settleTx(ctx, tx, locked)
			if err != nil {
				return err
			}
			if charged > 0 {
				changes.BilledSeconds = &locked.BilledSeconds
			}
		} else if res.User, err = tx.User.GetByIDForUpdate(ctx, locked.CreatedByID); err != nil {
			return err
		}
		return tx.Warp.Update(ctx, locked.ID, changes)
	})
	if err != nil {
		return nil, storeError(err, fmt.Sprintf("cancel warp %d", warpID))
	}
	if !res.AlreadyTerminal {
		log.Infof("[Warp] Cancelled warp %d (job %s), charged %ds", res.Warp.ID, res.Warp.JobIDValue(), charged)
	}
	return res, nil
}

// failWithoutJob closes a warp whose job id was never stored. Nothing ran, so
// the provider is not contacted and nothing is billed.
func (e *Engine) failWithoutJob(ctx context.Context, warpID uint) (*CancelResult, error) {
	res := &CancelResult{}
	err := e.store.Transaction(ctx, func(tx *repository.Repositories) error {
		locked, err := tx.Warp.GetByIDForUpdate(ctx, warpID)
		if err != nil {
			return err
		}
		res.Warp = locked
		if res.User, err = tx.User.GetByIDForUpdate(ctx, locked.CreatedByID); err != nil {
			return err
		}
		if locked.IsTerminal() {
			res.AlreadyTerminal = true
			return nil
		}
		now := e.now()
		status := models.JobStatusFailed
		confirmed := true
		changes := repository.WarpChanges{JobStatus: &status, JobEndedAt: &now, RunpodConfirmedTerminal: &confirmed}
		changes.Apply(locked)
		return tx.Warp.Update(ctx, locked.ID, changes)
	})
	if err != nil {
		return nil, storeError(err, fmt.Sprintf("fail warp %d", warpID))
	}
	if !res.AlreadyTerminal {
		log.Warnf("[Warp] Warp %d had no job id, marked %s", res.Warp.ID, models.JobStatusFailed)
	}
	return res, nil
}

// Heartbeat keeps a running warp alive. When the estimated balance is used up
// the warp is cancelled and ErrInsufficientBalance is returned with the result.
func (e *Engine) Heartbeat(ctx context.Context, userID string, warpID uint) (*HeartbeatResult, error) {
	w, err := e.owned(ctx, userID, warpID)
	if err != nil {
		return nil, err
	}
	if w.IsTerminal() {
		return nil, fmt.Errorf("warp %d is %s: %w", w.ID, w.Status(), ErrAlreadyTerminal)
	}
	if w.Status() != models.JobStatusInProgress {
		return nil, fmt.Errorf("warp %d is %q: %w", w.ID, w.Status(), ErrNotInProgress)
	}

	user, err := e.store.Repos().User.GetByID(ctx, w.CreatedByID)
	if err != nil {
		return nil, storeError(err, "load user "+w.CreatedByID)
	}

	now := e.now()
	// The job is running, so time counts up to now; seconds already billed
	// for this warp are part of that span and are added back.
	estimate := balance.Estimate(user.TimeBalance+w.BilledSeconds, w.JobStartedAt, nil, now)
	out := &HeartbeatResult{Warp: w, EstimatedBalance: estimate}

	if estimate <= 0 {
		log.Infof("[Warp] Balance of user %s exhausted (%.1fs), ending warp %d", user.ID, estimate, w.ID)
		res, err := e.Cancel(ctx, "", w.ID, w)
		if err != nil {
			log.Errorf("[Warp] Could not end warp %d after balance exhaustion: %v", w.ID, err)
			return out, errors.Join(ErrInsufficientBalance, err)
		}
		out.Warp = res.Warp
		return out, ErrInsufficientBalance
	}

	if err := e.store.Repos().Warp.Touch(ctx, w.ID, now); err != nil {
		return nil, storeError(err, fmt.Sprintf("touch warp %d", w.ID))
	}
	w.UpdatedAt = now
	return out, nil
}

// Get returns a warp of the user after syncing it. A failed sync is logged and
// the stored record is returned.
func (e *Engine) Get(ctx context.Context, userID string, warpID uint) (*models.Warp, error) {
	w, err := e.owned(ctx, userID, warpID)
	if err != nil {
		return nil, err
	}
	synced, err := e.sync(ctx, w)
	if err != nil {
		log.Warnf("[Warp] Returning unsynced warp %d: %v", w.ID, err)
		return w, nil
	}
	return synced, nil
}

// List returns the user's warps, newest first.
func (e *Engine) List(ctx context.Context, userID string) ([]models.Warp, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	warps, err := e.store.Repos().Warp.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list warps of user %s: %w", userID, err)
	}
	return warps, nil
}

// End is the user-facing cancel.
func (e *Engine) End(ctx context.Context, userID string, warpID uint) (*CancelResult, error) {
	w, err := e.owned(ctx, userID, warpID)
	if err != nil {
		return nil, err
	}
	return e.Cancel(ctx, userID, w.ID, w)
}

// TerminateLegacyPod stops a persistent pod left over from the pod-based
// model and records it as terminated. Pods are never billed here.
func (e *Engine) TerminateLegacyPod(ctx context.Context, w *models.Warp) error {
	if !w.IsLegacyPod() {
		return fmt.Errorf("%w: warp %d is not a running legacy pod", ErrInvalidInput, w.ID)
	}
	podID := *w.PodID
	if err := e.client.TerminatePod(ctx, podID); err != nil && !errors.Is(err, runpod.ErrJobNotFound) {
		return &RemoteError{Op: "terminate pod", WarpID: w.ID, JobID: podID, Err: err}
	}

	now := e.now()
	status := models.PodStatusTerminated
	changes := repository.WarpChanges{PodStatus: &status, PodEndedAt: &now}
	if err := e.store.Repos().Warp.Update(ctx, w.ID, changes); err != nil {
		return storeError(err, fmt.Sprintf("mark pod of warp %d terminated", w.ID))
	}
	changes.Apply(w)
	log.Infof("[Warp] Terminated legacy pod %s of warp %d", podID, w.ID)
	return nil
}

func (e *Engine) owned(ctx context.Context, userID string, warpID uint) (*models.Warp, error) {
	if strings.TrimSpace(userID) == "" || warpID == 0 {
		return nil, fmt.Errorf("%w: user id and warp id are required", ErrInvalidInput)
	}
	w, err := e.store.Repos().Warp.GetByID(ctx, warpID)
	if err != nil {
		return nil, storeError(err, fmt.Sprintf("load warp %d", warpID))
	}
	if w.CreatedByID != userID {
		return nil, ErrForbidden
	}
	return w, nil
}

func (e *Engine) owner(ctx context.Context, userID string) (*models.User, error) {
	user, err := e.store.Repos().User.GetByID(ctx, userID)
	if err != nil {
		return nil, storeError(err, "load user "+userID)
	}
	return user, nil
}

// storeError maps missing rows to ErrNotFound and passes engine errors through.
func storeError(err error, op string) error {
	switch {
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrNotFound):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

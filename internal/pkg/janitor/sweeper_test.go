package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/app/repository"
	"github.com/ManuelReschke/warpstation/internal/pkg/config"
	"github.com/ManuelReschke/warpstation/internal/pkg/runpod"
	"github.com/ManuelReschke/warpstation/internal/pkg/warp"
	"github.com/ManuelReschke/warpstation/internal/pkg/warp/warptest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testCfg = config.Janitor{
	Enabled:             true,
	Interval:            5 * time.Minute,
	StuckThreshold:      20 * time.Minute,
	InactivityThreshold: 10 * time.Minute,
	LockTTL:             4 * time.Minute,
}

type sweepFixture struct {
	mu      sync.Mutex
	now     time.Time
	store   *warptest.FakeStore
	client  *warptest.FakeJobClient
	engine  *warp.Engine
	sweeper *Sweeper
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{now: t0}
	f.store = warptest.NewFakeStore()
	f.store.Now = f.clock
	f.client = warptest.NewFakeJobClient()
	f.engine = warp.NewEngine(f.store, f.client, config.Warp{RequirePositiveBalance: true}, f.clock)
	f.sweeper = NewSweeper(f.engine, f.store.Repos().Warp, testCfg, f.clock)
	f.store.AddUser(models.User{ID: "user_1", TimeBalance: 3600})
	return f
}

func (f *sweepFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *sweepFixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *sweepFixture) addWarp(status models.JobStatus, jobID string, mutate func(w *models.Warp)) models.Warp {
	w := models.Warp{CreatedByID: "user_1", CreatedAt: t0, UpdatedAt: t0, JobRequestedAt: timePtr(t0)}
	if status != "" {
		w.JobStatus = models.StatusPtr(status)
	}
	if jobID != "" {
		w.JobID = &jobID
	}
	if mutate != nil {
		mutate(&w)
	}
	return f.store.AddWarp(w)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestSweep_DiscrepancyRecancels(t *testing.T) {
	f := newSweepFixture(t)
	f.store.AddUser(models.User{ID: "user_1", TimeBalance: 3500})
	w := f.addWarp(models.JobStatusCancelled, "job-1", func(w *models.Warp) {
		w.JobStartedAt = timePtr(t0)
		w.JobEndedAt = timePtr(t0.Add(100 * time.Second))
		w.BilledSeconds = 100
	})
	f.client.SetStatus("job-1", runpod.JobState{Status: models.JobStatusInProgress})
	f.setNow(t0.Add(200 * time.Second))

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.CancelAttempts)
	assert.Equal(t, 1, res.Cancelled)
	assert.Equal(t, 1, f.client.CancelCalls("job-1"))

	stored := f.store.Warp(w.ID)
	assert.Equal(t, models.JobStatusCancelled, stored.Status())
	assert.Equal(t, int64(200), stored.BilledSeconds)
	assert.Equal(t, int64(3400), f.store.User("user_1").TimeBalance)
}

func TestSweep_StuckInQueue(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		wantCancel bool
	}{
		{name: "younger than threshold", age: 19 * time.Minute},
		{name: "exactly at threshold", age: 20 * time.Minute},
		{name: "older than threshold", age: 20*time.Minute + time.Second, wantCancel: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSweepFixture(t)
			w := f.addWarp(models.JobStatusInQueue, "job-1", nil)
			f.client.SetStatus("job-1", runpod.JobState{Status: models.JobStatusInQueue})
			f.setNow(t0.Add(tt.age))

			res, err := f.sweeper.RunOnce(context.Background())
			require.NoError(t, err)

			if tt.wantCancel {
				assert.Equal(t, 1, res.Cancelled)
				assert.Equal(t, models.JobStatusCancelled, f.store.Warp(w.ID).Status())
			} else {
				assert.Zero(t, res.CancelAttempts)
				assert.Equal(t, models.JobStatusInQueue, f.store.Warp(w.ID).Status())
			}
			assert.Equal(t, int64(3600), f.store.User("user_1").TimeBalance)
		})
	}
}

func TestSweep_InactiveWhileRunning(t *testing.T) {
	tests := []struct {
		name       string
		idle       time.Duration
		wantCancel bool
	}{
		{name: "recent heartbeat", idle: 2 * time.Minute},
		{name: "exactly at threshold", idle: 10 * time.Minute},
		{name: "no heartbeat", idle: 11 * time.Minute, wantCancel: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSweepFixture(t)
			w := f.addWarp(models.JobStatusInProgress, "job-1", func(w *models.Warp) {
				w.JobStartedAt = timePtr(t0)
				w.WorkerID = strPtr("w-1")
			})
			f.client.SetStatus("job-1", runpod.JobState{Status: models.JobStatusInProgress, WorkerID: "w-1"})
			f.setNow(t0.Add(tt.idle))

			res, err := f.sweeper.RunOnce(context.Background())
			require.NoError(t, err)

			if tt.wantCancel {
				assert.Equal(t, 1, res.Cancelled)
				assert.Equal(t, models.JobStatusCancelled, f.store.Warp(w.ID).Status())
				assert.Equal(t, int64(3600-660), f.store.User("user_1").TimeBalance)
			} else {
				assert.Zero(t, res.CancelAttempts)
				assert.Zero(t, f.store.WarpWrites(w.ID))
			}
		})
	}
}

func TestSweep_ConfirmsTerminalAndSettles(t *testing.T) {
	f := newSweepFixture(t)
	w := f.addWarp(models.JobStatusInProgress, "job-1", func(w *models.Warp) { w.JobStartedAt = timePtr(t0) })
	f.client.SetStatus("job-1", runpod.JobState{Status: models.JobStatusCompleted, ExecutionTime: 2 * time.Minute})
	f.setNow(t0.Add(time.Hour))

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Zero(t, res.CancelAttempts)
	assert.True(t, f.store.Warp(w.ID).RunpodConfirmedTerminal)
	assert.Equal(t, int64(3480), f.store.User("user_1").TimeBalance)

	// confirmed warps are no longer candidates
	res, err = f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Equal(t, 1, f.client.StatusCalls("job-1"))
	assert.Equal(t, 1, f.store.BalanceWrites("user_1"))
}

func TestSweep_MissingJobConfirmsLocalTerminal(t *testing.T) {
	f := newSweepFixture(t)
	w := f.addWarp(models.JobStatusFailed, "job-1", nil)

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Zero(t, res.SyncErrors)

	stored := f.store.Warp(w.ID)
	assert.True(t, stored.RunpodConfirmedTerminal)
	assert.Equal(t, models.JobStatusFailed, stored.Status())
}

func TestSweep_SyncErrorDoesNotStopOthers(t *testing.T) {
	f := newSweepFixture(t)
	bad := f.addWarp(models.JobStatusInQueue, "job-1", nil)
	good := f.addWarp(models.JobStatusInProgress, "job-2", func(w *models.Warp) { w.JobStartedAt = timePtr(t0) })
	f.client.SetStatusErr("job-1", &runpod.APIError{Op: "status", StatusCode: 500})
	f.client.SetStatus("job-2", runpod.JobState{Status: models.JobStatusCompleted, ExecutionTime: time.Minute})
	f.setNow(t0.Add(time.Hour))

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, res.SyncErrors)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Confirmed)

	assert.Equal(t, models.JobStatusInQueue, f.store.Warp(bad.ID).Status())
	assert.Zero(t, f.client.CancelCalls("job-1"))
	assert.True(t, f.store.Warp(good.ID).RunpodConfirmedTerminal)
}

func TestSweep_CancelErrorIsCounted(t *testing.T) {
	f := newSweepFixture(t)
	w := f.addWarp(models.JobStatusInQueue, "job-1", nil)
	f.client.SetStatus("job-1", runpod.JobState{Status: models.JobStatusInQueue})
	f.client.SetCancelErr("job-1", &runpod.APIError{Op: "cancel", StatusCode: 502})
	f.setNow(t0.Add(time.Hour))

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CancelAttempts)
	assert.Equal(t, 1, res.CancelErrors)
	assert.Equal(t, models.JobStatusInQueue, f.store.Warp(w.ID).Status())
}

func TestSweep_LegacyPods(t *testing.T) {
	f := newSweepFixture(t)
	old := f.addWarp("", "", func(w *models.Warp) { w.PodID = strPtr("pod-old") })
	young := f.addWarp("", "", func(w *models.Warp) {
		w.PodID = strPtr("pod-young")
		w.CreatedAt = t0.Add(25 * time.Minute)
	})
	f.setNow(t0.Add(30 * time.Minute))

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Candidates)
	assert.Equal(t, 1, res.LegacyPodsTerminated)
	assert.Equal(t, []string{"pod-old"}, f.client.Terminated())
	assert.NotNil(t, f.store.Warp(old.ID).PodEndedAt)
	assert.Nil(t, f.store.Warp(young.ID).PodEndedAt)
	assert.Zero(t, f.store.BalanceWrites("user_1"))
}

func TestSweep_LegacyPodErrorsAreCounted(t *testing.T) {
	f := newSweepFixture(t)
	f.addWarp("", "", func(w *models.Warp) { w.PodID = strPtr("pod-old") })
	f.client.SetTerminateErr(errors.New("boom"))
	f.setNow(t0.Add(time.Hour))

	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.LegacyPodErrors)
	assert.Zero(t, res.LegacyPodsTerminated)
}

type failingWarps struct {
	repository.WarpRepository
}

func (failingWarps) ListReconcileCandidates(context.Context) ([]models.Warp, error) {
	return nil, errors.New("connection refused")
}

func TestSweep_ListingFailureAborts(t *testing.T) {
	f := newSweepFixture(t)
	s := NewSweeper(f.engine, failingWarps{f.store.Repos().Warp}, testCfg, f.clock)

	res, err := s.RunOnce(context.Background())
	assert.Nil(t, res)
	assert.Error(t, err)
}

// raceEngine reports a stuck warp from Sync, then loses the race in Cancel.
type raceEngine struct {
	warp    models.Warp
	cancels int
	err     error
}

func (e *raceEngine) Sync(context.Context, uint) (*models.Warp, error) {
	w := e.warp
	return &w, nil
}

func (e *raceEngine) Cancel(_ context.Context, _ string, _ uint, w *models.Warp) (*warp.CancelResult, error) {
	e.cancels++
	if e.err != nil {
		return nil, e.err
	}
	return &warp.CancelResult{Warp: w, AlreadyTerminal: true}, nil
}

func (e *raceEngine) TerminateLegacyPod(context.Context, *models.Warp) error {
	return nil
}

func TestSweep_AlreadyTerminalCancelIsSkipped(t *testing.T) {
	f := newSweepFixture(t)
	w := f.addWarp(models.JobStatusPending, "job-1", nil)
	f.setNow(t0.Add(time.Hour))

	for _, engErr := range []error{nil, warp.ErrAlreadyTerminal} {
		eng := &raceEngine{warp: w, err: engErr}
		s := NewSweeper(eng, f.store.Repos().Warp, testCfg, f.clock)

		res, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.CancelAttempts)
		assert.Equal(t, 1, res.CancelSkipped)
		assert.Zero(t, res.CancelErrors)
		assert.Equal(t, 1, eng.cancels)
	}
}

func TestSweep_StopsOnCancelledContext(t *testing.T) {
	f := newSweepFixture(t)
	f.addWarp(models.JobStatusInQueue, "job-1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.sweeper.RunOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.Synced)
	assert.Zero(t, f.client.StatusCalls("job-1"))
}

func strPtr(s string) *string { return &s }

func TestSweep_VanishedJobIsCancelledByTriggers(t *testing.T) {
	f := newSweepFixture(t)
	w := f.addWarp(models.JobStatusInQueue, "job-lost", nil)
	gone := fmt.Errorf("status job-lost: %w", runpod.ErrJobNotFound)
	f.client.SetStatusErr("job-lost", gone)
	f.client.SetCancelErr("job-lost", gone)

	// too young for the stuck trigger
	f.setNow(t0.Add(5 * time.Minute))
	res, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Vanished)
	assert.Zero(t, res.SyncErrors)
	assert.Zero(t, res.CancelAttempts)
	assert.Equal(t, models.JobStatusInQueue, f.store.Warp(w.ID).Status())

	f.setNow(t0.Add(time.Hour))
	res, err = f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Vanished)
	assert.Equal(t, 1, res.CancelAttempts)
	assert.Equal(t, 1, res.Cancelled)

	stored := f.store.Warp(w.ID)
	assert.Equal(t, models.JobStatusCancelled, stored.Status())
	assert.True(t, stored.RunpodConfirmedTerminal)
	assert.Equal(t, int64(3600), f.store.User("user_1").TimeBalance)

	// the dead warp no longer blocks a new session
	next, created, err := f.engine.Create(context.Background(), "user_1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, w.ID, next.ID)
	f.client.SetStatus(next.JobIDValue(), runpod.JobState{Status: models.JobStatusInQueue})

	res, err = f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Vanished)
}

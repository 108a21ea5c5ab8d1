package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/warpstation/app/models"
)

// openTestStore connects to TEST_DB_DSN, e.g.
// "root:root@tcp(127.0.0.1:3306)/warpstation_test?parseTime=True&loc=UTC&clientFoundRows=true".
func openTestStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test that requires a MySQL connection (set TEST_DB_DSN)")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Warp{}, &models.PaymentEvent{}))
	return NewStore(db), db
}

func newTestUser(t *testing.T, store Store, balance int64) *models.User {
	t.Helper()
	u, err := models.NewUser("user_"+uuid.NewString()[:12], "", balance)
	require.NoError(t, err)
	require.NoError(t, store.Repos().User.Create(context.Background(), u))
	return u
}

func newTestWarp(t *testing.T, store Store, userID string, status *models.JobStatus, jobID *string) *models.Warp {
	t.Helper()
	w := &models.Warp{UUID: uuid.NewString(), CreatedByID: userID, JobStatus: status, JobID: jobID}
	require.NoError(t, store.Repos().Warp.Create(context.Background(), w))
	return w
}

func strPtr(s string) *string { return &s }

func TestStore_TransactionRollsBack(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, store, 100)

	boom := errors.New("boom")
	err := store.Transaction(ctx, func(tx *Repositories) error {
		locked, err := tx.User.GetByIDForUpdate(ctx, u.ID)
		require.NoError(t, err)
		require.NoError(t, tx.User.SetTimeBalance(ctx, locked.ID, locked.TimeBalance-40))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Repos().User.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.TimeBalance)
}

func TestUserRepository(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	repo := store.Repos().User
	u := newTestUser(t, store, 10)

	require.NoError(t, repo.AddTimeBalance(ctx, u.ID, 3600))
	require.NoError(t, repo.SetStripeCustomerID(ctx, u.ID, "cus_"+u.ID))

	byCustomer, err := repo.GetByStripeCustomerID(ctx, "cus_"+u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3610), byCustomer.TimeBalance)

	require.NoError(t, repo.Delete(ctx, u.ID))
	_, err = repo.GetByID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// settlement still reaches a soft-deleted account
	err = store.Transaction(ctx, func(tx *Repositories) error {
		locked, err := tx.User.GetByIDForUpdate(ctx, u.ID)
		if err != nil {
			return err
		}
		return tx.User.SetTimeBalance(ctx, locked.ID, locked.TimeBalance-10)
	})
	require.NoError(t, err)

	// re-registration restores the account and keeps its balance
	again, err := models.NewUser(u.ID, "back@warp.test", 999)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, again))
	restored, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), restored.TimeBalance)
	assert.Equal(t, "back@warp.test", restored.Email)

	assert.ErrorIs(t, repo.Delete(ctx, "user_missing_"+uuid.NewString()[:8]), ErrNotFound)
}

func TestWarpRepository(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	repo := store.Repos().Warp
	u := newTestUser(t, store, 10)

	done := newTestWarp(t, store, u.ID, models.StatusPtr(models.JobStatusCompleted), strPtr("job-"+uuid.NewString()))
	running := newTestWarp(t, store, u.ID, models.StatusPtr(models.JobStatusInProgress), strPtr("job-"+uuid.NewString()))
	noJob := newTestWarp(t, store, u.ID, models.StatusPtr(models.JobStatusFailed), nil)

	active, err := repo.FindActiveByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, running.ID, active.ID)

	byUUID, err := repo.GetByUUID(ctx, running.UUID)
	require.NoError(t, err)
	assert.Equal(t, running.ID, byUUID.ID)

	list, err := repo.ListByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)

	candidates, err := repo.ListReconcileCandidates(ctx)
	require.NoError(t, err)
	ids := map[uint]bool{}
	for _, w := range candidates {
		ids[w.ID] = true
	}
	assert.True(t, ids[done.ID], "terminal and unconfirmed")
	assert.True(t, ids[running.ID], "active")
	assert.False(t, ids[noJob.ID], "no job id")

	confirmed := true
	billed := int64(42)
	ended := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Update(ctx, done.ID, WarpChanges{
		RunpodConfirmedTerminal: &confirmed,
		BilledSeconds:           &billed,
		JobEndedAt:              &ended,
	}))
	got, err := repo.GetByID(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, got.RunpodConfirmedTerminal)
	assert.Equal(t, int64(42), got.BilledSeconds)

	candidates, err = repo.ListReconcileCandidates(ctx)
	require.NoError(t, err)
	for _, w := range candidates {
		assert.NotEqual(t, done.ID, w.ID)
	}

	assert.ErrorIs(t, repo.Update(ctx, 0, WarpChanges{BilledSeconds: &billed}), ErrNotFound)
	assert.ErrorIs(t, repo.Touch(ctx, 0, time.Now()), ErrNotFound)
}

func TestWarpRepository_ListLegacyPods(t *testing.T) {
	store, db := openTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, store, 0)

	legacy := &models.Warp{UUID: uuid.NewString(), CreatedByID: u.ID, PodID: strPtr("pod-" + uuid.NewString()[:8])}
	require.NoError(t, store.Repos().Warp.Create(ctx, legacy))
	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&models.Warp{}).Where("id = ?", legacy.ID).UpdateColumn("created_at", old).Error)

	pods, err := store.Repos().Warp.ListLegacyPods(ctx, time.Now().UTC().Add(-20*time.Minute))
	require.NoError(t, err)
	found := false
	for _, w := range pods {
		found = found || w.ID == legacy.ID
	}
	assert.True(t, found)
}

func TestPaymentEventRepository_CreateIfNotExists(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	repo := store.Repos().PaymentEvent
	eventID := "evt_" + uuid.NewString()

	first := &models.PaymentEvent{Provider: models.EventProviderStripe, ProviderEventID: eventID, EventType: "checkout.session.completed", PayloadJSON: "{}"}
	created, stored, err := repo.CreateIfNotExists(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, repo.MarkProcessed(ctx, stored.ID, nil, 3600, ""))

	second := &models.PaymentEvent{Provider: models.EventProviderStripe, ProviderEventID: eventID, EventType: "checkout.session.completed", PayloadJSON: "{}"}
	created, stored, err = repo.CreateIfNotExists(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, int64(3600), stored.CreditedSeconds)
}

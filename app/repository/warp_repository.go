package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/warpstation/app/models"
)

// warpRepository implements the WarpRepository interface
type warpRepository struct {
	db *gorm.DB
}

// NewWarpRepository creates a new warp repository instance
func NewWarpRepository(db *gorm.DB) WarpRepository {
	return &warpRepository{db: db}
}

func (r *warpRepository) Create(ctx context.Context, warp *models.Warp) error {
	return r.db.WithContext(ctx).Create(warp).Error
}

func (r *warpRepository) GetByID(ctx context.Context, id uint) (*models.Warp, error) {
	var warp models.Warp
	if err := r.db.WithContext(ctx).First(&warp, id).Error; err != nil {
		return nil, err
	}
	return &warp, nil
}

func (r *warpRepository) GetByIDForUpdate(ctx context.Context, id uint) (*models.Warp, error) {
	var warp models.Warp
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&warp, id).Error
	if err != nil {
		return nil, err
	}
	return &warp, nil
}

func (r *warpRepository) GetByUUID(ctx context.Context, uuid string) (*models.Warp, error) {
	var warp models.Warp
	if err := r.db.WithContext(ctx).Where("uuid = ?", uuid).First(&warp).Error; err != nil {
		return nil, err
	}
	return &warp, nil
}

// FindActiveByUser returns the newest non-terminal warp of a user
func (r *warpRepository) FindActiveByUser(ctx context.Context, userID string) (*models.Warp, error) {
	var warp models.Warp
	err := r.db.WithContext(ctx).
		Where("created_by_id = ? AND job_status IN ?", userID, models.ActiveJobStatuses).
		Order("created_at DESC, id DESC").
		First(&warp).Error
	if err != nil {
		return nil, err
	}
	return &warp, nil
}

func (r *warpRepository) ListByUser(ctx context.Context, userID string) ([]models.Warp, error) {
	var warps []models.Warp
	err := r.db.WithContext(ctx).
		Where("created_by_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&warps).Error
	return warps, err
}

func (r *warpRepository) ListReconcileCandidates(ctx context.Context) ([]models.Warp, error) {
	var warps []models.Warp
	err := r.db.WithContext(ctx).
		Where("job_id IS NOT NULL").
		Where(
			r.db.Where("job_status IN ?", models.ActiveJobStatuses).
				Or("job_status IS NULL").
				Or("job_status IN ? AND runpod_confirmed_terminal = ?", models.TerminalJobStatuses, false),
		).
		Order("id ASC").
		Find(&warps).Error
	return warps, err
}

func (r *warpRepository) ListLegacyPods(ctx context.Context, createdBefore time.Time) ([]models.Warp, error) {
	var warps []models.Warp
	err := r.db.WithContext(ctx).
		Where("job_id IS NULL AND pod_id IS NOT NULL AND pod_id <> '' AND pod_ended_at IS NULL").
		Where("created_at < ?", createdBefore).
		Order("id ASC").
		Find(&warps).Error
	return warps, err
}

func (r *warpRepository) Update(ctx context.Context, id uint, changes WarpChanges) error {
	if changes.IsEmpty() {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.Warp{}).Where("id = ?", id).Updates(changes.Columns())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *warpRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Warp{}).Where("id = ?", id).UpdateColumn("updated_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

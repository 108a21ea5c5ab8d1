package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/warpstation/app/models"
)

// userRepository implements the UserRepository interface
type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

// Create creates a new user, or restores a soft-deleted one with the same identity id
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"email": user.Email, "deleted_at": nil}),
	}).Create(user).Error
}

// GetByID retrieves a user by identity provider id
func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByIDForUpdate retrieves a user holding a row lock until the surrounding transaction ends.
// Soft-deleted accounts are included so a last session can still be settled.
func (r *userRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Unscoped().
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetByStripeCustomerID resolves a Stripe customer to the local account
func (r *userRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// SetTimeBalance overwrites the stored balance
func (r *userRepository) SetTimeBalance(ctx context.Context, id string, seconds int64) error {
	return r.updateOne(ctx, id, map[string]interface{}{"time_balance": seconds})
}

// AddTimeBalance increments the balance atomically in SQL
func (r *userRepository) AddTimeBalance(ctx context.Context, id string, seconds int64) error {
	return r.updateOne(ctx, id, map[string]interface{}{"time_balance": gorm.Expr("time_balance + ?", seconds)})
}

// SetStripeCustomerID links the Stripe customer to the account
func (r *userRepository) SetStripeCustomerID(ctx context.Context, id, customerID string) error {
	return r.updateOne(ctx, id, map[string]interface{}{"stripe_customer_id": customerID})
}

// Delete soft deletes a user
func (r *userRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *userRepository) updateOne(ctx context.Context, id string, cols map[string]interface{}) error {
	res := r.db.WithContext(ctx).Unscoped().Model(&models.User{}).Where("id = ?", id).Updates(cols)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/warpstation/app/models"
)

// ErrNotFound is returned by every lookup that matched no row.
var ErrNotFound = gorm.ErrRecordNotFound

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	// GetByIDForUpdate re-reads the row with a write lock. Only meaningful inside a transaction.
	GetByIDForUpdate(ctx context.Context, id string) (*models.User, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*models.User, error)
	SetTimeBalance(ctx context.Context, id string, seconds int64) error
	AddTimeBalance(ctx context.Context, id string, seconds int64) error
	SetStripeCustomerID(ctx context.Context, id, customerID string) error
	Delete(ctx context.Context, id string) error
}

// WarpRepository defines the interface for warp-related database operations
type WarpRepository interface {
	Create(ctx context.Context, warp *models.Warp) error
	GetByID(ctx context.Context, id uint) (*models.Warp, error)
	// GetByIDForUpdate re-reads the row with a write lock. Only meaningful inside a transaction.
	GetByIDForUpdate(ctx context.Context, id uint) (*models.Warp, error)
	GetByUUID(ctx context.Context, uuid string) (*models.Warp, error)
	FindActiveByUser(ctx context.Context, userID string) (*models.Warp, error)
	ListByUser(ctx context.Context, userID string) ([]models.Warp, error)
	// ListReconcileCandidates returns warps with a job id that are active (or status-less),
	// or terminal without provider confirmation.
	ListReconcileCandidates(ctx context.Context) ([]models.Warp, error)
	// ListLegacyPods returns unterminated persistent-pod warps created before the cutoff.
	ListLegacyPods(ctx context.Context, createdBefore time.Time) ([]models.Warp, error)
	Update(ctx context.Context, id uint, changes WarpChanges) error
	// Touch bumps updated_at only; it is the liveness signal read by the janitor.
	Touch(ctx context.Context, id uint, at time.Time) error
}

// PaymentEventRepository persists webhook deliveries idempotently
type PaymentEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.PaymentEvent) (bool, *models.PaymentEvent, error)
	MarkProcessed(ctx context.Context, id uint, userID *string, creditedSeconds int64, processingError string) error
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories struct {
	User         UserRepository
	Warp         WarpRepository
	PaymentEvent PaymentEventRepository
}

// Store is the persistence entry point. Transaction is the only way to open a
// transaction; code that must run inside one takes a *Repositories argument.
type Store interface {
	Repos() *Repositories
	Transaction(ctx context.Context, fn func(tx *Repositories) error) error
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Warp:         NewWarpRepository(db),
		PaymentEvent: NewPaymentEventRepository(db),
	}
}

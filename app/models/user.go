package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// User is an identity-provider scoped account holding a prepaid time balance in seconds.
// TimeBalance can be negative after a session overran its allowance.
type User struct {
	ID               string         `gorm:"primaryKey;type:varchar(64)" json:"id" validate:"required,max=64"`
	Email            string         `gorm:"type:varchar(200);index" json:"email" validate:"omitempty,email,max=200"`
	TimeBalance      int64          `gorm:"not null;default:0" json:"time_balance"`
	StripeCustomerID *string        `gorm:"type:varchar(191);uniqueIndex" json:"-"`
	CreatedAt        time.Time      `gorm:"type:timestamp(3);autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"type:timestamp(3);autoUpdateTime" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// NewUser builds a validated account for an identity-provider registration.
func NewUser(id, email string, initialBalance int64) (*User, error) {
	u := &User{
		ID:          id,
		Email:       email,
		TimeBalance: initialBalance,
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return u, nil
}

// HasBalance reports whether the user may start a billable session.
func (u *User) HasBalance() bool {
	return u.TimeBalance > 0
}

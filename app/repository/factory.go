package repository

import (
	"context"
	"sync"

	"gorm.io/gorm"
)

// gormStore implements Store on top of a GORM connection.
type gormStore struct {
	db    *gorm.DB
	repos *Repositories
}

// NewStore creates a Store bound to db.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db, repos: NewRepositories(db)}
}

func (s *gormStore) Repos() *Repositories {
	return s.repos
}

// Transaction runs fn with repositories bound to a single database transaction.
// Returning an error from fn rolls back every write made through tx.
func (s *gormStore) Transaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

// Factory manages the store instance and ensures it is a singleton
type Factory struct {
	db    *gorm.DB
	store Store
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetStore returns a singleton Store
func (f *Factory) GetStore() Store {
	f.once.Do(func() {
		f.store = NewStore(f.db)
	})
	return f.store
}

// GetRepositories returns the non-transactional repositories
func (f *Factory) GetRepositories() *Repositories {
	return f.GetStore().Repos()
}

// Global factory instance
var globalFactory *Factory
var factoryOnce sync.Once

// InitializeFactory initializes the global repository factory
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory returns the global repository factory instance
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Repository factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

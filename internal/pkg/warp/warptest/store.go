// Package warptest provides in-memory fakes of the store and the job client.
package warptest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/warpstation/app/models"
	"github.com/ManuelReschke/warpstation/app/repository"
)

// FakeStore implements repository.Store in memory. Transactions are fully
// serialized and roll back every write made through them on error.
type FakeStore struct {
	// Now stamps updated_at on writes, like gorm's autoUpdateTime.
	Now func() time.Time
	// FailWarpCreate is returned by the next WarpRepository.Create call.
	FailWarpCreate error

	txMu sync.Mutex
	mu   sync.Mutex

	users  map[string]models.User
	warps  map[uint]models.Warp
	events map[uint]models.PaymentEvent
	nextID uint

	warpWrites    map[uint]int
	balanceWrites map[string]int
	transactions  int

	repos *repository.Repositories
}

type snapshot struct {
	users         map[string]models.User
	warps         map[uint]models.Warp
	events        map[uint]models.PaymentEvent
	nextID        uint
	warpWrites    map[uint]int
	balanceWrites map[string]int
}

func NewFakeStore() *FakeStore {
	s := &FakeStore{
		Now:           time.Now,
		users:         make(map[string]models.User),
		warps:         make(map[uint]models.Warp),
		events:        make(map[uint]models.PaymentEvent),
		warpWrites:    make(map[uint]int),
		balanceWrites: make(map[string]int),
	}
	s.repos = &repository.Repositories{
		User:         &userRepo{s: s},
		Warp:         &warpRepo{s: s},
		PaymentEvent: &eventRepo{s: s},
	}
	return s
}

func (s *FakeStore) Repos() *repository.Repositories {
	return s.repos
}

func (s *FakeStore) Transaction(ctx context.Context, fn func(tx *repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.transactions++
	s.mu.Unlock()

	if err := fn(s.repos); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return ctx.Err()
}

func (s *FakeStore) snapshot() snapshot {
	snap := snapshot{
		users:         make(map[string]models.User, len(s.users)),
		warps:         make(map[uint]models.Warp, len(s.warps)),
		events:        make(map[uint]models.PaymentEvent, len(s.events)),
		nextID:        s.nextID,
		warpWrites:    make(map[uint]int, len(s.warpWrites)),
		balanceWrites: make(map[string]int, len(s.balanceWrites)),
	}
	for k, v := range s.users {
		snap.users[k] = v
	}
	for k, v := range s.warps {
		snap.warps[k] = v
	}
	for k, v := range s.events {
		snap.events[k] = v
	}
	for k, v := range s.warpWrites {
		snap.warpWrites[k] = v
	}
	for k, v := range s.balanceWrites {
		snap.balanceWrites[k] = v
	}
	return snap
}

func (s *FakeStore) restore(snap snapshot) {
	s.users = snap.users
	s.warps = snap.warps
	s.events = snap.events
	s.nextID = snap.nextID
	s.warpWrites = snap.warpWrites
	s.balanceWrites = snap.balanceWrites
}

// AddUser seeds a user.
func (s *FakeStore) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// AddWarp seeds a warp and returns it with its assigned id.
func (s *FakeStore) AddWarp(w models.Warp) models.Warp {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	w.ID = s.nextID
	if w.UUID == "" {
		w.UUID = fmt.Sprintf("warp-%d", w.ID)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.Now()
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	s.warps[w.ID] = w
	return w
}

// User returns a copy of the stored user.
func (s *FakeStore) User(id string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[id]
}

// Warp returns a copy of the stored warp, or nil if there is none.
func (s *FakeStore) Warp(id uint) *models.Warp {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.warps[id]
	if !ok {
		return nil
	}
	return &w
}

// Warps returns all stored warps ordered by id.
func (s *FakeStore) Warps() []models.Warp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Warp, 0, len(s.warps))
	for _, w := range s.warps {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns all stored payment events ordered by id.
func (s *FakeStore) Events() []models.PaymentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaymentEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WarpWrites counts committed creates, updates and touches of a warp.
func (s *FakeStore) WarpWrites(id uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warpWrites[id]
}

// BalanceWrites counts committed balance changes of a user.
func (s *FakeStore) BalanceWrites(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceWrites[userID]
}

// Transactions counts opened transactions.
func (s *FakeStore) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions
}

type userRepo struct{ s *FakeStore }

func (r *userRepo) Create(_ context.Context, user *models.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.users[user.ID]; ok {
		existing.Email = user.Email
		existing.DeletedAt = gorm.DeletedAt{}
		r.s.users[user.ID] = existing
		*user = existing
		return nil
	}
	now := r.s.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	r.s.users[user.ID] = *user
	return nil
}

func (r *userRepo) GetByID(_ context.Context, id string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok || u.DeletedAt.Valid {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *userRepo) GetByIDForUpdate(_ context.Context, id string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r *userRepo) GetByStripeCustomerID(_ context.Context, customerID string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID && !u.DeletedAt.Valid {
			u := u
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *userRepo) SetTimeBalance(_ context.Context, id string, seconds int64) error {
	return r.update(id, func(u *models.User) { u.TimeBalance = seconds }, true)
}

func (r *userRepo) AddTimeBalance(_ context.Context, id string, seconds int64) error {
	return r.update(id, func(u *models.User) { u.TimeBalance += seconds }, true)
}

func (r *userRepo) SetStripeCustomerID(_ context.Context, id, customerID string) error {
	return r.update(id, func(u *models.User) { u.StripeCustomerID = &customerID }, false)
}

func (r *userRepo) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok || u.DeletedAt.Valid {
		return repository.ErrNotFound
	}
	u.DeletedAt = gorm.DeletedAt{Time: r.s.Now(), Valid: true}
	r.s.users[id] = u
	return nil
}

func (r *userRepo) update(id string, fn func(*models.User), balance bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = r.s.Now()
	r.s.users[id] = u
	if balance {
		r.s.balanceWrites[id]++
	}
	return nil
}

type warpRepo struct{ s *FakeStore }

func (r *warpRepo) Create(_ context.Context, warp *models.Warp) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.FailWarpCreate; err != nil {
		r.s.FailWarpCreate = nil
		return err
	}
	for _, w := range r.s.warps {
		if w.UUID == warp.UUID {
			return errors.New("duplicate warp uuid")
		}
		if warp.JobID != nil && w.JobID != nil && *w.JobID == *warp.JobID {
			return errors.New("duplicate job id")
		}
	}
	r.s.nextID++
	warp.ID = r.s.nextID
	now := r.s.Now()
	if warp.CreatedAt.IsZero() {
		warp.CreatedAt = now
	}
	if warp.UpdatedAt.IsZero() {
		warp.UpdatedAt = now
	}
	r.s.warps[warp.ID] = *warp
	r.s.warpWrites[warp.ID]++
	return nil
}

func (r *warpRepo) get(id uint) (*models.Warp, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.warps[id]
	if !ok || w.DeletedAt.Valid {
		return nil, repository.ErrNotFound
	}
	return &w, nil
}

func (r *warpRepo) GetByID(_ context.Context, id uint) (*models.Warp, error) {
	return r.get(id)
}

func (r *warpRepo) GetByIDForUpdate(_ context.Context, id uint) (*models.Warp, error) {
	return r.get(id)
}

func (r *warpRepo) GetByUUID(_ context.Context, uuid string) (*models.Warp, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, w := range r.s.warps {
		if w.UUID == uuid && !w.DeletedAt.Valid {
			w := w
			return &w, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *warpRepo) FindActiveByUser(ctx context.Context, userID string) (*models.Warp, error) {
	warps, err := r.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, w := range warps {
		if w.Status().IsActive() {
			w := w
			return &w, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *warpRepo) ListByUser(_ context.Context, userID string) ([]models.Warp, error) {
	out := r.filter(func(w models.Warp) bool { return w.CreatedByID == userID })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *warpRepo) ListReconcileCandidates(_ context.Context) ([]models.Warp, error) {
	return r.filter(func(w models.Warp) bool {
		if w.JobID == nil {
			return false
		}
		s := w.Status()
		return s == "" || s.IsActive() || (s.IsTerminal() && !w.RunpodConfirmedTerminal)
	}), nil
}

func (r *warpRepo) ListLegacyPods(_ context.Context, createdBefore time.Time) ([]models.Warp, error) {
	return r.filter(func(w models.Warp) bool {
		return w.IsLegacyPod() && w.CreatedAt.Before(createdBefore)
	}), nil
}

func (r *warpRepo) filter(keep func(models.Warp) bool) []models.Warp {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Warp
	for _, w := range r.s.warps {
		if !w.DeletedAt.Valid && keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *warpRepo) Update(_ context.Context, id uint, changes repository.WarpChanges) error {
	if changes.IsEmpty() {
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.warps[id]
	if !ok {
		return repository.ErrNotFound
	}
	changes.Apply(&w)
	w.UpdatedAt = r.s.Now()
	r.s.warps[id] = w
	r.s.warpWrites[id]++
	return nil
}

func (r *warpRepo) Touch(_ context.Context, id uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	w, ok := r.s.warps[id]
	if !ok {
		return repository.ErrNotFound
	}
	w.UpdatedAt = at
	r.s.warps[id] = w
	r.s.warpWrites[id]++
	return nil
}

type eventRepo struct{ s *FakeStore }

func (r *eventRepo) CreateIfNotExists(_ context.Context, event *models.PaymentEvent) (bool, *models.PaymentEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.events {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			e := e
			return false, &e, nil
		}
	}
	r.s.nextID++
	event.ID = r.s.nextID
	now := r.s.Now()
	event.CreatedAt = now
	event.UpdatedAt = now
	r.s.events[event.ID] = *event
	return true, event, nil
}

func (r *eventRepo) MarkProcessed(_ context.Context, id uint, userID *string, creditedSeconds int64, processingError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	now := r.s.Now()
	e.UserID = userID
	e.CreditedSeconds = creditedSeconds
	e.ProcessedAt = &now
	e.ProcessingError = processingError
	e.UpdatedAt = now
	r.s.events[id] = e
	return nil
}

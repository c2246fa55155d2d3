// Package memory implements model.UserStore in process memory.
//
// The email index is checked and written under the same lock as the record,
// which makes it the authoritative uniqueness check for this driver.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/userdir-server/internal/model"
)

var _ model.UserStore = (*UserRepository)(nil)

type UserRepository struct {
	mu      sync.RWMutex
	users   map[string]model.User
	byEmail map[string]string
	now     func() time.Time
}

func NewUserRepository() *UserRepository {
	return &UserRepository{
		users:   make(map[string]model.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (r *UserRepository) FindPage(_ context.Context, filter model.UserFilter, page, limit int) ([]model.User, int64, error) {
	r.mu.RLock()
	matched := make([]model.User, 0, len(r.users))
	for _, u := range r.users {
		if filter.Matches(u) {
			matched = append(matched, cloneUser(u))
		}
	}
	r.mu.RUnlock()

	return model.Page(matched, page, limit), int64(len(matched)), nil
}

func (r *UserRepository) FindByID(_ context.Context, id string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *UserRepository) FindByEmail(_ context.Context, email string, excludeID string) (model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byEmail[email]
	if !ok || id == excludeID {
		return model.User{}, model.ErrNotFound
	}
	return cloneUser(r.users[id]), nil
}

func (r *UserRepository) Insert(_ context.Context, fields model.UserFields) (model.User, error) {
	if fields.Email == "" {
		return model.User{}, model.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byEmail[fields.Email]; taken {
		return model.User{}, model.ErrDuplicateEmail
	}

	now := r.now().UTC()
	u := model.User{
		ID:        uuid.NewString(),
		Name:      fields.Name,
		Email:     fields.Email,
		Age:       cloneAge(fields.Age),
		Address:   fields.Address,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.users[u.ID] = u
	r.byEmail[u.Email] = u.ID

	return cloneUser(u), nil
}

func (r *UserRepository) UpdateByID(_ context.Context, id string, patch model.UserPatch) (model.User, error) {
	if patch.Email != nil && *patch.Email == "" {
		return model.User{}, model.ErrInvalidInput
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}

	if patch.Email != nil && *patch.Email != u.Email {
		if owner, taken := r.byEmail[*patch.Email]; taken && owner != id {
			return model.User{}, model.ErrDuplicateEmail
		}
		delete(r.byEmail, u.Email)
		u.Email = *patch.Email
		r.byEmail[u.Email] = id
	}
	if patch.Name != nil {
		u.Name = *patch.Name
	}
	if patch.Address != nil {
		u.Address = *patch.Address
	}
	if patch.Age != nil {
		u.Age = cloneAge(patch.Age)
	}
	u.UpdatedAt = r.now().UTC()
	r.users[id] = u

	return cloneUser(u), nil
}

func (r *UserRepository) DeleteByID(_ context.Context, id string) (model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	delete(r.users, id)
	delete(r.byEmail, u.Email)

	return u, nil
}

func (r *UserRepository) Ping(_ context.Context) error {
	return nil
}

func cloneUser(u model.User) model.User {
	u.Age = cloneAge(u.Age)
	return u
}

func cloneAge(age *int) *int {
	if age == nil {
		return nil
	}
	v := *age
	return &v
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dtroode/userdir-server/internal/apierror"
	"github.com/dtroode/userdir-server/internal/logger"
	"github.com/dtroode/userdir-server/internal/model"
)

// Listing defaults applied by transports when a parameter is missing.
const (
	DefaultPage  = 1
	DefaultLimit = 5
)

// User implements the directory operations on top of a UserStore.
type User struct {
	userStore model.UserStore
	logger    *logger.Logger
}

// NewUser creates a new User service.
func NewUser(userStore model.UserStore, logger *logger.Logger) *User {
	return &User{
		userStore: userStore,
		logger:    logger,
	}
}

// List returns one page of users matching the query. Page and limit below 1
// are raised to 1.
func (s *User) List(ctx context.Context, query model.UserQuery) (model.UserPage, error) {
	page := max(query.Page, 1)
	limit := max(query.Limit, 1)
	filter := model.UserFilter{Search: strings.TrimSpace(query.Search)}

	s.logger.Debug("User service: listing users",
		"page", page,
		"limit", limit,
		"search", filter.Search)

	users, total, err := s.userStore.FindPage(ctx, filter, page, limit)
	if err != nil {
		s.logger.Error("User service: failed to find users",
			"page", page,
			"limit", limit,
			"error", err.Error())
		return model.UserPage{}, fmt.Errorf("failed to find users: %w", err)
	}

	return model.UserPage{
		Users:      users,
		Total:      total,
		Page:       page,
		TotalPages: totalPages(total, limit),
	}, nil
}

// Get returns the user with the given id.
func (s *User) Get(ctx context.Context, id string) (model.User, error) {
	s.logger.Debug("User service: getting user",
		"id", id)

	user, err := s.userStore.FindByID(ctx, id)
	if err != nil {
		return model.User{}, s.storeError("find user", err, id, "")
	}

	return user, nil
}

// Create stores a new user. The email is required and must not belong to
// another user.
func (s *User) Create(ctx context.Context, fields model.UserFields) (model.User, error) {
	fields.Email = model.NormalizeEmail(fields.Email)
	fields.Name = strings.TrimSpace(fields.Name)
	fields.Address = strings.TrimSpace(fields.Address)

	s.logger.Debug("User service: creating user",
		"email", fields.Email)

	if fields.Email == "" {
		s.logger.Warn("User service: create rejected, email is missing")
		return model.User{}, apierror.NewErrEmailRequired()
	}

	if err := s.ensureEmailFree(ctx, fields.Email, ""); err != nil {
		return model.User{}, err
	}

	user, err := s.userStore.Insert(ctx, fields)
	if err != nil {
		return model.User{}, s.storeError("insert user", err, "", fields.Email)
	}

	s.logger.Info("User service: user created",
		"id", user.ID,
		"email", user.Email)

	return user, nil
}

// Update overwrites the fields present in patch. A present email is
// normalized and must not be empty.
func (s *User) Update(ctx context.Context, id string, patch model.UserPatch) (model.User, error) {
	if patch.Email != nil {
		email := model.NormalizeEmail(*patch.Email)
		if email == "" {
			s.logger.Warn("User service: update rejected, email is empty",
				"id", id)
			return model.User{}, apierror.NewValidation("email must not be empty", nil)
		}
		patch.Email = &email
	}
	patch.Name = trimmed(patch.Name)
	patch.Address = trimmed(patch.Address)

	s.logger.Debug("User service: updating user",
		"id", id,
		"empty_patch", patch.Empty())

	email := ""
	if patch.Email != nil {
		email = *patch.Email
		if err := s.ensureEmailFree(ctx, email, id); err != nil {
			return model.User{}, err
		}
	}

	user, err := s.userStore.UpdateByID(ctx, id, patch)
	if err != nil {
		return model.User{}, s.storeError("update user", err, id, email)
	}

	s.logger.Info("User service: user updated",
		"id", user.ID)

	return user, nil
}

// Delete removes the user with the given id and returns its last state.
func (s *User) Delete(ctx context.Context, id string) (model.User, error) {
	s.logger.Debug("User service: deleting user",
		"id", id)

	user, err := s.userStore.DeleteByID(ctx, id)
	if err != nil {
		return model.User{}, s.storeError("delete user", err, id, "")
	}

	s.logger.Info("User service: user deleted",
		"id", user.ID,
		"email", user.Email)

	return user, nil
}

// ensureEmailFree fails with a conflict when a user other than excludeID
// already holds email.
func (s *User) ensureEmailFree(ctx context.Context, email, excludeID string) error {
	existing, err := s.userStore.FindByEmail(ctx, email, excludeID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.logger.Error("User service: failed to find user by email",
			"email", email,
			"error", err.Error())
		return fmt.Errorf("failed to find user by email: %w", err)
	}

	s.logger.Warn("User service: email already in use",
		"email", email,
		"owner_id", existing.ID)
	return apierror.NewErrEmailTaken(email, nil)
}

// storeError converts a store failure into a client-facing error where one
// applies and wraps it otherwise.
func (s *User) storeError(action string, err error, id, email string) error {
	var apiErr *apierror.Error
	switch {
	case errors.Is(err, model.ErrNotFound):
		apiErr = apierror.NewErrUserNotFound(id)
	case errors.Is(err, model.ErrDuplicateEmail):
		apiErr = apierror.NewErrEmailTaken(email, err)
	case errors.Is(err, model.ErrConcurrentModification):
		apiErr = apierror.NewConflict(fmt.Sprintf("user %s was modified concurrently", id), err)
	case errors.Is(err, model.ErrInvalidInput):
		apiErr = apierror.NewValidation("invalid user data", err)
	}

	if apiErr != nil {
		s.logger.Warn("User service: "+action+" rejected",
			"id", id,
			"email", email,
			"kind", apiErr.Kind.String(),
			"error", err.Error())
		return apiErr
	}

	s.logger.Error("User service: failed to "+action,
		"id", id,
		"email", email,
		"error", err.Error())
	return fmt.Errorf("failed to %s: %w", action, err)
}

func totalPages(total int64, limit int) int {
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return int(pages)
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

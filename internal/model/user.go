package model

import (
	"context"
	"slices"
	"strings"
	"time"
)

// UserStore defines persistence operations for user records.
//
// Implementations report a missing record as ErrNotFound, a unique email
// violation as ErrDuplicateEmail and a value the store cannot hold as
// ErrInvalidInput.
type UserStore interface {
	FindPage(ctx context.Context, filter UserFilter, page, limit int) ([]User, int64, error)
	FindByID(ctx context.Context, id string) (User, error)
	FindByEmail(ctx context.Context, email string, excludeID string) (User, error)
	Insert(ctx context.Context, fields UserFields) (User, error)
	UpdateByID(ctx context.Context, id string, patch UserPatch) (User, error)
	DeleteByID(ctx context.Context, id string) (User, error)
	Ping(ctx context.Context) error
}

// User represents a stored directory record.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Age       *int      `json:"age"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// UserFields contains the values of a new record.
type UserFields struct {
	Name    string
	Email   string
	Age     *int
	Address string
}

// UserPatch contains the values to overwrite on an existing record.
// A nil field is left unchanged.
type UserPatch struct {
	Name    *string
	Email   *string
	Age     *int
	Address *string
}

// Empty reports whether the patch changes no field.
func (p UserPatch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Age == nil && p.Address == nil
}

// UserQuery describes one listing request.
type UserQuery struct {
	Page   int
	Limit  int
	Search string
}

// UserPage is one page of a listing together with the size of the full result.
type UserPage struct {
	Users      []User
	Total      int64
	Page       int
	TotalPages int
}

// UserFilter selects records for listing. An empty Search matches every record.
type UserFilter struct {
	Search string
}

// Matches reports whether u contains the filter's search term in its name,
// email or address, ignoring case.
func (f UserFilter) Matches(u User) bool {
	if f.Search == "" {
		return true
	}
	term := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(u.Name), term) ||
		strings.Contains(strings.ToLower(u.Email), term) ||
		strings.Contains(strings.ToLower(u.Address), term)
}

// NormalizeEmail returns the uniqueness key for an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LessByCreation orders records by creation time, then id.
func LessByCreation(a, b User) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Page orders users by creation and returns the 1-based page of the given
// size. A page past the end is empty.
func Page(users []User, page, limit int) []User {
	slices.SortFunc(users, func(a, b User) int {
		switch {
		case LessByCreation(a, b):
			return -1
		case LessByCreation(b, a):
			return 1
		default:
			return 0
		}
	})

	if len(users) == 0 || page < 1 || limit < 1 || page-1 > (len(users)-1)/limit {
		return []User{}
	}
	offset := (page - 1) * limit
	end := len(users)
	if limit < end-offset {
		end = offset + limit
	}
	return users[offset:end]
}

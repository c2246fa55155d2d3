package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dtroode/userdir-server/internal/model"
)

const (
	codeUniqueViolation  = "23505"
	codeNotNullViolation = "23502"
	codeCheckViolation   = "23514"
	classDataException   = "22"

	emailConstraint = "users_email_key"

	userColumns = `id, email, name, address, age, created_at, updated_at`
)

var _ model.UserStore = (*UserRepository)(nil)

type UserRepository struct {
	db *Connection
}

func NewUserRepository(db *Connection) *UserRepository {
	return &UserRepository{
		db: db,
	}
}

func (r *UserRepository) FindPage(ctx context.Context, filter model.UserFilter, page, limit int) ([]model.User, int64, error) {
	where, args := searchClause(filter)

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM users`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}

	offset, ok := pageOffset(page, limit, total)
	if !ok {
		return []model.User{}, total, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM users%s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		userColumns, where, len(args)+1, len(args)+2)

	rows, err := r.db.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating users: %w", err)
	}

	return users, total, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (model.User, error) {
	uid, ok := parseID(id)
	if !ok {
		return model.User{}, model.ErrNotFound
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.db.QueryRow(ctx, query, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user by id: %w", err)
	}

	return user, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string, excludeID string) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	args := []any{email}
	if uid, ok := parseID(excludeID); ok {
		query += ` AND id <> $2`
		args = append(args, uid)
	}

	user, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

func (r *UserRepository) Insert(ctx context.Context, fields model.UserFields) (model.User, error) {
	if !ageFits(fields.Age) {
		return model.User{}, fmt.Errorf("%w: age out of range", model.ErrInvalidInput)
	}

	query := `INSERT INTO users (id, email, name, address, age)
			  VALUES ($1, $2, $3, $4, $5)
			  RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query,
		uuid.New(), fields.Email, fields.Name, fields.Address, fields.Age,
	))
	if err != nil {
		return model.User{}, mapWriteError(err, "failed to create user")
	}

	return user, nil
}

func (r *UserRepository) UpdateByID(ctx context.Context, id string, patch model.UserPatch) (model.User, error) {
	uid, ok := parseID(id)
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	if !ageFits(patch.Age) {
		return model.User{}, fmt.Errorf("%w: age out of range", model.ErrInvalidInput)
	}

	query := `UPDATE users SET
			      name = COALESCE($2, name),
			      email = COALESCE($3, email),
			      address = COALESCE($4, address),
			      age = COALESCE($5, age),
			      updated_at = now()
			  WHERE id = $1
			  RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query,
		uid, patch.Name, patch.Email, patch.Address, patch.Age,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, mapWriteError(err, "failed to update user")
	}

	return user, nil
}

func (r *UserRepository) DeleteByID(ctx context.Context, id string) (model.User, error) {
	uid, ok := parseID(id)
	if !ok {
		return model.User{}, model.ErrNotFound
	}

	query := `DELETE FROM users WHERE id = $1 RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRow(ctx, query, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, model.ErrNotFound
		}
		return model.User{}, fmt.Errorf("failed to delete user: %w", err)
	}

	return user, nil
}

func (r *UserRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// pageOffset returns the row offset of a 1-based page, or false when the
// page holds no rows out of total.
func pageOffset(page, limit int, total int64) (int64, bool) {
	if total <= 0 || page < 1 || limit < 1 || int64(page-1) > (total-1)/int64(limit) {
		return 0, false
	}
	return int64(page-1) * int64(limit), true
}

// searchClause matches the search term against name, email and address
// ignoring case. strpos avoids escaping LIKE wildcards in user input.
func searchClause(filter model.UserFilter) (string, []any) {
	if filter.Search == "" {
		return "", nil
	}
	where := ` WHERE strpos(lower(name), lower($1)) > 0
			      OR strpos(lower(email), lower($1)) > 0
			      OR strpos(lower(address), lower($1)) > 0`
	return where, []any{filter.Search}
}

func scanUser(row pgx.Row) (model.User, error) {
	var (
		user model.User
		id   uuid.UUID
		age  *int32
	)
	if err := row.Scan(&id, &user.Email, &user.Name, &user.Address, &age, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return model.User{}, err
	}
	user.ID = id.String()
	if age != nil {
		v := int(*age)
		user.Age = &v
	}
	return user, nil
}

func parseID(id string) (uuid.UUID, bool) {
	if id == "" {
		return uuid.Nil, false
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false
	}
	return uid, true
}

func ageFits(age *int) bool {
	return age == nil || (*age >= math.MinInt32 && *age <= math.MaxInt32)
}

// mapWriteError translates constraint and data errors raised by a write.
func mapWriteError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == emailConstraint:
			return model.ErrDuplicateEmail
		case pgErr.Code == codeNotNullViolation,
			pgErr.Code == codeCheckViolation,
			strings.HasPrefix(pgErr.Code, classDataException):
			return fmt.Errorf("%w: %s", model.ErrInvalidInput, pgErr.Message)
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

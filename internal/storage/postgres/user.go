package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pharmacy-api/internal/domain/account"
)

const (
	userColumns = `id, email, name, password_hash, reset_password_token, reset_password_expires,
		created_at, updated_at`

	createUserSQL = `INSERT INTO users (id, email, name, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	findUserByEmailSQL = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	setResetTokenSQL = `UPDATE users
		SET reset_password_token = $2, reset_password_expires = $3, updated_at = now()
		WHERE id = $1`

	// Single statement so two requests with the same token cannot both
	// match.
	consumeResetTokenSQL = `UPDATE users
		SET password_hash = $3, reset_password_token = NULL, reset_password_expires = NULL,
			updated_at = now()
		WHERE reset_password_token = $1 AND reset_password_expires > $2
		RETURNING ` + userColumns

	clearExpiredResetTokensSQL = `UPDATE users
		SET reset_password_token = NULL, reset_password_expires = NULL, updated_at = now()
		WHERE reset_password_expires IS NOT NULL AND reset_password_expires <= $1`
)

var _ account.Repository = (*UserRepository)(nil)

// UserRepository implements account.Repository backed by PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// Create inserts a user. Returns account.ErrEmailTaken on a duplicate email.
func (r *UserRepository) Create(ctx context.Context, u *account.User) error {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	err := conn(ctx, r.pool).QueryRow(ctx, createUserSQL, u.ID, u.Email, u.Name, u.PasswordHash).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return account.ErrEmailTaken
		}
		return fmt.Errorf("creating user %q: %w", u.ID, err)
	}
	return nil
}

// FindByEmail returns the user registered under email or account.ErrNotFound.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*account.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	rows, err := conn(ctx, r.pool).Query(ctx, findUserByEmailSQL, email)
	if err != nil {
		return nil, fmt.Errorf("finding user by email: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrNotFound
		}
		return nil, fmt.Errorf("finding user by email: %w", err)
	}
	return &u, nil
}

// SetResetToken stores a token digest and expiry, replacing any pending pair.
func (r *UserRepository) SetResetToken(ctx context.Context, userID, tokenHash string, expires time.Time) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, setResetTokenSQL, userID, tokenHash, expires)
	if err != nil {
		return fmt.Errorf("setting reset token for user %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

// ConsumeResetToken sets the password and clears the reset pair when an
// unexpired token with tokenHash exists. Returns account.ErrTokenNotMatched
// otherwise.
func (r *UserRepository) ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time, passwordHash string) (*account.User, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, consumeResetTokenSQL, tokenHash, now, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("consuming reset token: %w", err)
	}
	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, account.ErrTokenNotMatched
		}
		return nil, fmt.Errorf("consuming reset token: %w", err)
	}
	return &u, nil
}

// ClearExpiredResetTokens nulls reset pairs that expired at or before now.
func (r *UserRepository) ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx, clearExpiredResetTokensSQL, now)
	if err != nil {
		return 0, fmt.Errorf("clearing expired reset tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanUser(row pgx.CollectableRow) (account.User, error) {
	var u account.User
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.ResetPasswordToken, &u.ResetPasswordExpires,
		&u.CreatedAt, &u.UpdatedAt,
	)
	return u, err
}

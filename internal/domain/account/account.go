// Package account holds users and their credentials.
package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound is returned when no user matches a lookup.
	ErrNotFound = errors.New("user not found")
	// ErrEmailTaken is returned when creating a user with a registered email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrTokenNotMatched is returned by ConsumeResetToken when no user holds
	// an unexpired reset token with the given hash.
	ErrTokenNotMatched = errors.New("reset token not matched")
)

// User is a registered customer. The reset fields are either both set or
// both nil.
type User struct {
	ID                   string
	Email                string
	Name                 string
	PasswordHash         string
	ResetPasswordToken   *string
	ResetPasswordExpires *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasPendingReset reports whether the user holds an unexpired reset token.
func (u *User) HasPendingReset(now time.Time) bool {
	return u.ResetPasswordToken != nil && u.ResetPasswordExpires != nil && u.ResetPasswordExpires.After(now)
}

// Repository persists users. Emails are stored and compared lower-cased.
type Repository interface {
	Create(ctx context.Context, u *User) error
	FindByEmail(ctx context.Context, email string) (*User, error)
	// SetResetToken stores the token hash and expiry, replacing any previous
	// pair for the user.
	SetResetToken(ctx context.Context, userID, tokenHash string, expires time.Time) error
	// ConsumeResetToken sets the password hash and clears the reset pair in
	// one conditional write keyed on the token hash and expiry > now. It
	// returns the affected user, or ErrTokenNotMatched.
	ConsumeResetToken(ctx context.Context, tokenHash string, now time.Time, passwordHash string) (*User, error)
	// ClearExpiredResetTokens nulls reset pairs whose expiry is not after now.
	ClearExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
}

// prehash maps a password of any length to 64 hex bytes, keeping it under
// the bcrypt input limit of 72 bytes.
func prehash(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	dst := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(dst, sum[:])
	return dst
}

// HashPassword returns a bcrypt hash of password at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword(prehash(password), cost)
	if err != nil {
		return "", errors.Wrap(err, "bcrypt")
	}
	return string(h), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), prehash(password)) == nil
}

// Package recovery implements single-use, time-limited password reset
// tokens.
package recovery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/pharmacy-api/internal/domain/account"
	"github.com/xenking/pharmacy-api/internal/notify"
)

const tokenBytes = 32

var (
	// ErrInvalidOrExpired is returned for an unknown, expired, or already
	// consumed token. The causes are intentionally indistinguishable.
	ErrInvalidOrExpired = errors.New("reset token is invalid or has expired")
	// ErrPasswordTooShort is returned when the new password is below the
	// configured minimum length. The token is left untouched.
	ErrPasswordTooShort = errors.New("password is too short")
)

// Config holds reset token policy.
type Config struct {
	TTL               time.Duration
	MinPasswordLength int
	// ResetURL is the page that receives the token as the "token" query
	// parameter.
	ResetURL   string
	BcryptCost int
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Lifecycle) { l.tracer = tp.Tracer("pharmacy/recovery") }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(l *Lifecycle) { l.meter = mp.Meter("pharmacy/recovery") }
}

// Lifecycle issues and consumes reset tokens. Only the SHA-256 digest of a
// token is stored; the raw value leaves the process once, in the email.
type Lifecycle struct {
	users  account.Repository
	mail   notify.Enqueuer
	cfg    Config
	now    func() time.Time
	random io.Reader

	tracer   trace.Tracer
	meter    metric.Meter
	issued   metric.Int64Counter
	consumed metric.Int64Counter
}

// New creates a Lifecycle.
func New(users account.Repository, mail notify.Enqueuer, cfg Config, opts ...Option) (*Lifecycle, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.MinPasswordLength <= 0 {
		cfg.MinPasswordLength = 6
	}
	l := &Lifecycle{
		users:  users,
		mail:   mail,
		cfg:    cfg,
		now:    time.Now,
		random: rand.Reader,
		tracer: tracenoop.NewTracerProvider().Tracer("pharmacy/recovery"),
		meter:  metricnoop.NewMeterProvider().Meter("pharmacy/recovery"),
	}
	for _, o := range opts {
		o(l)
	}

	var err error
	if l.issued, err = l.meter.Int64Counter("password_reset.issued"); err != nil {
		return nil, errors.Wrap(err, "password_reset.issued counter")
	}
	if l.consumed, err = l.meter.Int64Counter("password_reset.consumed"); err != nil {
		return nil, errors.Wrap(err, "password_reset.consumed counter")
	}
	return l, nil
}

// HashToken returns the hex SHA-256 digest of a raw token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue generates a token for u, stores its digest with an expiry of now +
// TTL, replacing any pending token, and returns the raw token.
func (l *Lifecycle) Issue(ctx context.Context, u *account.User) (string, error) {
	ctx, span := l.tracer.Start(ctx, "recovery.Issue")
	defer span.End()

	raw, err := l.store(ctx, u.ID)
	if err != nil {
		return "", errors.Wrap(err, "store reset token")
	}
	l.issued.Add(ctx, 1)
	return raw, nil
}

// store generates a token and writes its digest for userID.
func (l *Lifecycle) store(ctx context.Context, userID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(l.random, buf); err != nil {
		return "", errors.Wrap(err, "generate token")
	}
	raw := hex.EncodeToString(buf)

	expires := l.now().Add(l.cfg.TTL).UTC()
	if err := l.users.SetResetToken(ctx, userID, HashToken(raw), expires); err != nil {
		return "", err
	}
	return raw, nil
}

// RequestReset issues a token for the account registered under email and
// queues the reset email. An unknown email returns nil without issuing
// anything, so callers cannot tell the cases apart. The miss path still
// generates a token and performs a write that matches no row, keeping both
// paths at one lookup and one update.
func (l *Lifecycle) RequestReset(ctx context.Context, email string) error {
	ctx, span := l.tracer.Start(ctx, "recovery.RequestReset")
	defer span.End()

	u, err := l.users.FindByEmail(ctx, email)
	if errors.Is(err, account.ErrNotFound) {
		if _, err := l.store(ctx, ""); err != nil && !errors.Is(err, account.ErrNotFound) {
			return errors.Wrap(err, "store reset token")
		}
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find user")
	}

	raw, err := l.Issue(ctx, u)
	if err != nil {
		return err
	}
	l.mail.Enqueue(ctx, l.resetMessage(u, raw))
	return nil
}

func (l *Lifecycle) resetMessage(u *account.User, raw string) notify.Message {
	link := l.cfg.ResetURL + "?token=" + url.QueryEscape(raw)
	name := u.Name
	if name == "" {
		name = u.Email
	}
	return notify.Message{
		To:      u.Email,
		Subject: "Reset your password",
		Body: fmt.Sprintf("Hello %s,\n\nUse the link below to choose a new password. "+
			"It expires in %s and can be used once.\n\n%s\n\n"+
			"If you did not ask for a reset, ignore this email.\n",
			name, l.cfg.TTL, link),
		Kind: "password_reset",
	}
}

// ValidateAndConsume sets newPassword for the holder of raw and clears the
// token in one conditional write. Unknown, expired, and already used tokens
// all yield ErrInvalidOrExpired.
func (l *Lifecycle) ValidateAndConsume(ctx context.Context, raw, newPassword string) error {
	ctx, span := l.tracer.Start(ctx, "recovery.ValidateAndConsume")
	defer span.End()

	if len([]rune(newPassword)) < l.cfg.MinPasswordLength {
		return ErrPasswordTooShort
	}
	if raw == "" {
		return ErrInvalidOrExpired
	}

	hash, err := account.HashPassword(newPassword, l.cfg.BcryptCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}

	if _, err := l.users.ConsumeResetToken(ctx, HashToken(raw), l.now().UTC(), hash); err != nil {
		if errors.Is(err, account.ErrTokenNotMatched) {
			return ErrInvalidOrExpired
		}
		return errors.Wrap(err, "consume reset token")
	}
	l.consumed.Add(ctx, 1)
	return nil
}

// ClearExpired removes expired token digests. Expired tokens are already
// rejected at validation time; this only reclaims the fields.
func (l *Lifecycle) ClearExpired(ctx context.Context) (int64, error) {
	n, err := l.users.ClearExpiredResetTokens(ctx, l.now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "clear expired reset tokens")
	}
	return n, nil
}

package handler

import (
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pharmacy-api/internal/domain/recovery"
)

const (
	forgotPasswordMessage = "If an account exists for that email, a password reset link has been sent."
	resetPasswordMessage  = "Your password has been reset. You can now sign in."
)

// ForgotPassword handles POST /api/auth/forgot-password. The response is
// the same whether or not the email is registered.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var email string
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		if key == "email" {
			var err error
			email, err = d.Str()
			return err
		}
		return d.Skip()
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	email = strings.TrimSpace(email)
	if email == "" {
		fail(w, r, badRequest("email is required"))
		return
	}

	if err := h.recovery.RequestReset(r.Context(), email); err != nil {
		fail(w, r, errors.Wrap(err, "request reset"))
		return
	}
	writeMessage(w, forgotPasswordMessage)
}

// ResetPassword handles POST /api/auth/reset-password.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var token, password string
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "token":
			token, err = d.Str()
		case "password":
			password, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	switch err := h.recovery.ValidateAndConsume(r.Context(), token, password); {
	case errors.Is(err, recovery.ErrPasswordTooShort):
		fail(w, r, badRequest("Password is too short"))
	case errors.Is(err, recovery.ErrInvalidOrExpired):
		fail(w, r, badRequest("Password reset token is invalid or has expired"))
	case err != nil:
		fail(w, r, errors.Wrap(err, "reset password"))
	default:
		writeMessage(w, resetPasswordMessage)
	}
}

func writeMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
		})
	})
}

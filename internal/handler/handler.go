// Package handler exposes the pharmacy checkout API over chi with jx
// encoding.
package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/pharmacy-api/internal/domain/auth"
	"github.com/xenking/pharmacy-api/internal/domain/coupon"
	"github.com/xenking/pharmacy-api/internal/domain/medicine"
	"github.com/xenking/pharmacy-api/internal/domain/order"
)

const maxBodyBytes = 1 << 20

// Orders is the checkout workflow used by the order endpoints.
type Orders interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	Cancel(ctx context.Context, id string) (*order.Order, error)
}

// Coupons is the coupon engine surface used by the preview and admin
// endpoints.
type Coupons interface {
	Now() time.Time
	Lookup(ctx context.Context, code string) (*coupon.Coupon, error)
	Quote(ctx context.Context, code string, cartTotal decimal.Decimal) (*coupon.Quote, error)
	Save(ctx context.Context, c *coupon.Coupon) error
}

// Recovery is the password reset workflow.
type Recovery interface {
	RequestReset(ctx context.Context, email string) error
	ValidateAndConsume(ctx context.Context, raw, newPassword string) error
}

// Deps bundles the Handler dependencies.
type Deps struct {
	Medicines medicine.Repository
	Orders    Orders
	Coupons   Coupons
	Recovery  Recovery
	APIKeys   auth.Repository
	// Pepper is the HMAC key for API key hashing.
	Pepper []byte
}

// Handler serves the /api routes.
type Handler struct {
	medicines medicine.Repository
	orders    Orders
	coupons   Coupons
	recovery  Recovery
	apikeys   auth.Repository
	pepper    []byte
}

// New creates a Handler.
func New(d Deps) *Handler {
	return &Handler{
		medicines: d.Medicines,
		orders:    d.Orders,
		coupons:   d.Coupons,
		recovery:  d.Recovery,
		apikeys:   d.APIKeys,
		pepper:    d.Pepper,
	}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/medicines", h.ListMedicines)
		r.Get("/medicines/{id}", h.GetMedicine)

		r.Post("/coupons/validate", h.ValidateCoupon)

		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)

		r.Post("/auth/forgot-password", h.ForgotPassword)
		r.Post("/auth/reset-password", h.ResetPassword)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.RequireAPIKey(auth.ScopeManageCoupons))
			r.Post("/coupons", h.UpsertCoupon)
			r.Get("/coupons/{code}", h.GetCoupon)
		})
	})
}

// apiError is a handled failure with an HTTP status.
type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string { return e.Message }

func badRequest(msg string) error    { return &apiError{Code: http.StatusBadRequest, Message: msg} }
func unprocessable(msg string) error { return &apiError{Code: http.StatusUnprocessableEntity, Message: msg} }
func notFound(msg string) error      { return &apiError{Code: http.StatusNotFound, Message: msg} }

// fail writes err as a JSON error body. Unhandled errors become a logged 500
// with a generic message.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apiError
	if errors.As(err, &ae) {
		writeError(w, ae.Code, ae.Message)
		return
	}
	zctx.From(r.Context()).Error("Request failed",
		zap.Error(err),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("code", func(e *jx.Encoder) { e.Int(code) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// decodeBody decodes a JSON object body, calling field for each key.
func decodeBody(w http.ResponseWriter, r *http.Request, field func(d *jx.Decoder, key string) error) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return badRequest("unable to read request body")
	}
	if err := jx.DecodeBytes(body).Obj(field); err != nil {
		return badRequest("invalid request body")
	}
	return nil
}

// decodeMoney reads a JSON number or numeric string as a decimal.
func decodeMoney(d *jx.Decoder) (decimal.Decimal, error) {
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(strings.Trim(n.String(), `"`))
}

// decodeOptStr reads a string or null.
func decodeOptStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func encodeMoney(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

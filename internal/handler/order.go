package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pharmacy-api/internal/domain/medicine"
	"github.com/xenking/pharmacy-api/internal/domain/order"
)

// PlaceOrder handles POST /api/orders.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PlaceOrderRequest
	err := decodeBody(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "userId":
			req.UserID, err = decodeOptStr(d)
		case "email":
			req.Email, err = decodeOptStr(d)
		case "couponCode":
			req.CouponCode, err = decodeOptStr(d)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var line order.LineRequest
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "medicineId":
						line.MedicineID, err = d.Str()
					case "quantity":
						line.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, line)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		fail(w, r, mapOrderError(err))
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			encodeOrderFields(e, res.Order)
			e.Field("medicines", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for i := range res.Medicines {
						encodeMedicine(e, &res.Medicines[i])
					}
				})
			})
			if res.CouponRejection != nil {
				e.Field("couponMessage", func(e *jx.Encoder) { e.Str(couponMessage(res.CouponRejection)) })
			}
		})
	})
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, mapOrderError(err))
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// CancelOrder handles POST /api/orders/{id}/cancel.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, mapOrderError(err))
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

// mapOrderError converts domain errors to API errors. Anything else is
// returned wrapped and ends up as a 500.
func mapOrderError(err error) error {
	var (
		qty     *order.InvalidQuantityError
		missing *order.MedicineNotFoundError
	)
	switch {
	case errors.Is(err, order.ErrEmptyItems):
		return badRequest(err.Error())
	case errors.As(err, &qty):
		return unprocessable(qty.Error())
	case errors.As(err, &missing):
		return unprocessable(missing.Error())
	case errors.Is(err, medicine.ErrNotFound):
		return unprocessable(err.Error())
	case errors.Is(err, order.ErrCouponUnavailable):
		return unprocessable("This coupon is no longer available")
	case errors.Is(err, order.ErrUnknownUser):
		return unprocessable("user not found")
	case errors.Is(err, order.ErrNotFound):
		return notFound("order not found")
	case errors.Is(err, order.ErrStatusConflict):
		return &apiError{Code: http.StatusConflict, Message: "order is already cancelled"}
	default:
		return errors.Wrap(err, "order")
	}
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.Obj(func(e *jx.Encoder) { encodeOrderFields(e, o) })
}

func encodeOrderFields(e *jx.Encoder, o *order.Order) {
	e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
	if o.UserID != "" {
		e.Field("userId", func(e *jx.Encoder) { e.Str(o.UserID) })
	}
	e.Field("status", func(e *jx.Encoder) { e.Str(string(o.Status)) })
	e.Field("items", func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for _, it := range o.Items {
				e.Obj(func(e *jx.Encoder) {
					e.Field("medicineId", func(e *jx.Encoder) { e.Str(it.MedicineID) })
					e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
					e.Field("unitPrice", func(e *jx.Encoder) { encodeMoney(e, it.UnitPrice) })
					e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
					e.Field("lineTotal", func(e *jx.Encoder) { encodeMoney(e, it.LineTotal()) })
				})
			}
		})
	})
	e.Field("subtotal", func(e *jx.Encoder) { encodeMoney(e, o.Subtotal) })
	e.Field("discount", func(e *jx.Encoder) { encodeMoney(e, o.Discount) })
	e.Field("deliveryCharge", func(e *jx.Encoder) { encodeMoney(e, o.DeliveryCharge) })
	e.Field("total", func(e *jx.Encoder) { encodeMoney(e, o.Total) })
	if o.CouponCode != "" {
		e.Field("couponCode", func(e *jx.Encoder) { e.Str(o.CouponCode) })
	}
	e.Field("createdAt", func(e *jx.Encoder) { encodeTime(e, o.CreatedAt) })
}

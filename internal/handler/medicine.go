package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/pharmacy-api/internal/domain/medicine"
)

// ListMedicines handles GET /api/medicines.
func (h *Handler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	list, err := h.medicines.List(r.Context())
	if err != nil {
		fail(w, r, errors.Wrap(err, "list medicines"))
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Arr(func(e *jx.Encoder) {
			for i := range list {
				encodeMedicine(e, &list[i])
			}
		})
	})
}

// GetMedicine handles GET /api/medicines/{id}.
func (h *Handler) GetMedicine(w http.ResponseWriter, r *http.Request) {
	m, err := h.medicines.GetByID(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, medicine.ErrNotFound):
		fail(w, r, notFound("medicine not found"))
		return
	case err != nil:
		fail(w, r, errors.Wrap(err, "get medicine"))
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeMedicine(e, m) })
}

func encodeMedicine(e *jx.Encoder, m *medicine.Medicine) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(m.ID) })
		e.Field("name", func(e *jx.Encoder) { e.Str(m.Name) })
		e.Field("price", func(e *jx.Encoder) { encodeMoney(e, m.Price) })
		e.Field("category", func(e *jx.Encoder) { e.Str(m.Category) })
		e.Field("manufacturer", func(e *jx.Encoder) { e.Str(m.Manufacturer) })
		e.Field("requiresPrescription", func(e *jx.Encoder) { e.Bool(m.RequiresPrescription) })
	})
}

package medicine

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested medicine does not exist.
var ErrNotFound = errors.New("medicine not found")

// Medicine is a catalog entry that can be ordered.
type Medicine struct {
	ID                   string
	Name                 string
	Price                decimal.Decimal
	Category             string
	Manufacturer         string
	RequiresPrescription bool
}

// Repository defines read operations for the medicine catalog.
type Repository interface {
	List(ctx context.Context) ([]Medicine, error)
	GetByID(ctx context.Context, id string) (*Medicine, error)
	GetByIDs(ctx context.Context, ids []string) ([]Medicine, error)
}

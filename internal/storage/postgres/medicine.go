package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pharmacy-api/internal/domain/medicine"
)

const (
	medicineColumns = `id, name, price, category, manufacturer, requires_prescription`

	listMedicinesSQL    = `SELECT ` + medicineColumns + ` FROM medicines ORDER BY name`
	getMedicineSQL      = `SELECT ` + medicineColumns + ` FROM medicines WHERE id = $1`
	getMedicinesByIDSQL = `SELECT ` + medicineColumns + ` FROM medicines WHERE id = ANY($1)`

	upsertMedicineSQL = `INSERT INTO medicines (id, name, price, category, manufacturer, requires_prescription)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			category = EXCLUDED.category,
			manufacturer = EXCLUDED.manufacturer,
			requires_prescription = EXCLUDED.requires_prescription`
)

var _ medicine.Repository = (*MedicineRepository)(nil)

// MedicineRepository implements medicine.Repository backed by PostgreSQL.
type MedicineRepository struct {
	pool *pgxpool.Pool
}

// NewMedicineRepository returns a MedicineRepository that uses the given pool.
func NewMedicineRepository(pool *pgxpool.Pool) *MedicineRepository {
	return &MedicineRepository{pool: pool}
}

// List returns all medicines ordered by name.
func (r *MedicineRepository) List(ctx context.Context) ([]medicine.Medicine, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, listMedicinesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing medicines: %w", err)
	}
	meds, err := pgx.CollectRows(rows, scanMedicine)
	if err != nil {
		return nil, fmt.Errorf("listing medicines: %w", err)
	}
	return meds, nil
}

// GetByID returns a medicine or medicine.ErrNotFound.
func (r *MedicineRepository) GetByID(ctx context.Context, id string) (*medicine.Medicine, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getMedicineSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting medicine %q: %w", id, err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMedicine)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, medicine.ErrNotFound
		}
		return nil, fmt.Errorf("getting medicine %q: %w", id, err)
	}
	return &m, nil
}

// GetByIDs returns the medicines matching ids. Unknown IDs are omitted.
func (r *MedicineRepository) GetByIDs(ctx context.Context, ids []string) ([]medicine.Medicine, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, getMedicinesByIDSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting medicines: %w", err)
	}
	meds, err := pgx.CollectRows(rows, scanMedicine)
	if err != nil {
		return nil, fmt.Errorf("getting medicines: %w", err)
	}
	return meds, nil
}

// Upsert creates or replaces a catalog entry.
func (r *MedicineRepository) Upsert(ctx context.Context, m *medicine.Medicine) error {
	_, err := conn(ctx, r.pool).Exec(ctx, upsertMedicineSQL,
		m.ID, m.Name, m.Price, m.Category, m.Manufacturer, m.RequiresPrescription,
	)
	if err != nil {
		return fmt.Errorf("upserting medicine %q: %w", m.ID, err)
	}
	return nil
}

func scanMedicine(row pgx.CollectableRow) (medicine.Medicine, error) {
	var m medicine.Medicine
	err := row.Scan(&m.ID, &m.Name, &m.Price, &m.Category, &m.Manufacturer, &m.RequiresPrescription)
	return m, err
}

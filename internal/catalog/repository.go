package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bodega-erp/bodega-erp/internal/costing"
)

// Repository reads catalog data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Device fetches an active device by id.
func (r *Repository) Device(ctx context.Context, id int64) (Device, error) {
	if r == nil {
		return Device{}, errors.New("catalog: repository not initialised")
	}
	var d Device
	var method string
	err := r.pool.QueryRow(ctx, `SELECT id, sku, name, list_price, cost_method, active FROM devices WHERE id=$1 AND active`, id).
		Scan(&d.ID, &d.SKU, &d.Name, &d.ListPrice, &method, &d.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, err
	}
	parsed, err := costing.ParseMethod(method)
	if err != nil {
		return Device{}, err
	}
	d.CostMethod = parsed
	return d, nil
}

// Store fetches an active store by id.
func (r *Repository) Store(ctx context.Context, id int64) (Store, error) {
	if r == nil {
		return Store{}, errors.New("catalog: repository not initialised")
	}
	var s Store
	err := r.pool.QueryRow(ctx, `SELECT id, code, name, active FROM stores WHERE id=$1 AND active`, id).
		Scan(&s.ID, &s.Code, &s.Name, &s.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Store{}, ErrStoreNotFound
		}
		return Store{}, err
	}
	return s, nil
}

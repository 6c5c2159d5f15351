package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/ledger"
	"github.com/bodega-erp/bodega-erp/internal/platform/db"
)

// Repository persists reservations in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	ledger.TxRepository
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction whose
// wrapper also carries the ledger operations.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("reservation: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: ledger.NewTx(tx), tx: tx})
	})
}

const reservationColumns = `id, store_id, device_id, reserved_by, resolved_by, initial_qty, remaining_qty, status, reason, resolution_reason, ref_type, ref_id, expires_at, created_at, updated_at, resolved_at, consumed_at`

// GetReservation fetches one reservation without locking.
func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	if r == nil {
		return Reservation{}, errors.New("reservation: repository not initialised")
	}
	return scanReservation(r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1`, id))
}

// QueryAvailable computes on-hand minus active holds in one statement so
// the read is a consistent snapshot without blocking writers.
func (r *Repository) QueryAvailable(ctx context.Context, storeID, deviceID int64) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errors.New("reservation: repository not initialised")
	}
	var available decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE((SELECT on_hand FROM stock_balances WHERE store_id=$1 AND device_id=$2), 0)
 - COALESCE((SELECT SUM(remaining_qty) FROM reservations WHERE store_id=$1 AND device_id=$2 AND status='RESERVED'), 0)`,
		storeID, deviceID).Scan(&available)
	return available, err
}

// ListExpired returns active holds past their TTL, oldest expiry first.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	if r == nil {
		return nil, errors.New("reservation: repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM reservations
WHERE status='RESERVED' AND expires_at < $1
ORDER BY expires_at ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO reservations (`+reservationColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		res.ID, res.StoreID, res.DeviceID, nullInt(res.ReservedBy), nullInt(res.ResolvedBy),
		res.InitialQty, res.RemainingQty, string(res.Status), res.Reason, nullString(res.ResolutionReason),
		res.RefType, res.RefID, res.ExpiresAt, res.CreatedAt, res.UpdatedAt, res.ResolvedAt, res.ConsumedAt)
	return err
}

func (r *txRepository) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return scanReservation(r.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) FindActiveByReference(ctx context.Context, storeID, deviceID int64, refType, refID string) (Reservation, error) {
	return scanReservation(r.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations
WHERE store_id=$1 AND device_id=$2 AND ref_type=$3 AND ref_id=$4 AND status='RESERVED'
LIMIT 1`, storeID, deviceID, refType, refID))
}

func (r *txRepository) UpdateReservation(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx, `UPDATE reservations SET
remaining_qty=$2, status=$3, resolution_reason=$4, resolved_by=$5, updated_at=$6, resolved_at=$7, consumed_at=$8
WHERE id=$1`,
		res.ID, res.RemainingQty, string(res.Status), nullString(res.ResolutionReason),
		nullInt(res.ResolvedBy), res.UpdatedAt, res.ResolvedAt, res.ConsumedAt)
	return err
}

func (r *txRepository) SumActiveRemaining(ctx context.Context, storeID, deviceID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(remaining_qty), 0) FROM reservations
WHERE store_id=$1 AND device_id=$2 AND status='RESERVED'`, storeID, deviceID).Scan(&sum)
	return sum, err
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	var status string
	var reservedBy, resolvedBy *int64
	var resolutionReason *string
	err := row.Scan(&res.ID, &res.StoreID, &res.DeviceID, &reservedBy, &resolvedBy,
		&res.InitialQty, &res.RemainingQty, &status, &res.Reason, &resolutionReason,
		&res.RefType, &res.RefID, &res.ExpiresAt, &res.CreatedAt, &res.UpdatedAt, &res.ResolvedAt, &res.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, err
	}
	res.Status = Status(status)
	if reservedBy != nil {
		res.ReservedBy = *reservedBy
	}
	if resolvedBy != nil {
		res.ResolvedBy = *resolvedBy
	}
	if resolutionReason != nil {
		res.ResolutionReason = *resolutionReason
	}
	return res, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

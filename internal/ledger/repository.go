package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/costing"
	"github.com/bodega-erp/bodega-erp/internal/platform/db"
)

// Repository persists the stock and cost ledgers in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger: repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTx(tx))
	})
}

// NewTx wraps an open pgx transaction with the ledger operations. The
// reservation repository embeds this wrapper so its consume transaction
// can post moves and cost entries on the same connection.
func NewTx(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

// GetBalance returns the cached aggregate without locking.
func (r *Repository) GetBalance(ctx context.Context, storeID, deviceID int64) (Balance, error) {
	if r == nil {
		return Balance{}, errors.New("ledger: repository not initialised")
	}
	return scanBalance(r.pool.QueryRow(ctx, `SELECT store_id, device_id, on_hand, avg_cost, cost_method, updated_at
FROM stock_balances WHERE store_id=$1 AND device_id=$2`, storeID, deviceID), storeID, deviceID)
}

// GetStockCard lists ledger entries oldest first.
func (r *Repository) GetStockCard(ctx context.Context, filter CardFilter) ([]CardEntry, error) {
	if r == nil {
		return nil, errors.New("ledger: repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, kind, quantity, ref_type, ref_id, occurred_at
FROM stock_moves
WHERE store_id=$1 AND device_id=$2 AND occurred_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY occurred_at ASC, id ASC
LIMIT $5`, filter.StoreID, filter.DeviceID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []CardEntry{}
	for rows.Next() {
		var entry CardEntry
		if err := rows.Scan(&entry.MoveID, &entry.Kind, &entry.Quantity, &entry.RefType, &entry.RefID, &entry.OccurredAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *txRepository) InsertMove(ctx context.Context, move Move) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_moves (store_id, device_id, warehouse_id, quantity, kind, ref_type, ref_id, actor_id, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		move.StoreID, move.DeviceID, nullInt(move.WarehouseID), move.Quantity, string(move.Kind), move.RefType, move.RefID, nullInt(move.ActorID), move.OccurredAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, storeID, deviceID int64) (Balance, error) {
	return scanBalance(r.tx.QueryRow(ctx, `SELECT store_id, device_id, on_hand, avg_cost, cost_method, updated_at
FROM stock_balances WHERE store_id=$1 AND device_id=$2 FOR UPDATE`, storeID, deviceID), storeID, deviceID)
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (store_id, device_id, on_hand, avg_cost, cost_method, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (store_id, device_id) DO UPDATE SET on_hand=EXCLUDED.on_hand, avg_cost=EXCLUDED.avg_cost, updated_at=NOW()`,
		balance.StoreID, balance.DeviceID, balance.OnHand, balance.AvgCost, string(balance.Method))
	return err
}

func (r *txRepository) InsertEntry(ctx context.Context, entry costing.Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_entries (move_id, store_id, device_id, quantity, unit_cost, method, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		entry.MoveID, entry.StoreID, entry.DeviceID, entry.Quantity, entry.UnitCost, string(entry.Method), entry.OccurredAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertLot(ctx context.Context, lot costing.Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO cost_lots (store_id, device_id, remaining_qty, unit_cost, received_at)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		lot.StoreID, lot.DeviceID, lot.RemainingQty, lot.UnitCost, lot.ReceivedAt).Scan(&id)
	return id, err
}

func (r *txRepository) LotsForUpdate(ctx context.Context, storeID, deviceID int64) ([]costing.Lot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, store_id, device_id, remaining_qty, unit_cost, received_at
FROM cost_lots WHERE store_id=$1 AND device_id=$2
ORDER BY received_at ASC, id ASC
FOR UPDATE`, storeID, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []costing.Lot
	for rows.Next() {
		var lot costing.Lot
		if err := rows.Scan(&lot.ID, &lot.StoreID, &lot.DeviceID, &lot.RemainingQty, &lot.UnitCost, &lot.ReceivedAt); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (r *txRepository) SetLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE cost_lots SET remaining_qty=$2 WHERE id=$1`, lotID, remaining)
	return err
}

func (r *txRepository) DeleteLot(ctx context.Context, lotID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM cost_lots WHERE id=$1`, lotID)
	return err
}

func scanBalance(row pgx.Row, storeID, deviceID int64) (Balance, error) {
	var bal Balance
	var method string
	err := row.Scan(&bal.StoreID, &bal.DeviceID, &bal.OnHand, &bal.AvgCost, &method, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{StoreID: storeID, DeviceID: deviceID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	bal.Method = costing.Method(method)
	return bal, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/catalog"
	"github.com/bodega-erp/bodega-erp/internal/costing"
	"github.com/bodega-erp/bodega-erp/internal/observability"
	"github.com/bodega-erp/bodega-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, storeID, deviceID int64) (Balance, error)
	GetStockCard(ctx context.Context, filter CardFilter) ([]CardEntry, error)
}

// TxRepository exposes the transactional operations a posting needs. It
// embeds the cost ledger operations so a move and its cost entries always
// commit or roll back together.
type TxRepository interface {
	costing.TxRepository
	InsertMove(ctx context.Context, move Move) (int64, error)
	GetBalanceForUpdate(ctx context.Context, storeID, deviceID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
}

// CatalogPort abstracts read-only catalog lookups.
type CatalogPort interface {
	Device(ctx context.Context, id int64) (catalog.Device, error)
	Store(ctx context.Context, id int64) (catalog.Store, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// LockWait bounds how long a posting waits for the per-key lock.
	LockWait time.Duration
}

// Service coordinates stock ledger postings.
type Service struct {
	repo        RepositoryPort
	engine      *costing.Engine
	catalog     CatalogPort
	audit       AuditPort
	idempotency *shared.IdempotencyStore
	locks       *shared.KeyedMutex
	metrics     *observability.Metrics
	logger      *slog.Logger
	lockWait    time.Duration
}

// NewService builds Service.
func NewService(repo RepositoryPort, engine *costing.Engine, cat CatalogPort, audit AuditPort, idem *shared.IdempotencyStore, locks *shared.KeyedMutex, metrics *observability.Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	wait := cfg.LockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Service{
		repo:        repo,
		engine:      engine,
		catalog:     cat,
		audit:       audit,
		idempotency: idem,
		locks:       locks,
		metrics:     metrics,
		logger:      logger,
		lockWait:    wait,
	}
}

// MoveInput describes one posting into the ledger. Quantity is signed.
type MoveInput struct {
	StoreID     int64
	DeviceID    int64
	WarehouseID int64
	Quantity    decimal.Decimal
	Kind        MoveKind
	UnitCost    decimal.Decimal
	RefType     string
	RefID       string
	ActorID     int64
	Method      costing.Method
	OccurredAt  time.Time
}

// RecordReceipt posts a purchase receipt: one IN move plus its cost
// entries. Idempotent per (ref_type, ref_id); a retried receipt is
// acknowledged without posting twice.
func (s *Service) RecordReceipt(ctx context.Context, in ReceiptInput) (Move, error) {
	if in.Quantity.Sign() <= 0 {
		return Move{}, ErrInvalidQuantity
	}
	if in.UnitCost.Sign() < 0 {
		return Move{}, ErrInvalidUnitCost
	}
	return s.post(ctx, MoveInput{
		StoreID:     in.StoreID,
		DeviceID:    in.DeviceID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Quantity,
		Kind:        MoveKindIn,
		UnitCost:    in.UnitCost,
		RefType:     in.RefType,
		RefID:       in.RefID,
		ActorID:     in.ActorID,
	})
}

// RecordAdjustment posts a signed adjustment. Positive quantities are
// costed as receipts, negative as issues at the running cost.
func (s *Service) RecordAdjustment(ctx context.Context, in AdjustmentInput) (Move, error) {
	if in.Quantity.IsZero() {
		return Move{}, ErrInvalidQuantity
	}
	if in.Quantity.Sign() > 0 && in.UnitCost.Sign() < 0 {
		return Move{}, ErrInvalidUnitCost
	}
	return s.post(ctx, MoveInput{
		StoreID:     in.StoreID,
		DeviceID:    in.DeviceID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Quantity,
		Kind:        MoveKindAdjust,
		UnitCost:    in.UnitCost,
		RefType:     in.RefType,
		RefID:       in.RefID,
		ActorID:     in.ActorID,
	})
}

// RecordTransferIn posts the receiving leg of a transfer at the unit cost
// carried from the dispatching store.
func (s *Service) RecordTransferIn(ctx context.Context, in TransferInInput) (Move, error) {
	if in.Quantity.Sign() <= 0 {
		return Move{}, ErrInvalidQuantity
	}
	if in.UnitCost.Sign() < 0 {
		return Move{}, ErrInvalidUnitCost
	}
	return s.post(ctx, MoveInput{
		StoreID:     in.StoreID,
		DeviceID:    in.DeviceID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Quantity,
		Kind:        MoveKindTransfer,
		UnitCost:    in.UnitCost,
		RefType:     in.RefType,
		RefID:       in.RefID,
		ActorID:     in.ActorID,
	})
}

// StockCard lists ledger entries for a (store, device) pair.
func (s *Service) StockCard(ctx context.Context, filter CardFilter) ([]CardEntry, error) {
	if filter.StoreID == 0 || filter.DeviceID == 0 {
		return nil, errors.New("ledger: store and device required")
	}
	return s.repo.GetStockCard(ctx, filter)
}

// GetBalance returns the cached aggregate for a (store, device) pair.
func (s *Service) GetBalance(ctx context.Context, storeID, deviceID int64) (Balance, error) {
	return s.repo.GetBalance(ctx, storeID, deviceID)
}

func (s *Service) post(ctx context.Context, in MoveInput) (Move, error) {
	if in.StoreID == 0 || in.DeviceID == 0 {
		return Move{}, errors.New("ledger: store and device required")
	}
	if in.RefType == "" || in.RefID == "" {
		return Move{}, errors.New("ledger: reference required")
	}

	device, err := s.catalog.Device(ctx, in.DeviceID)
	if err != nil {
		return Move{}, err
	}
	if _, err := s.catalog.Store(ctx, in.StoreID); err != nil {
		return Move{}, err
	}
	in.Method = device.CostMethod

	key := fmt.Sprintf("%s:%s:%s:%d:%d", in.Kind, in.RefType, in.RefID, in.StoreID, in.DeviceID)
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return Move{}, err
		}
		insertedKey = true
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	release, err := s.locks.Acquire(lockCtx, shared.StockLockKey(in.StoreID, in.DeviceID))
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Move{}, err
	}
	defer release()

	var move Move
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posted, _, err := s.PostWithin(ctx, tx, in)
		if err != nil {
			return err
		}
		move = posted
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Move{}, err
	}

	s.metrics.MovePosted(string(move.Kind))
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   fmt.Sprintf("stock:%s", move.Kind),
			Entity:   "stock_move",
			EntityID: fmt.Sprintf("%d", move.ID),
			Meta: map[string]any{
				"store_id":  move.StoreID,
				"device_id": move.DeviceID,
				"qty":       move.Quantity.String(),
				"ref_type":  move.RefType,
				"ref_id":    move.RefID,
			},
		})
	}
	return move, nil
}

// PostWithin appends one move and its cost entries inside an existing
// transaction. Callers must hold the per-(store, device) lock; the
// reservation manager uses this to make consume-and-post atomic.
func (s *Service) PostWithin(ctx context.Context, tx TxRepository, in MoveInput) (Move, []costing.Entry, error) {
	if in.Quantity.IsZero() {
		return Move{}, nil, ErrInvalidQuantity
	}
	now := in.OccurredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	balance, err := tx.GetBalanceForUpdate(ctx, in.StoreID, in.DeviceID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return Move{}, nil, err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		method := in.Method
		if method == "" {
			method = costing.MethodWeightedAverage
		}
		balance = Balance{StoreID: in.StoreID, DeviceID: in.DeviceID, Method: method}
	}

	if in.Quantity.Sign() < 0 && balance.OnHand.Add(in.Quantity).Sign() < 0 {
		return Move{}, nil, ErrNegativeStock
	}

	move := Move{
		StoreID:     in.StoreID,
		DeviceID:    in.DeviceID,
		WarehouseID: in.WarehouseID,
		Quantity:    in.Quantity,
		Kind:        in.Kind,
		RefType:     in.RefType,
		RefID:       in.RefID,
		ActorID:     in.ActorID,
		OccurredAt:  now,
	}
	moveID, err := tx.InsertMove(ctx, move)
	if err != nil {
		return Move{}, nil, err
	}
	move.ID = moveID

	state := costing.BalanceState{OnHand: balance.OnHand, AvgCost: balance.AvgCost}
	entries, err := s.engine.Ingest(ctx, tx, costing.IngestInput{
		MoveID:     moveID,
		StoreID:    in.StoreID,
		DeviceID:   in.DeviceID,
		Quantity:   in.Quantity,
		UnitCost:   in.UnitCost,
		Method:     balance.Method,
		OccurredAt: now,
	}, &state)
	if err != nil {
		var underflow *costing.UnderflowError
		if errors.As(err, &underflow) {
			s.metrics.CostingUnderflow()
			if s.logger != nil {
				s.logger.Error("costing underflow, gating invariant violated",
					slog.Int64("store_id", underflow.StoreID),
					slog.Int64("device_id", underflow.DeviceID),
					slog.String("requested", underflow.Requested.String()),
					slog.String("available", underflow.Available.String()))
			}
			if s.audit != nil {
				_ = s.audit.Record(ctx, shared.AuditLog{
					ActorID:  in.ActorID,
					Action:   "stock:underflow_alert",
					Entity:   "stock_move",
					EntityID: fmt.Sprintf("%d", moveID),
					Meta: map[string]any{
						"store_id":  underflow.StoreID,
						"device_id": underflow.DeviceID,
						"requested": underflow.Requested.String(),
						"available": underflow.Available.String(),
					},
				})
			}
		}
		return Move{}, nil, err
	}

	balance.OnHand = state.OnHand
	balance.AvgCost = state.AvgCost
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return Move{}, nil, err
	}
	return move, entries, nil
}

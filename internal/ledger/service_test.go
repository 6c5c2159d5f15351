package ledger

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bodega-erp/bodega-erp/internal/catalog"
	"github.com/bodega-erp/bodega-erp/internal/costing"
	"github.com/bodega-erp/bodega-erp/internal/shared"
)

type memoryRepo struct {
	balances map[string]Balance
	moves    []Move
	entries  []costing.Entry
	lots     []costing.Lot
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: make(map[string]Balance)}
}

func balanceKey(storeID, deviceID int64) string {
	return fmt.Sprintf("%d:%d", storeID, deviceID)
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetBalance(ctx context.Context, storeID, deviceID int64) (Balance, error) {
	if bal, ok := r.balances[balanceKey(storeID, deviceID)]; ok {
		return bal, nil
	}
	return Balance{StoreID: storeID, DeviceID: deviceID}, ErrBalanceNotFound
}

func (r *memoryRepo) GetStockCard(ctx context.Context, filter CardFilter) ([]CardEntry, error) {
	var out []CardEntry
	for _, m := range r.moves {
		if m.StoreID != filter.StoreID || m.DeviceID != filter.DeviceID {
			continue
		}
		out = append(out, CardEntry{MoveID: m.ID, Kind: m.Kind, Quantity: m.Quantity, RefType: m.RefType, RefID: m.RefID, OccurredAt: m.OccurredAt})
	}
	return out, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) InsertMove(ctx context.Context, move Move) (int64, error) {
	tx.repo.nextID++
	move.ID = tx.repo.nextID
	tx.repo.moves = append(tx.repo.moves, move)
	return move.ID, nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, storeID, deviceID int64) (Balance, error) {
	return tx.repo.GetBalance(ctx, storeID, deviceID)
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	tx.repo.balances[balanceKey(balance.StoreID, balance.DeviceID)] = balance
	return nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry costing.Entry) (int64, error) {
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	tx.repo.entries = append(tx.repo.entries, entry)
	return entry.ID, nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot costing.Lot) (int64, error) {
	tx.repo.nextID++
	lot.ID = tx.repo.nextID
	tx.repo.lots = append(tx.repo.lots, lot)
	return lot.ID, nil
}

func (tx *memoryTx) LotsForUpdate(ctx context.Context, storeID, deviceID int64) ([]costing.Lot, error) {
	var out []costing.Lot
	for _, lot := range tx.repo.lots {
		if lot.StoreID == storeID && lot.DeviceID == deviceID {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (tx *memoryTx) SetLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	for i := range tx.repo.lots {
		if tx.repo.lots[i].ID == lotID {
			tx.repo.lots[i].RemainingQty = remaining
			return nil
		}
	}
	return nil
}

func (tx *memoryTx) DeleteLot(ctx context.Context, lotID int64) error {
	for i := range tx.repo.lots {
		if tx.repo.lots[i].ID == lotID {
			tx.repo.lots = append(tx.repo.lots[:i], tx.repo.lots[i+1:]...)
			return nil
		}
	}
	return nil
}

type memoryCatalog struct {
	method costing.Method
}

func (c memoryCatalog) Device(ctx context.Context, id int64) (catalog.Device, error) {
	if id == 0 {
		return catalog.Device{}, catalog.ErrDeviceNotFound
	}
	method := c.method
	if method == "" {
		method = costing.MethodWeightedAverage
	}
	return catalog.Device{ID: id, SKU: "SKU", ListPrice: decimal.RequireFromString("199.00"), CostMethod: method, Active: true}, nil
}

func (c memoryCatalog) Store(ctx context.Context, id int64) (catalog.Store, error) {
	if id == 0 {
		return catalog.Store{}, catalog.ErrStoreNotFound
	}
	return catalog.Store{ID: id, Active: true}, nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(repo *memoryRepo, method costing.Method) (*Service, *memoryAudit) {
	audit := &memoryAudit{}
	svc := NewService(repo, costing.NewEngine(), memoryCatalog{method: method}, audit, nil, shared.NewKeyedMutex(), nil, nil, ServiceConfig{})
	return svc, audit
}

func TestRecordReceiptUpdatesBalance(t *testing.T) {
	repo := newMemoryRepo()
	svc, audit := newTestService(repo, costing.MethodWeightedAverage)
	ctx := context.Background()

	move, err := svc.RecordReceipt(ctx, ReceiptInput{StoreID: 1, DeviceID: 42, Quantity: dec("10"), UnitCost: dec("100.00"), RefType: "grn", RefID: "GRN-1"})
	require.NoError(t, err)
	require.Equal(t, MoveKindIn, move.Kind)
	require.NotZero(t, move.ID)

	_, err = svc.RecordReceipt(ctx, ReceiptInput{StoreID: 1, DeviceID: 42, Quantity: dec("5"), UnitCost: dec("130.00"), RefType: "grn", RefID: "GRN-2"})
	require.NoError(t, err)

	bal, err := svc.GetBalance(ctx, 1, 42)
	require.NoError(t, err)
	require.True(t, bal.OnHand.Equal(dec("15")))
	require.True(t, bal.AvgCost.Equal(dec("110.00")), "got %s", bal.AvgCost)
	require.Len(t, repo.entries, 2)
	require.Len(t, audit.logs, 2)
}

func TestRecordAdjustmentNegative(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, costing.MethodWeightedAverage)
	ctx := context.Background()

	_, err := svc.RecordReceipt(ctx, ReceiptInput{StoreID: 1, DeviceID: 42, Quantity: dec("10"), UnitCost: dec("50.00"), RefType: "grn", RefID: "GRN-1"})
	require.NoError(t, err)

	_, err = svc.RecordAdjustment(ctx, AdjustmentInput{StoreID: 1, DeviceID: 42, Quantity: dec("-4"), Reason: "damage", RefType: "adj", RefID: "ADJ-1"})
	require.NoError(t, err)

	bal, err := svc.GetBalance(ctx, 1, 42)
	require.NoError(t, err)
	require.True(t, bal.OnHand.Equal(dec("6")))
	require.True(t, bal.AvgCost.Equal(dec("50.00")))
}

func TestNegativeStockGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, costing.MethodWeightedAverage)
	ctx := context.Background()

	_, err := svc.RecordAdjustment(ctx, AdjustmentInput{StoreID: 1, DeviceID: 42, Quantity: dec("-1"), Reason: "shrink", RefType: "adj", RefID: "ADJ-1"})
	require.ErrorIs(t, err, ErrNegativeStock)
	require.Empty(t, repo.moves)
}

func TestReceiptValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, costing.MethodWeightedAverage)
	ctx := context.Background()

	_, err := svc.RecordReceipt(ctx, ReceiptInput{StoreID: 1, DeviceID: 42, Quantity: dec("0"), UnitCost: dec("1.00"), RefType: "grn", RefID: "GRN-1"})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.RecordReceipt(ctx, ReceiptInput{StoreID: 1, DeviceID: 42, Quantity: dec("1"), UnitCost: dec("-1.00"), RefType: "grn", RefID: "GRN-1"})
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	_, err = svc.RecordReceipt(ctx, ReceiptInput{StoreID: 1, DeviceID: 42, Quantity: dec("1"), UnitCost: dec("1.00")})
	require.Error(t, err)
}

func TestTransferInPostsAtCarriedCost(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, costing.MethodFIFO)
	ctx := context.Background()

	_, err := svc.RecordTransferIn(ctx, TransferInInput{StoreID: 2, DeviceID: 43, Quantity: dec("5"), UnitCost: dec("251.00"), RefType: "transfer", RefID: "TRF-1"})
	require.NoError(t, err)

	bal, err := svc.GetBalance(ctx, 2, 43)
	require.NoError(t, err)
	require.True(t, bal.OnHand.Equal(dec("5")))
	require.Equal(t, costing.MethodFIFO, bal.Method)
	require.Len(t, repo.lots, 1)
	require.True(t, repo.lots[0].UnitCost.Equal(dec("251.00")))
}

func TestStockCardRequiresScope(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, costing.MethodWeightedAverage)

	_, err := svc.StockCard(context.Background(), CardFilter{StoreID: 1})
	require.Error(t, err)
}

func TestStockCardListsMoves(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, costing.MethodWeightedAverage)
	ctx := context.Background()

	_, err := svc.RecordReceipt(ctx, ReceiptInput{StoreID: 1, DeviceID: 42, Quantity: dec("10"), UnitCost: dec("100.00"), RefType: "grn", RefID: "GRN-1"})
	require.NoError(t, err)
	_, err = svc.RecordAdjustment(ctx, AdjustmentInput{StoreID: 1, DeviceID: 42, Quantity: dec("-2"), Reason: "damage", RefType: "adj", RefID: "ADJ-1"})
	require.NoError(t, err)

	entries, err := svc.StockCard(ctx, CardFilter{StoreID: 1, DeviceID: 42})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, MoveKindIn, entries[0].Kind)
	require.Equal(t, MoveKindAdjust, entries[1].Kind)
}

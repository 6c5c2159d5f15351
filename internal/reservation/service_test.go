package reservation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bodega-erp/bodega-erp/internal/catalog"
	"github.com/bodega-erp/bodega-erp/internal/costing"
	"github.com/bodega-erp/bodega-erp/internal/ledger"
	"github.com/bodega-erp/bodega-erp/internal/shared"
)

// memoryRepo backs both the reservation table and the ledger tables so a
// consume test exercises the same single-transaction path as production.
type memoryRepo struct {
	mu           sync.Mutex
	reservations map[uuid.UUID]Reservation
	balances     map[string]ledger.Balance
	moves        []ledger.Move
	entries      []costing.Entry
	lots         []costing.Lot
	nextID       int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		reservations: make(map[uuid.UUID]Reservation),
		balances:     make(map[string]ledger.Balance),
	}
}

func balanceKey(storeID, deviceID int64) string {
	return fmt.Sprintf("%d:%d", storeID, deviceID)
}

func (r *memoryRepo) seedBalance(storeID, deviceID int64, onHand, avgCost string, method costing.Method) {
	r.balances[balanceKey(storeID, deviceID)] = ledger.Balance{
		StoreID:  storeID,
		DeviceID: deviceID,
		OnHand:   decimal.RequireFromString(onHand),
		AvgCost:  decimal.RequireFromString(avgCost),
		Method:   method,
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.reservations[id]; ok {
		return res, nil
	}
	return Reservation{}, ErrNotFound
}

func (r *memoryRepo) QueryAvailable(ctx context.Context, storeID, deviceID int64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	onHand := decimal.Zero
	if bal, ok := r.balances[balanceKey(storeID, deviceID)]; ok {
		onHand = bal.OnHand
	}
	reserved := r.sumActiveLocked(storeID, deviceID)
	return onHand.Sub(reserved), nil
}

func (r *memoryRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Reservation
	for _, res := range r.reservations {
		if res.Status == StatusReserved && res.Expired(now) {
			out = append(out, res)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) sumActiveLocked(storeID, deviceID int64) decimal.Decimal {
	total := decimal.Zero
	for _, res := range r.reservations {
		if res.StoreID == storeID && res.DeviceID == deviceID && res.Status == StatusReserved {
			total = total.Add(res.RemainingQty)
		}
	}
	return total
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) InsertReservation(ctx context.Context, r Reservation) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.reservations[r.ID] = r
	return nil
}

func (tx *memoryTx) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error) {
	return tx.repo.GetReservation(ctx, id)
}

func (tx *memoryTx) FindActiveByReference(ctx context.Context, storeID, deviceID int64, refType, refID string) (Reservation, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, res := range tx.repo.reservations {
		if res.StoreID == storeID && res.DeviceID == deviceID && res.RefType == refType && res.RefID == refID && res.Status == StatusReserved {
			return res, nil
		}
	}
	return Reservation{}, ErrNotFound
}

func (tx *memoryTx) UpdateReservation(ctx context.Context, r Reservation) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.reservations[r.ID] = r
	return nil
}

func (tx *memoryTx) SumActiveRemaining(ctx context.Context, storeID, deviceID int64) (decimal.Decimal, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	return tx.repo.sumActiveLocked(storeID, deviceID), nil
}

func (tx *memoryTx) InsertMove(ctx context.Context, move ledger.Move) (int64, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.nextID++
	move.ID = tx.repo.nextID
	tx.repo.moves = append(tx.repo.moves, move)
	return move.ID, nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, storeID, deviceID int64) (ledger.Balance, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if bal, ok := tx.repo.balances[balanceKey(storeID, deviceID)]; ok {
		return bal, nil
	}
	return ledger.Balance{StoreID: storeID, DeviceID: deviceID}, ledger.ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance ledger.Balance) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.balances[balanceKey(balance.StoreID, balance.DeviceID)] = balance
	return nil
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry costing.Entry) (int64, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.nextID++
	entry.ID = tx.repo.nextID
	tx.repo.entries = append(tx.repo.entries, entry)
	return entry.ID, nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot costing.Lot) (int64, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.nextID++
	lot.ID = tx.repo.nextID
	tx.repo.lots = append(tx.repo.lots, lot)
	return lot.ID, nil
}

func (tx *memoryTx) LotsForUpdate(ctx context.Context, storeID, deviceID int64) ([]costing.Lot, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	var out []costing.Lot
	for _, lot := range tx.repo.lots {
		if lot.StoreID == storeID && lot.DeviceID == deviceID {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (tx *memoryTx) SetLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for i := range tx.repo.lots {
		if tx.repo.lots[i].ID == lotID {
			tx.repo.lots[i].RemainingQty = remaining
			return nil
		}
	}
	return nil
}

func (tx *memoryTx) DeleteLot(ctx context.Context, lotID int64) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for i := range tx.repo.lots {
		if tx.repo.lots[i].ID == lotID {
			tx.repo.lots = append(tx.repo.lots[:i], tx.repo.lots[i+1:]...)
			return nil
		}
	}
	return nil
}

type memoryCatalog struct{}

func (memoryCatalog) Device(ctx context.Context, id int64) (catalog.Device, error) {
	if id == 0 {
		return catalog.Device{}, catalog.ErrDeviceNotFound
	}
	return catalog.Device{ID: id, CostMethod: costing.MethodWeightedAverage, Active: true}, nil
}

func (memoryCatalog) Store(ctx context.Context, id int64) (catalog.Store, error) {
	if id == 0 {
		return catalog.Store{}, catalog.ErrStoreNotFound
	}
	return catalog.Store{ID: id, Active: true}, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(repo *memoryRepo) *Service {
	locks := shared.NewKeyedMutex()
	ledgerSvc := ledger.NewService(nil, costing.NewEngine(), memoryCatalog{}, nil, nil, locks, nil, nil, ledger.ServiceConfig{})
	return NewService(repo, ledgerSvc, memoryCatalog{}, nil, locks, nil, nil, ServiceConfig{DefaultTTL: time.Hour})
}

func reserve(t *testing.T, svc *Service, qty, refID string) Reservation {
	t.Helper()
	res, err := svc.Reserve(context.Background(), ReserveInput{
		StoreID:  1,
		DeviceID: 42,
		Quantity: dec(qty),
		RefType:  "sale",
		RefID:    refID,
		ActorID:  7,
	})
	require.NoError(t, err)
	return res
}

func TestReserveReducesAvailability(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)
	ctx := context.Background()

	res := reserve(t, svc, "4", "SO-1")
	require.Equal(t, StatusReserved, res.Status)
	require.True(t, res.RemainingQty.Equal(dec("4")))

	available, err := svc.QueryAvailable(ctx, 1, 42)
	require.NoError(t, err)
	require.True(t, available.Equal(dec("6")), "got %s", available)

	// The physical ledger is untouched by a hold.
	require.Empty(t, repo.moves)
}

func TestReserveRejectsBeyondAvailability(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)

	reserve(t, svc, "8", "SO-1")

	_, err := svc.Reserve(context.Background(), ReserveInput{
		StoreID: 1, DeviceID: 42, Quantity: dec("3"), RefType: "sale", RefID: "SO-2",
	})
	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Available.Equal(dec("2")))
}

func TestReserveIdempotentByReference(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)

	first := reserve(t, svc, "4", "SO-1")
	second := reserve(t, svc, "4", "SO-1")
	require.Equal(t, first.ID, second.ID)

	available, err := svc.QueryAvailable(context.Background(), 1, 42)
	require.NoError(t, err)
	require.True(t, available.Equal(dec("6")))
}

func TestCancelRestoresAvailability(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)
	ctx := context.Background()

	res := reserve(t, svc, "4", "SO-1")
	require.NoError(t, svc.Cancel(ctx, res.ID, "customer backed out", 7))

	available, err := svc.QueryAvailable(ctx, 1, 42)
	require.NoError(t, err)
	require.True(t, available.Equal(dec("10")))

	stored, err := repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, stored.Status)
	require.Equal(t, "customer backed out", stored.ResolutionReason)
	require.NotNil(t, stored.ResolvedAt)

	// Cancelled is terminal.
	err = svc.Consume(ctx, res.ID, dec("1"), 7)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	err = svc.Cancel(ctx, res.ID, "again", 7)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConsumePostsOutboundMove(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)
	ctx := context.Background()

	res := reserve(t, svc, "4", "SO-1")
	require.NoError(t, svc.Consume(ctx, res.ID, dec("3"), 7))

	stored, err := repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, stored.Status)
	require.True(t, stored.RemainingQty.Equal(dec("1")))

	require.Len(t, repo.moves, 1)
	require.Equal(t, ledger.MoveKindOut, repo.moves[0].Kind)
	require.True(t, repo.moves[0].Quantity.Equal(dec("-3")))

	bal := repo.balances[balanceKey(1, 42)]
	require.True(t, bal.OnHand.Equal(dec("7")))

	// Available = 7 on hand - 1 still held.
	available, err := svc.QueryAvailable(ctx, 1, 42)
	require.NoError(t, err)
	require.True(t, available.Equal(dec("6")), "got %s", available)
}

func TestConsumeFullIsTerminalAndRetrySafe(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)
	ctx := context.Background()

	res := reserve(t, svc, "4", "SO-1")
	require.NoError(t, svc.Consume(ctx, res.ID, dec("4"), 7))

	stored, err := repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConsumed, stored.Status)
	require.True(t, stored.RemainingQty.IsZero())
	require.NotNil(t, stored.ConsumedAt)

	// Retried consume acknowledges without posting again.
	require.NoError(t, svc.Consume(ctx, res.ID, dec("4"), 7))
	require.Len(t, repo.moves, 1)

	err = svc.Cancel(ctx, res.ID, "too late", 7)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConsumeBeyondRemaining(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)

	res := reserve(t, svc, "4", "SO-1")
	err := svc.Consume(context.Background(), res.ID, dec("5"), 7)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	require.Empty(t, repo.moves)
}

func TestConsumeExpiresStaleHold(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)
	ctx := context.Background()

	res := reserve(t, svc, "4", "SO-1")

	// Force the hold past its TTL.
	stored, err := repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	repo.reservations[res.ID] = stored

	err = svc.Consume(ctx, res.ID, dec("4"), 7)
	require.ErrorIs(t, err, ErrExpired)

	// The transition was committed despite the error.
	after, err := repo.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, after.Status)
	require.Equal(t, "expired", after.ResolutionReason)
	require.Empty(t, repo.moves)

	// Availability is restored.
	available, err := svc.QueryAvailable(ctx, 1, 42)
	require.NoError(t, err)
	require.True(t, available.Equal(dec("10")))
}

func TestExpireDueSweepsAndIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)
	ctx := context.Background()

	fresh := reserve(t, svc, "2", "SO-1")
	stale := reserve(t, svc, "3", "SO-2")

	stored, err := repo.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	stored.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	repo.reservations[stale.ID] = stored

	count, err := svc.ExpireDue(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	after, err := repo.GetReservation(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, after.Status)

	untouched, err := repo.GetReservation(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReserved, untouched.Status)

	count, err = svc.ExpireDue(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestReserveValidation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveInput{StoreID: 1, DeviceID: 42, Quantity: dec("0"), RefType: "sale", RefID: "SO-1"})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.Reserve(ctx, ReserveInput{StoreID: 1, DeviceID: 42, Quantity: dec("1")})
	require.Error(t, err)

	err = svc.Consume(ctx, uuid.New(), dec("1"), 7)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentReservesNeverOversell(t *testing.T) {
	repo := newMemoryRepo()
	repo.seedBalance(1, 42, "10", "100.00", costing.MethodWeightedAverage)
	svc := newTestService(repo)

	const attempts = 25
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), ReserveInput{
				StoreID:  1,
				DeviceID: 42,
				Quantity: dec("1"),
				RefType:  "sale",
				RefID:    fmt.Sprintf("SO-%d", n),
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient *InsufficientStockError
		require.ErrorAs(t, err, &insufficient)
	}
	require.Equal(t, 10, succeeded)

	available, err := svc.QueryAvailable(context.Background(), 1, 42)
	require.NoError(t, err)
	require.True(t, available.IsZero())
}

package costing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryTx struct {
	entries []Entry
	lots    []Lot
	nextID  int64
}

func (tx *memoryTx) InsertEntry(ctx context.Context, entry Entry) (int64, error) {
	tx.nextID++
	entry.ID = tx.nextID
	tx.entries = append(tx.entries, entry)
	return entry.ID, nil
}

func (tx *memoryTx) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	tx.nextID++
	lot.ID = tx.nextID
	tx.lots = append(tx.lots, lot)
	return lot.ID, nil
}

func (tx *memoryTx) LotsForUpdate(ctx context.Context, storeID, deviceID int64) ([]Lot, error) {
	var out []Lot
	for _, lot := range tx.lots {
		if lot.StoreID == storeID && lot.DeviceID == deviceID {
			out = append(out, lot)
		}
	}
	return out, nil
}

func (tx *memoryTx) SetLotRemaining(ctx context.Context, lotID int64, remaining decimal.Decimal) error {
	for i := range tx.lots {
		if tx.lots[i].ID == lotID {
			tx.lots[i].RemainingQty = remaining
			return nil
		}
	}
	return nil
}

func (tx *memoryTx) DeleteLot(ctx context.Context, lotID int64) error {
	for i := range tx.lots {
		if tx.lots[i].ID == lotID {
			tx.lots = append(tx.lots[:i], tx.lots[i+1:]...)
			return nil
		}
	}
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ingest(t *testing.T, tx *memoryTx, bal *BalanceState, method Method, qty, cost string) []Entry {
	t.Helper()
	engine := NewEngine()
	entries, err := engine.Ingest(context.Background(), tx, IngestInput{
		MoveID:     1,
		StoreID:    1,
		DeviceID:   42,
		Quantity:   dec(qty),
		UnitCost:   dec(cost),
		Method:     method,
		OccurredAt: time.Now().UTC(),
	}, bal)
	require.NoError(t, err)
	return entries
}

func TestWeightedAverageBlendsReceipts(t *testing.T) {
	tx := &memoryTx{}
	bal := &BalanceState{}

	ingest(t, tx, bal, MethodWeightedAverage, "10", "100.00")
	require.True(t, bal.OnHand.Equal(dec("10")))
	require.True(t, bal.AvgCost.Equal(dec("100.00")), "got %s", bal.AvgCost)

	// (10*100 + 5*130) / 15 = 110
	ingest(t, tx, bal, MethodWeightedAverage, "5", "130.00")
	require.True(t, bal.OnHand.Equal(dec("15")))
	require.True(t, bal.AvgCost.Equal(dec("110.00")), "got %s", bal.AvgCost)
}

func TestWeightedAverageOutboundKeepsRunningCost(t *testing.T) {
	tx := &memoryTx{}
	bal := &BalanceState{}
	ingest(t, tx, bal, MethodWeightedAverage, "10", "100.00")
	ingest(t, tx, bal, MethodWeightedAverage, "5", "130.00")

	entries := ingest(t, tx, bal, MethodWeightedAverage, "-8", "0")
	require.Len(t, entries, 1)
	require.True(t, entries[0].UnitCost.Equal(dec("110.00")))
	require.True(t, entries[0].Quantity.Equal(dec("8")))
	require.True(t, bal.OnHand.Equal(dec("7")))
	require.True(t, bal.AvgCost.Equal(dec("110.00")))
}

func TestWeightedAverageRoundsHalfUp(t *testing.T) {
	tx := &memoryTx{}
	bal := &BalanceState{}
	ingest(t, tx, bal, MethodWeightedAverage, "1", "0.01")
	ingest(t, tx, bal, MethodWeightedAverage, "2", "0.02")
	// (0.01 + 0.04) / 3 = 0.01666... -> 0.02
	require.True(t, bal.AvgCost.Equal(dec("0.02")), "got %s", bal.AvgCost)
}

func TestFIFOConsumesOldestFirst(t *testing.T) {
	tx := &memoryTx{}
	bal := &BalanceState{}
	ingest(t, tx, bal, MethodFIFO, "4", "50.00")
	ingest(t, tx, bal, MethodFIFO, "6", "60.00")
	require.Len(t, tx.lots, 2)

	entries := ingest(t, tx, bal, MethodFIFO, "-7", "0")
	require.Len(t, entries, 2)
	require.True(t, entries[0].Quantity.Equal(dec("4")))
	require.True(t, entries[0].UnitCost.Equal(dec("50.00")))
	require.True(t, entries[1].Quantity.Equal(dec("3")))
	require.True(t, entries[1].UnitCost.Equal(dec("60.00")))

	require.Len(t, tx.lots, 1)
	require.True(t, tx.lots[0].RemainingQty.Equal(dec("3")))
	require.True(t, tx.lots[0].UnitCost.Equal(dec("60.00")))
	require.True(t, bal.OnHand.Equal(dec("3")))
	// Only the 60.00 lot remains, so the implied average follows it.
	require.True(t, bal.AvgCost.Equal(dec("60.00")), "got %s", bal.AvgCost)
}

func TestFIFOEntryQuantitiesSumToMove(t *testing.T) {
	tx := &memoryTx{}
	bal := &BalanceState{}
	ingest(t, tx, bal, MethodFIFO, "2", "10.00")
	ingest(t, tx, bal, MethodFIFO, "2", "11.00")
	ingest(t, tx, bal, MethodFIFO, "2", "12.00")

	entries := ingest(t, tx, bal, MethodFIFO, "-5", "0")
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Quantity)
	}
	require.True(t, total.Equal(dec("5")))
}

func TestFIFOUnderflow(t *testing.T) {
	tx := &memoryTx{}
	bal := &BalanceState{}
	ingest(t, tx, bal, MethodFIFO, "4", "50.00")

	engine := NewEngine()
	before := len(tx.entries)
	_, err := engine.Ingest(context.Background(), tx, IngestInput{
		MoveID:   2,
		StoreID:  1,
		DeviceID: 42,
		Quantity: dec("-5"),
		Method:   MethodFIFO,
	}, bal)
	var underflow *UnderflowError
	require.ErrorAs(t, err, &underflow)
	require.True(t, underflow.Requested.Equal(dec("5")))
	require.True(t, underflow.Available.Equal(dec("4")))
	require.Len(t, tx.entries, before)
	require.True(t, bal.OnHand.Equal(dec("4")), "underflow must not mutate the balance")
}

func TestIngestRejectsZeroQuantity(t *testing.T) {
	engine := NewEngine()
	_, err := engine.Ingest(context.Background(), &memoryTx{}, IngestInput{
		StoreID:  1,
		DeviceID: 42,
		Quantity: decimal.Zero,
		Method:   MethodWeightedAverage,
	}, &BalanceState{})
	require.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("FIFO")
	require.NoError(t, err)
	require.Equal(t, MethodFIFO, m)

	_, err = ParseMethod("LIFO")
	require.Error(t, err)
}

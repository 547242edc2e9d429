package service

import (
	"context"
	"errors"
	"testing"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
)

func TestStockInComputesWeightedAverage(t *testing.T) {
	svc, _ := newTestService(Options{})

	mustStockIn(t, svc, testKey, 10, 10000)
	mustStockIn(t, svc, testKey, 10, 20000)

	item, err := svc.GetInventoryItem(context.Background(), testKey)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.Quantity != 20 {
		t.Fatalf("expected 20 units, got %d", item.Quantity)
	}
	if item.AverageCostCents != 15000 {
		t.Fatalf("expected average 15000, got %d", item.AverageCostCents)
	}
	if item.CostCents != 20000 {
		t.Fatalf("expected last unit cost 20000, got %d", item.CostCents)
	}
}

func TestStockOutValuedAtAverageCost(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	mustStockIn(t, svc, testKey, 10, 20000)

	item, txn, err := svc.StockOut(staffCtx(), domain.StockOutRequest{Key: testKey, Quantity: 5})
	if err != nil {
		t.Fatalf("stock out failed: %v", err)
	}
	if item.Quantity != 15 {
		t.Fatalf("expected 15 units after out, got %d", item.Quantity)
	}
	if txn.CostCents != 15000 {
		t.Fatalf("expected OUT valued at average 15000, got %d", txn.CostCents)
	}
	if txn.QuantityChange != -5 {
		t.Fatalf("expected change -5, got %d", txn.QuantityChange)
	}
	// Outbound movement never shifts the average.
	if item.AverageCostCents != 15000 {
		t.Fatalf("expected average unchanged at 15000, got %d", item.AverageCostCents)
	}
}

func TestStockOutInsufficient(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 3, 10000)

	_, _, err := svc.StockOut(staffCtx(), domain.StockOutRequest{Key: testKey, Quantity: 4})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := itemQuantity(t, svc, testKey); got != 3 {
		t.Fatalf("expected stock untouched at 3, got %d", got)
	}
}

func TestStockOutUnknownItem(t *testing.T) {
	svc, _ := newTestService(Options{})

	_, _, err := svc.StockOut(staffCtx(), domain.StockOutRequest{Key: testKey, Quantity: 1})
	if !errors.Is(err, store.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestStockInRejectsBadQuantity(t *testing.T) {
	svc, _ := newTestService(Options{})

	_, _, err := svc.StockIn(staffCtx(), domain.StockInRequest{Key: testKey, Quantity: 0, UnitCostCents: 100})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for zero qty, got %v", err)
	}
	_, _, err = svc.StockIn(staffCtx(), domain.StockInRequest{Key: testKey, Quantity: 5, UnitCostCents: -1})
	if !errors.Is(err, store.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity for negative cost, got %v", err)
	}
}

func TestAdjustStockRecordsSignedDelta(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)

	item, txn, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{Key: testKey, NewQuantity: 7})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if item.Quantity != 7 {
		t.Fatalf("expected 7 after adjust, got %d", item.Quantity)
	}
	if txn.QuantityChange != -3 {
		t.Fatalf("expected delta -3, got %d", txn.QuantityChange)
	}

	// A no-change stocktake still leaves an audit row in the ledger.
	_, txn, err = svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{Key: testKey, NewQuantity: 7})
	if err != nil {
		t.Fatalf("second adjust failed: %v", err)
	}
	if txn.QuantityChange != 0 {
		t.Fatalf("expected zero delta, got %d", txn.QuantityChange)
	}
}

// Conservation: an item's quantity must always equal the sum of its ledger
// movements, whatever mix of operations produced it.
func TestLedgerConservation(t *testing.T) {
	svc, _ := newTestService(Options{})

	mustStockIn(t, svc, testKey, 10, 10000)
	if _, _, err := svc.StockOut(staffCtx(), domain.StockOutRequest{Key: testKey, Quantity: 4}); err != nil {
		t.Fatalf("stock out failed: %v", err)
	}
	mustStockIn(t, svc, testKey, 6, 12000)
	if _, _, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{Key: testKey, NewQuantity: 9}); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	txns, err := svc.ListInventoryTransactions(context.Background(), &testKey, 0)
	if err != nil {
		t.Fatalf("list transactions failed: %v", err)
	}
	sum := 0
	for _, txn := range txns {
		sum += txn.QuantityChange
	}
	if got := itemQuantity(t, svc, testKey); sum != got {
		t.Fatalf("ledger sum %d does not match quantity %d", sum, got)
	}
}

func TestInventoryStats(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	other := domain.ItemKey{ProductID: "prod-tas-02", VariantID: "var-merah", Size: "L"}
	mustStockIn(t, svc, other, 4, 5000)

	stats, err := svc.InventoryStats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalItems != 2 {
		t.Fatalf("expected 2 items, got %d", stats.TotalItems)
	}
	if stats.TotalUnits != 14 {
		t.Fatalf("expected 14 units, got %d", stats.TotalUnits)
	}
	if stats.TotalValueCents != 10*10000+4*5000 {
		t.Fatalf("unexpected total value %d", stats.TotalValueCents)
	}
}

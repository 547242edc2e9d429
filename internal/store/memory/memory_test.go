package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
)

var key = domain.ItemKey{ProductID: "prod-1", VariantID: "var-1", Size: "42"}

func seedOrder(t *testing.T, s *Store, qty int, status domain.OrderStatus) *domain.Order {
	t.Helper()
	now := time.Now().UTC()
	order, err := s.CreateOrder(context.Background(), domain.Order{
		ID:            "ord-" + string(status) + "-1",
		CustomerID:    "cust-1",
		Items:         []domain.OrderItem{{Key: key, Quantity: qty, UnitPriceCents: 20000, UnitCostCents: 10000}},
		SubtotalCents: int64(qty) * 20000,
		TotalCents:    int64(qty) * 20000,
		PaymentMethod: domain.PaymentMethodCOD,
		PaymentStatus: domain.PaymentStatusPending,
		Status:        domain.StatusPending,
		StatusHistory: []domain.StatusChange{{Status: domain.StatusPending, At: now}},
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if status != domain.StatusPending {
		order, err = s.TransitionOrder(context.Background(), order.ID, domain.StatusPending, status,
			domain.StatusChange{Status: status, At: now})
		if err != nil {
			t.Fatalf("transition to %s failed: %v", status, err)
		}
	}
	return order
}

func TestConcurrentStockMovementsConserveQuantity(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := s.StockIn(ctx, key, 1000, 5000, 0, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _, _ = s.StockIn(ctx, key, 2, 5000, 0, "in", "", "tester", now)
				_, _, _ = s.StockOut(ctx, key, 1, "out", "", "tester", now)
			}
		}()
	}
	wg.Wait()

	item, err := s.GetInventoryItem(ctx, key)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	txns, err := s.ListInventoryTransactions(ctx, &key, 0)
	if err != nil {
		t.Fatalf("list txns failed: %v", err)
	}
	sum := 0
	for _, txn := range txns {
		sum += txn.QuantityChange
	}
	if sum != item.Quantity {
		t.Fatalf("ledger sum %d does not match quantity %d", sum, item.Quantity)
	}
	if item.Quantity != 1000+workers*20 {
		t.Fatalf("expected %d units, got %d", 1000+workers*20, item.Quantity)
	}
}

func TestStockNeverGoesNegative(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := s.StockIn(ctx, key, 5, 5000, 0, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.StockOut(ctx, key, 1, "out", "", "tester", now)
		}()
	}
	wg.Wait()

	item, err := s.GetInventoryItem(ctx, key)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.Quantity != 0 {
		t.Fatalf("expected exactly 0, got %d", item.Quantity)
	}
}

func TestTransitionOrderCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, _, err := s.StockIn(ctx, key, 10, 5000, 0, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	order := seedOrder(t, s, 1, domain.StatusConfirmed)

	// Replaying the original transition must fail the status check.
	_, err := s.TransitionOrder(ctx, order.ID, domain.StatusPending, domain.StatusConfirmed,
		domain.StatusChange{Status: domain.StatusConfirmed, At: now})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Illegal pairs are rejected before the status check.
	_, err = s.TransitionOrder(ctx, order.ID, domain.StatusConfirmed, domain.StatusDelivered,
		domain.StatusChange{Status: domain.StatusDelivered, At: now})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAssignShipperDeductConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, _, err := s.StockIn(ctx, key, 10, 5000, 0, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := s.CreateShipper(ctx, domain.Shipper{ID: "shp-1", Name: "Kurir", Active: true, MaxActiveOrders: 10}); err != nil {
		t.Fatalf("create shipper failed: %v", err)
	}
	order := seedOrder(t, s, 3, domain.StatusConfirmed)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AssignShipperDeduct(ctx, order.ID, "shp-1", "tester", now)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, store.ErrAlreadyProcessed) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}

	item, err := s.GetInventoryItem(ctx, key)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.Quantity != 7 {
		t.Fatalf("expected single deduction to 7, got %d", item.Quantity)
	}
	shipper, err := s.GetShipper(ctx, "shp-1")
	if err != nil {
		t.Fatalf("get shipper failed: %v", err)
	}
	if shipper.ActiveOrders != 1 {
		t.Fatalf("expected one active order on shipper, got %d", shipper.ActiveOrders)
	}
}

func TestCancelAndRestoreIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, _, err := s.StockIn(ctx, key, 10, 5000, 0, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	order := seedOrder(t, s, 2, domain.StatusPending)
	entry := domain.StatusChange{Status: domain.StatusCancelled, At: now, Actor: "tester"}

	cancelled, restored, err := s.CancelAndRestore(ctx, order.ID, domain.StatusPending, entry, "")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if restored {
		t.Fatalf("expected no restoration for undeducted order")
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	// The second cancel is a silent no-op.
	again, restored, err := s.CancelAndRestore(ctx, order.ID, domain.StatusPending, entry, "")
	if err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if restored {
		t.Fatalf("expected no restoration on repeat cancel")
	}
	if again.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", again.Status)
	}
}

func TestRestoreUsesZeroCost(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, _, err := s.StockIn(ctx, key, 10, 5000, 0, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := s.CreateShipper(ctx, domain.Shipper{ID: "shp-1", Name: "Kurir", Active: true, MaxActiveOrders: 10}); err != nil {
		t.Fatalf("create shipper failed: %v", err)
	}
	order := seedOrder(t, s, 4, domain.StatusConfirmed)
	if _, err := s.AssignShipperDeduct(ctx, order.ID, "shp-1", "tester", now); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	// Simulate the escalated path so a cancel actually restores stock.
	if _, err := s.TransitionOrder(ctx, order.ID, domain.StatusAssignedToShipper, domain.StatusOutForDelivery,
		domain.StatusChange{Status: domain.StatusOutForDelivery, At: now}); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	for i := 0; i < domain.MaxDeliveryFailures; i++ {
		updated, err := s.RecordDeliveryAttempt(ctx, order.ID, domain.DeliveryAttempt{Outcome: domain.DeliveryOutcomeFailed, RecordedBy: "tester", At: now})
		if err != nil {
			t.Fatalf("attempt %d failed: %v", i+1, err)
		}
		if updated.Status == domain.StatusDeliveryFailed {
			if _, err := s.TransitionOrder(ctx, order.ID, domain.StatusDeliveryFailed, domain.StatusOutForDelivery,
				domain.StatusChange{Status: domain.StatusOutForDelivery, At: now}); err != nil {
				t.Fatalf("re-dispatch failed: %v", err)
			}
		}
	}

	entry := domain.StatusChange{Status: domain.StatusCancelled, At: now, Actor: "tester"}
	_, restored, err := s.CancelAndRestore(ctx, order.ID, domain.StatusReturningToWarehouse, entry, "")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !restored {
		t.Fatalf("expected restoration")
	}

	item, err := s.GetInventoryItem(ctx, key)
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.Quantity != 10 {
		t.Fatalf("expected stock back to 10, got %d", item.Quantity)
	}
	// Restoration re-enters at zero cost, diluting the average.
	if item.AverageCostCents != 3000 {
		t.Fatalf("expected average diluted to 3000, got %d", item.AverageCostCents)
	}

	txns, err := s.ListInventoryTransactions(ctx, &key, 1)
	if err != nil {
		t.Fatalf("list txns failed: %v", err)
	}
	if txns[0].Reason != "cancelled" || txns[0].CostCents != 0 {
		t.Fatalf("expected zero-cost cancelled row, got reason=%q cost=%d", txns[0].Reason, txns[0].CostCents)
	}
}

func TestLowStockFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	low := domain.ItemKey{ProductID: "prod-low", VariantID: "var-1", Size: "40"}
	if _, _, err := s.StockIn(ctx, low, 3, 1000, 5, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed low failed: %v", err)
	}
	if _, _, err := s.StockIn(ctx, key, 50, 1000, 5, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed ok failed: %v", err)
	}

	items, err := s.ListInventoryItems(ctx, true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].Key != low {
		t.Fatalf("expected only the low item, got %d", len(items))
	}
}

func TestSeededStoreSanity(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	items, err := s.ListInventoryItems(ctx, false)
	if err != nil {
		t.Fatalf("list items failed: %v", err)
	}
	if len(items) == 0 {
		t.Fatalf("expected seeded items")
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	roles := map[string]bool{}
	for _, user := range users {
		roles[user.Role] = true
		if user.Password == "" || user.Password[0] != '$' {
			t.Fatalf("expected hashed seed password for %s", user.Username)
		}
	}
	if !roles["admin"] || !roles["staff"] {
		t.Fatalf("expected admin and staff seed users")
	}

	if _, err := s.GetShipper(ctx, "shp-seed-1"); err != nil {
		t.Fatalf("expected seeded shipper: %v", err)
	}
}

func TestApproveLapsedReturnRequest(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, _, err := s.StockIn(ctx, key, 10, 5000, 0, "seed", "", "tester", now); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	order := seedOrder(t, s, 1, domain.StatusConfirmed)
	for _, to := range []domain.OrderStatus{domain.StatusAssignedToShipper, domain.StatusOutForDelivery, domain.StatusDelivered} {
		var err error
		order, err = s.TransitionOrder(ctx, order.ID, order.Status, to, domain.StatusChange{Status: to, At: now})
		if err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}

	req := domain.ReturnRequest{
		ID:        "ret-lapsed-1",
		OrderID:   order.ID,
		Reason:    "defect",
		Status:    domain.ReturnStatusPending,
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-8 * 24 * time.Hour),
	}
	if _, err := s.CreateReturnRequest(ctx, req); err != nil {
		t.Fatalf("create request failed: %v", err)
	}

	// Approval past the deadline fails even when no sweep has run.
	_, err := s.UpdateReturnRequestStatus(ctx, req.ID, domain.ReturnStatusPending, domain.ReturnStatusApproved, "", "", now)
	if !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	// Rejection still works, so staff or the sweep can close it out.
	rejected, err := s.UpdateReturnRequestStatus(ctx, req.ID, domain.ReturnStatusPending, domain.ReturnStatusRejected, "", "expired", now)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != domain.ReturnStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
}

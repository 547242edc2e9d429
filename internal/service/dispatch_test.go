package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
)

func TestAssignShipperDeductsExactlyOnce(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 3)
	mustConfirm(t, svc, order.ID)
	shipper := mustCreateShipper(t, svc, 10)

	assigned := mustAssign(t, svc, order.ID, shipper.ID)
	if assigned.Status != domain.StatusAssignedToShipper {
		t.Fatalf("expected assigned_to_shipper, got %s", assigned.Status)
	}
	if !assigned.InventoryDeducted {
		t.Fatalf("expected inventory deducted flag set")
	}
	if got := itemQuantity(t, svc, testKey); got != 7 {
		t.Fatalf("expected 7 after deduction, got %d", got)
	}

	_, err := svc.AssignShipper(staffCtx(), order.ID, domain.AssignShipperRequest{ShipperID: shipper.ID})
	if !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on second assign, got %v", err)
	}
	if got := itemQuantity(t, svc, testKey); got != 7 {
		t.Fatalf("expected no double deduction, got %d", got)
	}
}

func TestAssignShipperConcurrent(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)
	mustConfirm(t, svc, order.ID)
	shipper := mustCreateShipper(t, svc, 10)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AssignShipper(staffCtx(), order.ID, domain.AssignShipperRequest{ShipperID: shipper.ID})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, store.ErrAlreadyProcessed) && !errors.Is(err, store.ErrConflict) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if got := itemQuantity(t, svc, testKey); got != 8 {
		t.Fatalf("expected single deduction to 8, got %d", got)
	}
}

func TestAssignShipperChecksCapacityAndActive(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	shipper := mustCreateShipper(t, svc, 1)

	first := mustCreateOrder(t, svc, 1)
	mustConfirm(t, svc, first.ID)
	mustAssign(t, svc, first.ID, shipper.ID)

	second := mustCreateOrder(t, svc, 1)
	mustConfirm(t, svc, second.ID)
	_, err := svc.AssignShipper(staffCtx(), second.ID, domain.AssignShipperRequest{ShipperID: shipper.ID})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput at capacity, got %v", err)
	}

	_, err = svc.AssignShipper(staffCtx(), second.ID, domain.AssignShipperRequest{ShipperID: "shp-missing"})
	if !errors.Is(err, store.ErrShipperNotFound) {
		t.Fatalf("expected ErrShipperNotFound, got %v", err)
	}
}

func TestAssignShipperRequiresConfirmedOrder(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 1)
	shipper := mustCreateShipper(t, svc, 10)

	_, err := svc.AssignShipper(staffCtx(), order.ID, domain.AssignShipperRequest{ShipperID: shipper.ID})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on pending order, got %v", err)
	}
}

func TestDeliverySuccessMarksCODPaid(t *testing.T) {
	svc, _ := newTestService(Options{})
	order := deliveredOrder(t, svc, 2)

	if order.Status != domain.StatusDelivered {
		t.Fatalf("expected delivered, got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected COD marked paid on delivery, got %s", order.PaymentStatus)
	}
	if order.DeliveredAt == nil {
		t.Fatalf("expected delivered_at set")
	}

	shipper, err := svc.GetShipper(context.Background(), order.AssignedShipperID)
	if err != nil {
		t.Fatalf("get shipper failed: %v", err)
	}
	if shipper.ActiveOrders != 0 {
		t.Fatalf("expected shipper load released, got %d", shipper.ActiveOrders)
	}
}

func TestDeliveryAttemptValidation(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 1)

	_, err := svc.RecordDeliveryAttempt(staffCtx(), order.ID, domain.DeliveryAttemptRequest{Outcome: "lost"})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for outcome, got %v", err)
	}

	_, err = svc.RecordDeliveryAttempt(staffCtx(), order.ID, domain.DeliveryAttemptRequest{Outcome: domain.DeliveryOutcomeFailed})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on pending order, got %v", err)
	}
}

func TestThreeFailedDeliveriesEscalate(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 4)
	mustConfirm(t, svc, order.ID)
	shipper := mustCreateShipper(t, svc, 10)
	mustAssign(t, svc, order.ID, shipper.ID)

	mustDispatch(t, svc, order.ID)
	first := mustAttempt(t, svc, order.ID, domain.DeliveryOutcomeFailed)
	if first.Status != domain.StatusDeliveryFailed {
		t.Fatalf("expected delivery_failed, got %s", first.Status)
	}

	mustDispatch(t, svc, order.ID)
	mustAttempt(t, svc, order.ID, domain.DeliveryOutcomeFailed)

	mustDispatch(t, svc, order.ID)
	third := mustAttempt(t, svc, order.ID, domain.DeliveryOutcomeFailed)
	if third.Status != domain.StatusReturningToWarehouse {
		t.Fatalf("expected escalation to returning_to_warehouse, got %s", third.Status)
	}
	// Goods are still on the truck; stock stays deducted until staff confirm.
	if !third.InventoryDeducted {
		t.Fatalf("expected inventory still deducted after escalation")
	}
	if got := itemQuantity(t, svc, testKey); got != 6 {
		t.Fatalf("expected stock still 6, got %d", got)
	}

	received, err := svc.ConfirmReturnReceived(staffCtx(), order.ID)
	if err != nil {
		t.Fatalf("confirm receipt failed: %v", err)
	}
	if received.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled after receipt, got %s", received.Status)
	}
	if got := itemQuantity(t, svc, testKey); got != 10 {
		t.Fatalf("expected stock restored to 10, got %d", got)
	}

	// Receipt is idempotent at the error level, never a double credit.
	if _, err := svc.ConfirmReturnReceived(staffCtx(), order.ID); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed on second receipt, got %v", err)
	}
	if got := itemQuantity(t, svc, testKey); got != 10 {
		t.Fatalf("expected stock unchanged at 10, got %d", got)
	}
}

func TestCreateShipperValidation(t *testing.T) {
	svc, _ := newTestService(Options{})

	if _, err := svc.CreateShipper(adminCtx(), domain.ShipperCreateRequest{Name: "  "}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}
	if _, err := svc.CreateShipper(staffCtx(), domain.ShipperCreateRequest{Name: "Kurir"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for staff, got %v", err)
	}

	shipper, err := svc.CreateShipper(adminCtx(), domain.ShipperCreateRequest{Name: "Kurir"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if shipper.MaxActiveOrders != 10 {
		t.Fatalf("expected default capacity 10, got %d", shipper.MaxActiveOrders)
	}
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
	"kirimaja/backend/internal/store/memory"
)

// confirmDuringCancel confirms the order in the gap between the status read
// and the request insert, reproducing a request racing a staff confirmation.
type confirmDuringCancel struct {
	store.Repository
	tripped bool
}

func (r *confirmDuringCancel) CreateCancelRequest(ctx context.Context, req domain.CancelRequest) (*domain.CancelRequest, error) {
	if !r.tripped {
		r.tripped = true
		entry := domain.StatusChange{Status: domain.StatusConfirmed, At: time.Now().UTC(), Actor: "staff"}
		if _, err := r.Repository.TransitionOrder(ctx, req.OrderID, domain.StatusPending, domain.StatusConfirmed, entry); err != nil {
			return nil, err
		}
	}
	return r.Repository.CreateCancelRequest(ctx, req)
}

func TestCancelPendingAutoApproves(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)

	request, cancelled, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "changed my mind"})
	if err != nil {
		t.Fatalf("request cancel failed: %v", err)
	}
	if request.Status != domain.CancelStatusApproved {
		t.Fatalf("expected auto-approved request, got %s", request.Status)
	}
	if request.ResolvedAt == nil {
		t.Fatalf("expected resolved_at set")
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled order, got %s", cancelled.Status)
	}
	// Nothing was deducted, so nothing moves in the ledger.
	if got := itemQuantity(t, svc, testKey); got != 10 {
		t.Fatalf("expected stock untouched at 10, got %d", got)
	}
}

func TestCancelConfirmedFreezesOrder(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)
	mustConfirm(t, svc, order.ID)
	shipper := mustCreateShipper(t, svc, 10)

	request, frozen, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "wrong size"})
	if err != nil {
		t.Fatalf("request cancel failed: %v", err)
	}
	if request.Status != domain.CancelStatusPending {
		t.Fatalf("expected pending request, got %s", request.Status)
	}
	if !frozen.HasCancelRequest {
		t.Fatalf("expected order frozen by cancel request")
	}
	if frozen.Status != domain.StatusConfirmed {
		t.Fatalf("expected order still confirmed, got %s", frozen.Status)
	}

	// Frozen orders cannot move forward.
	_, err = svc.AssignShipper(staffCtx(), order.ID, domain.AssignShipperRequest{ShipperID: shipper.ID})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition while frozen, got %v", err)
	}
}

func TestResolveCancelApprove(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)
	mustConfirm(t, svc, order.ID)
	request, _, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "wrong size"})
	if err != nil {
		t.Fatalf("request cancel failed: %v", err)
	}

	resolved, cancelled, err := svc.ResolveCancel(staffCtx(), request.ID, domain.ResolveCancelRequest{Approve: true})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Status != domain.CancelStatusApproved {
		t.Fatalf("expected approved, got %s", resolved.Status)
	}
	if cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled order, got %s", cancelled.Status)
	}

	// Resolution is single-shot.
	_, _, err = svc.ResolveCancel(staffCtx(), request.ID, domain.ResolveCancelRequest{Approve: true})
	if !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestResolveCancelRejectUnfreezes(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)
	mustConfirm(t, svc, order.ID)
	shipper := mustCreateShipper(t, svc, 10)
	request, _, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "maybe not"})
	if err != nil {
		t.Fatalf("request cancel failed: %v", err)
	}

	rejected, unfrozen, err := svc.ResolveCancel(staffCtx(), request.ID, domain.ResolveCancelRequest{Approve: false, Note: "already packed"})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != domain.CancelStatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if unfrozen.HasCancelRequest {
		t.Fatalf("expected freeze lifted after rejection")
	}

	// The order proceeds normally after rejection.
	assigned := mustAssign(t, svc, order.ID, shipper.ID)
	if assigned.Status != domain.StatusAssignedToShipper {
		t.Fatalf("expected assignment after unfreeze, got %s", assigned.Status)
	}
}

func TestCancelRacingConfirmationFallsBackToFreeze(t *testing.T) {
	repo := &confirmDuringCancel{Repository: memory.New()}
	svc := New(repo, nil, nil, nil, nil, Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)

	// The order was pending when the request came in but is confirmed by the
	// time auto-approval runs; the request must survive as a frozen pending
	// request rather than error out.
	request, frozen, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "too slow"})
	if err != nil {
		t.Fatalf("request cancel failed: %v", err)
	}
	if request.Status != domain.CancelStatusPending {
		t.Fatalf("expected pending request, got %s", request.Status)
	}
	if frozen.Status != domain.StatusConfirmed || !frozen.HasCancelRequest {
		t.Fatalf("expected frozen confirmed order, got %s (frozen=%v)", frozen.Status, frozen.HasCancelRequest)
	}

	// Staff can still resolve it like any other confirmed-order request.
	resolved, cancelled, err := svc.ResolveCancel(staffCtx(), request.ID, domain.ResolveCancelRequest{Approve: true})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if resolved.Status != domain.CancelStatusApproved || cancelled.Status != domain.StatusCancelled {
		t.Fatalf("expected approved/cancelled, got %s/%s", resolved.Status, cancelled.Status)
	}
}

func TestCancelRequestRejectedStates(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)
	mustConfirm(t, svc, order.ID)

	if _, _, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "first"}); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	// Only one open request per order.
	_, _, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "second"})
	if !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	shipped := deliveredOrder(t, svc, 1)
	_, _, err = svc.RequestCancel(context.Background(), shipped.ID, domain.CancelCreateRequest{Reason: "too late"})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition past confirmed, got %v", err)
	}
}

package service

import (
	"context"
	"errors"
	"testing"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
)

func TestRefundCancelledOrderPaysFullTotal(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 2)
	if _, _, err := svc.RequestCancel(context.Background(), order.ID, domain.CancelCreateRequest{Reason: "mind changed"}); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	refunded, err := svc.ProcessRefund(staffCtx(), order.ID, domain.ProcessRefundRequest{Method: "transfer"})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded.Status != domain.StatusRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	if refunded.Refund == nil || refunded.Refund.AmountCents != order.TotalCents {
		t.Fatalf("expected full total refund %d, got %+v", order.TotalCents, refunded.Refund)
	}
	if refunded.Refund.ProcessedBy != "staff" {
		t.Fatalf("expected processed_by staff, got %s", refunded.Refund.ProcessedBy)
	}

	// The refund record is set-once.
	if _, err := svc.ProcessRefund(staffCtx(), order.ID, domain.ProcessRefundRequest{}); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
}

func TestRefundReturnedOrderUsesRequestAmount(t *testing.T) {
	svc, repo := newTestService(Options{ReturnShippingFeeCents: 3000})
	order := deliveredOrder(t, svc, 2)

	request, err := svc.RequestReturn(context.Background(), order.ID, domain.ReturnCreateRequest{Reason: "defect", RefundMethod: "ewallet"})
	if err != nil {
		t.Fatalf("request return failed: %v", err)
	}
	if _, err := svc.ResolveReturn(staffCtx(), request.ID, domain.ResolveReturnRequest{Approve: true}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := svc.AssignReturnShipper(staffCtx(), request.ID, domain.AssignShipperRequest{ShipperID: order.AssignedShipperID}); err != nil {
		t.Fatalf("assign return shipper failed: %v", err)
	}
	if _, err := svc.ConfirmReturnReceived(staffCtx(), order.ID); err != nil {
		t.Fatalf("confirm receipt failed: %v", err)
	}

	refunded, err := svc.ProcessRefund(staffCtx(), order.ID, domain.ProcessRefundRequest{})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded.Refund.AmountCents != request.RefundAmountCents {
		t.Fatalf("expected request amount %d, got %d", request.RefundAmountCents, refunded.Refund.AmountCents)
	}
	if refunded.Refund.Method != "ewallet" {
		t.Fatalf("expected method from request, got %s", refunded.Refund.Method)
	}

	// Settling the order also closes out the return request.
	closed, err := repo.GetReturnRequest(context.Background(), request.ID)
	if err != nil {
		t.Fatalf("get request failed: %v", err)
	}
	if closed.Status != domain.ReturnStatusCompleted {
		t.Fatalf("expected completed request, got %s", closed.Status)
	}
}

func TestRefundRejectsActiveOrders(t *testing.T) {
	svc, _ := newTestService(Options{})
	mustStockIn(t, svc, testKey, 10, 10000)
	order := mustCreateOrder(t, svc, 1)
	mustConfirm(t, svc, order.ID)

	_, err := svc.ProcessRefund(staffCtx(), order.ID, domain.ProcessRefundRequest{})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRefundRequiresRole(t *testing.T) {
	svc, _ := newTestService(Options{})

	_, err := svc.ProcessRefund(context.Background(), "ord-x", domain.ProcessRefundRequest{})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

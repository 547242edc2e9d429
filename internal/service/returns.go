package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/metrics"
	"kirimaja/backend/internal/store"
	"kirimaja/backend/internal/xid"
)

// RequestReturn opens a return for a delivered order inside the return
// window. The refundable amount is the order total minus the return shipping
// fee, never negative. The request itself expires after the approval SLA.
func (s *Service) RequestReturn(ctx context.Context, orderID string, req domain.ReturnCreateRequest) (domain.ReturnRequest, error) {
	orderID = strings.TrimSpace(orderID)
	reason := strings.TrimSpace(req.Reason)
	if orderID == "" || reason == "" {
		return domain.ReturnRequest{}, store.ErrInvalidInput
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	if order.Status != domain.StatusDelivered {
		return domain.ReturnRequest{}, fmt.Errorf("%w: return on %s", store.ErrInvalidTransition, order.Status)
	}

	now := time.Now().UTC()
	if order.DeliveredAt == nil || now.Sub(*order.DeliveredAt) > s.returnWindow {
		return domain.ReturnRequest{}, store.ErrWindowExpired
	}

	refund := order.TotalCents - s.returnShippingFeeCents
	if refund < 0 {
		refund = 0
	}

	request := domain.ReturnRequest{
		ID:                xid.New("ret"),
		OrderID:           orderID,
		Reason:            reason,
		RefundMethod:      strings.TrimSpace(req.RefundMethod),
		BankInfo:          strings.TrimSpace(req.BankInfo),
		RefundAmountCents: refund,
		Status:            domain.ReturnStatusPending,
		ExpiresAt:         now.Add(s.returnWindow),
		CreatedAt:         now,
	}

	created, err := s.repo.CreateReturnRequest(ctx, request)
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	s.logAudit(ctx, "return_request", "order", orderID, reason)
	s.notifyAsync(order.CustomerID, domain.EventReturnRequested, created.ID, map[string]any{"refund_cents": refund})

	return *created, nil
}

func (s *Service) ResolveReturn(ctx context.Context, requestID string, req domain.ResolveReturnRequest) (domain.ReturnRequest, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.ReturnRequest{}, err
	}

	requestID = strings.TrimSpace(requestID)
	request, err := s.repo.GetReturnRequest(ctx, requestID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	now := time.Now().UTC()
	if req.Approve && request.Status == domain.ReturnStatusPending &&
		!request.ExpiresAt.IsZero() && !now.Before(request.ExpiresAt) {
		// The approval SLA lapsed; the sweep owns this request now.
		return domain.ReturnRequest{}, store.ErrAlreadyProcessed
	}

	to := domain.ReturnStatusApproved
	event := domain.EventReturnApproved
	note := ""
	if !req.Approve {
		to = domain.ReturnStatusRejected
		event = domain.EventReturnRejected
		note = strings.TrimSpace(req.Note)
		if note == "" {
			note = "rejected"
		}
	}

	updated, err := s.repo.UpdateReturnRequestStatus(ctx, requestID, domain.ReturnStatusPending, to, "", note, now)
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	order, err := s.repo.GetOrder(ctx, updated.OrderID)
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	s.logAudit(ctx, "return_"+to, "return_request", requestID, note)
	s.notifyAsync(order.CustomerID, event, updated.ID, nil)

	return *updated, nil
}

// AssignReturnShipper books a courier for the customer-to-warehouse leg.
func (s *Service) AssignReturnShipper(ctx context.Context, requestID string, req domain.AssignShipperRequest) (domain.ReturnRequest, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.ReturnRequest{}, err
	}

	shipperID := strings.TrimSpace(req.ShipperID)
	if shipperID == "" {
		return domain.ReturnRequest{}, store.ErrInvalidInput
	}
	if _, err := s.repo.GetShipper(ctx, shipperID); err != nil {
		return domain.ReturnRequest{}, err
	}

	updated, err := s.repo.UpdateReturnRequestStatus(ctx, strings.TrimSpace(requestID), domain.ReturnStatusApproved, domain.ReturnStatusShipping, shipperID, "", time.Now().UTC())
	if err != nil {
		return domain.ReturnRequest{}, err
	}

	s.logAudit(ctx, "return_shipping", "return_request", updated.ID, "shipper "+shipperID)
	return *updated, nil
}

// ConfirmReturnReceived records physical receipt of goods at the warehouse.
// It serves both legs that end with stock coming back: a shipping return on
// a delivered order, and an escalated order returning after failed
// deliveries. Restoration happens at most once either way.
func (s *Service) ConfirmReturnReceived(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.Order{}, err
	}

	orderID = strings.TrimSpace(orderID)
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()

	switch order.Status {
	case domain.StatusReturningToWarehouse:
		entry := domain.StatusChange{
			Status: domain.StatusCancelled,
			At:     now,
			Actor:  s.actorName(ctx),
			Note:   "returned to warehouse",
		}
		cancelled, restored, err := s.repo.CancelAndRestore(ctx, orderID, domain.StatusReturningToWarehouse, entry, "")
		if err != nil {
			return domain.Order{}, err
		}
		if restored {
			s.invalidateStats(ctx)
		}
		metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StatusCancelled)).Inc()
		s.logAudit(ctx, "warehouse_receipt", "order", orderID, "escalated order received")
		s.notifyAsync(cancelled.CustomerID, domain.EventOrderCancelled, orderID, nil)
		return *cancelled, nil

	case domain.StatusDelivered:
		if order.ReturnRequestID == "" {
			return domain.Order{}, fmt.Errorf("%w: no return in progress", store.ErrInvalidTransition)
		}
		returned, request, err := s.repo.ReceiveReturnRestore(ctx, order.ReturnRequestID, s.actorName(ctx), now)
		if err != nil {
			return domain.Order{}, err
		}
		s.invalidateStats(ctx)
		metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StatusReturned)).Inc()
		s.logAudit(ctx, "return_received", "return_request", request.ID, "")
		s.notifyAsync(returned.CustomerID, domain.EventOrderReturned, returned.ID, nil)
		return *returned, nil

	case domain.StatusCancelled, domain.StatusReturned:
		return domain.Order{}, store.ErrAlreadyProcessed

	default:
		return domain.Order{}, fmt.Errorf("%w: receipt on %s", store.ErrInvalidTransition, order.Status)
	}
}

func (s *Service) GetReturnRequest(ctx context.Context, id string) (domain.ReturnRequest, error) {
	request, err := s.repo.GetReturnRequest(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.ReturnRequest{}, err
	}
	return *request, nil
}

func (s *Service) ListReturnRequests(ctx context.Context, status string, limit int) ([]domain.ReturnRequest, error) {
	status = strings.TrimSpace(status)
	switch status {
	case "", domain.ReturnStatusPending, domain.ReturnStatusApproved, domain.ReturnStatusShipping,
		domain.ReturnStatusReceived, domain.ReturnStatusCompleted, domain.ReturnStatusRejected,
		domain.ReturnStatusCanceled:
	default:
		return nil, store.ErrInvalidInput
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListReturnRequests(ctx, status, limit)
}

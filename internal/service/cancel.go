package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/metrics"
	"kirimaja/backend/internal/store"
	"kirimaja/backend/internal/xid"
)

// RequestCancel opens a cancellation. On a pending order it is approved on
// the spot; on a confirmed order it freezes the order and waits for staff.
func (s *Service) RequestCancel(ctx context.Context, orderID string, req domain.CancelCreateRequest) (domain.CancelRequest, domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	reason := strings.TrimSpace(req.Reason)
	if orderID == "" || reason == "" {
		return domain.CancelRequest{}, domain.Order{}, store.ErrInvalidInput
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.CancelRequest{}, domain.Order{}, err
	}
	if order.Status != domain.StatusPending && order.Status != domain.StatusConfirmed {
		return domain.CancelRequest{}, domain.Order{}, fmt.Errorf("%w: cancel on %s", store.ErrInvalidTransition, order.Status)
	}

	now := time.Now().UTC()
	request := domain.CancelRequest{
		ID:          xid.New("cxl"),
		OrderID:     orderID,
		Reason:      reason,
		Status:      domain.CancelStatusPending,
		RequestedBy: s.actorName(ctx),
		CreatedAt:   now,
	}

	created, err := s.repo.CreateCancelRequest(ctx, request)
	if err != nil {
		return domain.CancelRequest{}, domain.Order{}, err
	}

	if order.Status == domain.StatusPending {
		// Nothing is deducted yet, no staff decision needed.
		entry := domain.StatusChange{
			Status: domain.StatusCancelled,
			At:     now,
			Actor:  s.actorName(ctx),
			Note:   reason,
		}
		cancelled, _, err := s.repo.CancelAndRestore(ctx, orderID, domain.StatusPending, entry, domain.CancelStatusApproved)
		if errors.Is(err, store.ErrConflict) {
			// The order was confirmed under us. The open request already
			// freezes it, so fall through to the staff-decision path.
			frozen, gerr := s.repo.GetOrder(ctx, orderID)
			if gerr != nil {
				return domain.CancelRequest{}, domain.Order{}, gerr
			}
			if frozen.Status == domain.StatusConfirmed {
				s.logAudit(ctx, "cancel_request", "order", orderID, reason)
				s.notifyAsync(frozen.CustomerID, domain.EventCancelRequested, orderID, map[string]any{"request_id": created.ID})
				return *created, *frozen, nil
			}
			return domain.CancelRequest{}, domain.Order{}, err
		}
		if err != nil {
			return domain.CancelRequest{}, domain.Order{}, err
		}

		resolved, err := s.repo.GetCancelRequest(ctx, created.ID)
		if err != nil {
			return domain.CancelRequest{}, domain.Order{}, err
		}

		metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StatusCancelled)).Inc()
		s.logAudit(ctx, "cancel_auto_approve", "order", orderID, reason)
		s.notifyAsync(cancelled.CustomerID, domain.EventOrderCancelled, orderID, nil)
		return *resolved, *cancelled, nil
	}

	s.logAudit(ctx, "cancel_request", "order", orderID, reason)
	s.notifyAsync(order.CustomerID, domain.EventCancelRequested, orderID, map[string]any{"request_id": created.ID})

	frozen, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.CancelRequest{}, domain.Order{}, err
	}
	return *created, *frozen, nil
}

func (s *Service) ResolveCancel(ctx context.Context, requestID string, req domain.ResolveCancelRequest) (domain.CancelRequest, domain.Order, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.CancelRequest{}, domain.Order{}, err
	}

	requestID = strings.TrimSpace(requestID)
	request, err := s.repo.GetCancelRequest(ctx, requestID)
	if err != nil {
		return domain.CancelRequest{}, domain.Order{}, err
	}
	if request.Status != domain.CancelStatusPending {
		return domain.CancelRequest{}, domain.Order{}, store.ErrAlreadyProcessed
	}

	now := time.Now().UTC()

	if !req.Approve {
		rejected, err := s.repo.RejectCancelRequest(ctx, requestID, now)
		if err != nil {
			return domain.CancelRequest{}, domain.Order{}, err
		}
		order, err := s.repo.GetOrder(ctx, rejected.OrderID)
		if err != nil {
			return domain.CancelRequest{}, domain.Order{}, err
		}
		s.logAudit(ctx, "cancel_reject", "cancel_request", requestID, strings.TrimSpace(req.Note))
		s.notifyAsync(order.CustomerID, domain.EventCancelRejected, order.ID, nil)
		return *rejected, *order, nil
	}

	entry := domain.StatusChange{
		Status: domain.StatusCancelled,
		At:     now,
		Actor:  s.actorName(ctx),
		Note:   strings.TrimSpace(req.Note),
	}
	cancelled, restored, err := s.repo.CancelAndRestore(ctx, request.OrderID, domain.StatusConfirmed, entry, domain.CancelStatusApproved)
	if err != nil {
		return domain.CancelRequest{}, domain.Order{}, err
	}
	if restored {
		s.invalidateStats(ctx)
	}

	resolved, err := s.repo.GetCancelRequest(ctx, requestID)
	if err != nil {
		return domain.CancelRequest{}, domain.Order{}, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StatusCancelled)).Inc()
	s.logAudit(ctx, "cancel_approve", "cancel_request", requestID, "")
	s.notifyAsync(cancelled.CustomerID, domain.EventOrderCancelled, cancelled.ID, nil)

	return *resolved, *cancelled, nil
}

func (s *Service) GetCancelRequest(ctx context.Context, id string) (domain.CancelRequest, error) {
	request, err := s.repo.GetCancelRequest(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.CancelRequest{}, err
	}
	return *request, nil
}

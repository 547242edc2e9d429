package service

import (
	"context"
	"strings"
	"time"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/metrics"
)

// ProcessRefund settles a cancelled or returned order. The refund amount
// comes from the return request when one exists (it already nets out the
// return shipping fee), otherwise the full order total. Money movement is
// external; the ledger is untouched.
func (s *Service) ProcessRefund(ctx context.Context, orderID string, req domain.ProcessRefundRequest) (domain.Order, error) {
	actor, err := s.requireRole(ctx, "staff", "admin")
	if err != nil {
		return domain.Order{}, err
	}

	orderID = strings.TrimSpace(orderID)
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	amount := order.TotalCents
	method := strings.TrimSpace(req.Method)
	if order.ReturnRequestID != "" {
		if request, err := s.repo.GetReturnRequest(ctx, order.ReturnRequestID); err == nil && request.Status == domain.ReturnStatusReceived {
			amount = request.RefundAmountCents
			if method == "" {
				method = request.RefundMethod
			}
		}
	}
	if method == "" {
		method = "transfer"
	}

	now := time.Now().UTC()
	refund := domain.Refund{
		AmountCents: amount,
		Method:      method,
		Status:      "processed",
		ProcessedBy: actor.Username,
		ProcessedAt: now,
	}
	entry := domain.StatusChange{
		Status: domain.StatusRefunded,
		At:     now,
		Actor:  actor.Username,
	}

	updated, err := s.repo.SetOrderRefund(ctx, orderID, refund, entry)
	if err != nil {
		return domain.Order{}, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StatusRefunded)).Inc()
	s.logAudit(ctx, "refund_process", "order", orderID, method)
	s.notifyAsync(updated.CustomerID, domain.EventOrderRefunded, orderID, map[string]any{"amount_cents": amount})

	return *updated, nil
}

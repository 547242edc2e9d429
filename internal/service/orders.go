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

func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" || len(req.Items) == 0 {
		return domain.Order{}, store.ErrInvalidInput
	}
	if req.PaymentMethod != domain.PaymentMethodCOD && req.PaymentMethod != domain.PaymentMethodOnline {
		return domain.Order{}, store.ErrInvalidInput
	}
	if req.ShippingFeeCents < 0 {
		return domain.Order{}, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	items := make([]domain.OrderItem, 0, len(req.Items))
	subtotal := int64(0)
	for _, line := range req.Items {
		key := normalizeKey(line.Key)
		if key.IsZero() {
			return domain.Order{}, store.ErrInvalidInput
		}
		if line.Quantity < 1 {
			return domain.Order{}, store.ErrInvalidQuantity
		}
		if line.UnitPriceCents < 0 {
			return domain.Order{}, store.ErrInvalidInput
		}

		// Unit cost is snapshotted at the current average so later margin
		// reporting is immune to price drift.
		inv, err := s.repo.GetInventoryItem(ctx, key)
		if err != nil {
			return domain.Order{}, err
		}
		if line.Quantity > inv.Quantity {
			return domain.Order{}, fmt.Errorf("%w: %s", store.ErrInsufficientStock, key)
		}

		items = append(items, domain.OrderItem{
			Key:            key,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			UnitCostCents:  inv.AverageCostCents,
		})
		subtotal += line.UnitPriceCents * int64(line.Quantity)
	}

	discount, err := s.discounts.ComputeDiscount(ctx, subtotal, items, strings.TrimSpace(req.CouponCode))
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: coupon rejected", store.ErrInvalidInput)
	}
	if discount < 0 {
		discount = 0
	}
	if discount > subtotal {
		discount = subtotal
	}

	order := domain.Order{
		ID:               xid.New("ord"),
		CustomerID:       req.CustomerID,
		Items:            items,
		SubtotalCents:    subtotal,
		DiscountCents:    discount,
		ShippingFeeCents: req.ShippingFeeCents,
		TotalCents:       subtotal - discount + req.ShippingFeeCents,
		PaymentMethod:    req.PaymentMethod,
		PaymentStatus:    domain.PaymentStatusPending,
		Status:           domain.StatusPending,
		StatusHistory: []domain.StatusChange{{
			Status: domain.StatusPending,
			At:     now,
			Actor:  s.actorName(ctx),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	metrics.OrdersCreatedTotal.Inc()
	s.logAudit(ctx, "order_create", "order", created.ID, fmt.Sprintf("customer=%s,total=%d", created.CustomerID, created.TotalCents))
	s.notifyAsync(created.CustomerID, domain.EventOrderCreated, created.ID, map[string]any{"total_cents": created.TotalCents})

	return *created, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, status string, limit int) ([]domain.Order, error) {
	filter := domain.OrderStatus(strings.TrimSpace(status))
	if filter != "" && !domain.ValidStatus(filter) {
		return nil, store.ErrInvalidInput
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListOrders(ctx, filter, limit)
}

// UpdateOrderStatus serves the staff-driven transitions: confirm, hand the
// parcel to the courier (including a retry after a failed attempt), and
// confirm warehouse receipt of an escalated order. Deduct/deliver/cancel
// paths have their own entry points.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID string, req domain.UpdateOrderStatusRequest) (domain.Order, error) {
	if _, err := s.requireRole(ctx, "staff", "admin"); err != nil {
		return domain.Order{}, err
	}

	orderID = strings.TrimSpace(orderID)
	now := time.Now().UTC()
	entry := domain.StatusChange{
		Status: req.Status,
		At:     now,
		Actor:  s.actorName(ctx),
		Note:   strings.TrimSpace(req.Note),
	}

	var (
		updated *domain.Order
		err     error
	)

	switch req.Status {
	case domain.StatusConfirmed:
		updated, err = s.repo.TransitionOrder(ctx, orderID, domain.StatusPending, domain.StatusConfirmed, entry)

	case domain.StatusOutForDelivery:
		current, getErr := s.repo.GetOrder(ctx, orderID)
		if getErr != nil {
			return domain.Order{}, getErr
		}
		if current.Status != domain.StatusAssignedToShipper && current.Status != domain.StatusDeliveryFailed {
			return domain.Order{}, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, current.Status, req.Status)
		}
		updated, err = s.repo.TransitionOrder(ctx, orderID, current.Status, domain.StatusOutForDelivery, entry)

	case domain.StatusCancelled:
		// Staff confirming that an escalated order physically arrived back.
		var restored bool
		updated, restored, err = s.repo.CancelAndRestore(ctx, orderID, domain.StatusReturningToWarehouse, entry, "")
		if err == nil && restored {
			s.invalidateStats(ctx)
		}

	default:
		return domain.Order{}, fmt.Errorf("%w: %s not reachable via status update", store.ErrInvalidTransition, req.Status)
	}

	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictsTotal.Inc()
		}
		return domain.Order{}, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(updated.Status)).Inc()
	s.logAudit(ctx, "order_status", "order", updated.ID, string(updated.Status))

	switch updated.Status {
	case domain.StatusConfirmed:
		s.notifyAsync(updated.CustomerID, domain.EventOrderConfirmed, updated.ID, nil)
	case domain.StatusOutForDelivery:
		s.notifyAsync(updated.CustomerID, domain.EventOrderOutForDelivery, updated.ID, nil)
	case domain.StatusCancelled:
		s.notifyAsync(updated.CustomerID, domain.EventOrderCancelled, updated.ID, nil)
	}

	return *updated, nil
}

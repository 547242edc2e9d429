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

func (s *Service) CreateShipper(ctx context.Context, req domain.ShipperCreateRequest) (domain.Shipper, error) {
	if _, err := s.requireRole(ctx, "admin"); err != nil {
		return domain.Shipper{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Shipper{}, store.ErrInvalidInput
	}
	if req.MaxActiveOrders < 0 {
		return domain.Shipper{}, store.ErrInvalidInput
	}
	if req.MaxActiveOrders == 0 {
		req.MaxActiveOrders = 10
	}

	shipper := domain.Shipper{
		ID:              xid.New("shp"),
		Name:            name,
		Phone:           strings.TrimSpace(req.Phone),
		Active:          true,
		MaxActiveOrders: req.MaxActiveOrders,
		CreatedAt:       time.Now().UTC(),
	}

	created, err := s.repo.CreateShipper(ctx, shipper)
	if err != nil {
		return domain.Shipper{}, err
	}

	s.logAudit(ctx, "shipper_create", "shipper", created.ID, name)
	return *created, nil
}

func (s *Service) ListShippers(ctx context.Context) ([]domain.Shipper, error) {
	return s.repo.ListShippers(ctx)
}

func (s *Service) GetShipper(ctx context.Context, id string) (domain.Shipper, error) {
	shipper, err := s.repo.GetShipper(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Shipper{}, err
	}
	return *shipper, nil
}

// AssignShipper is the single point where an order's stock leaves the
// ledger. The store primitive performs the whole deduct-and-flip atomically;
// a concurrent winner surfaces here as ErrAlreadyProcessed or ErrConflict.
func (s *Service) AssignShipper(ctx context.Context, orderID string, req domain.AssignShipperRequest) (domain.Order, error) {
	actor, err := s.requireRole(ctx, "staff", "admin")
	if err != nil {
		return domain.Order{}, err
	}

	orderID = strings.TrimSpace(orderID)
	shipperID := strings.TrimSpace(req.ShipperID)
	if orderID == "" || shipperID == "" {
		return domain.Order{}, store.ErrInvalidInput
	}

	order, err := s.repo.AssignShipperDeduct(ctx, orderID, shipperID, actor.Username, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictsTotal.Inc()
		}
		return domain.Order{}, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(domain.StatusAssignedToShipper)).Inc()
	s.invalidateStats(ctx)
	s.logAudit(ctx, "assign_shipper", "order", orderID, "shipper "+shipperID)
	s.notifyAsync(order.CustomerID, domain.EventOrderAssigned, orderID, map[string]any{"shipper_id": shipperID})

	return *order, nil
}

func (s *Service) RecordDeliveryAttempt(ctx context.Context, orderID string, req domain.DeliveryAttemptRequest) (domain.Order, error) {
	actor, err := s.requireRole(ctx, "staff", "admin")
	if err != nil {
		return domain.Order{}, err
	}

	if req.Outcome != domain.DeliveryOutcomeSuccess && req.Outcome != domain.DeliveryOutcomeFailed {
		return domain.Order{}, store.ErrInvalidInput
	}

	attempt := domain.DeliveryAttempt{
		Outcome:    req.Outcome,
		Note:       strings.TrimSpace(req.Note),
		RecordedBy: actor.Username,
		At:         time.Now().UTC(),
	}

	order, err := s.repo.RecordDeliveryAttempt(ctx, strings.TrimSpace(orderID), attempt)
	if err != nil {
		return domain.Order{}, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(order.Status)).Inc()
	s.logAudit(ctx, "delivery_attempt", "order", order.ID, fmt.Sprintf("outcome=%s,status=%s", req.Outcome, order.Status))

	switch order.Status {
	case domain.StatusDelivered:
		s.notifyAsync(order.CustomerID, domain.EventOrderDelivered, order.ID, nil)
	case domain.StatusDeliveryFailed, domain.StatusReturningToWarehouse:
		s.notifyAsync(order.CustomerID, domain.EventOrderDeliveryFailed, order.ID, map[string]any{"failures": order.FailedDeliveries()})
	}

	return *order, nil
}

package memory

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kirimaja/backend/internal/domain"
	"kirimaja/backend/internal/store"
	"kirimaja/backend/internal/xid"
)

// Store is a fully in-memory Repository used for tests and local dev. A
// single RWMutex linearizes every operation, so the composite primitives
// (assign-deduct, cancel-and-restore, receive-return) are trivially atomic.
type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.InventoryItem
	transactions    []domain.InventoryTransaction
	ordersByID      map[string]*domain.Order
	cancelRequests  map[string]domain.CancelRequest
	returnRequests  map[string]domain.ReturnRequest
	shippersByID    map[string]domain.Shipper
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		items:           make(map[string]domain.InventoryItem),
		transactions:    make([]domain.InventoryTransaction, 0, 256),
		ordersByID:      make(map[string]*domain.Order),
		cancelRequests:  make(map[string]domain.CancelRequest),
		returnRequests:  make(map[string]domain.ReturnRequest),
		shippersByID:    make(map[string]domain.Shipper),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with dev users and a small catalog of
// stocked items plus one shipper, enough to exercise the whole API locally.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	seedStock := []struct {
		key       domain.ItemKey
		qty       int
		costCents int64
		threshold int
	}{
		{domain.ItemKey{ProductID: "prod-sepatu-01", VariantID: "var-hitam", Size: "42"}, 40, 250000, 5},
		{domain.ItemKey{ProductID: "prod-sepatu-01", VariantID: "var-hitam", Size: "43"}, 35, 250000, 5},
		{domain.ItemKey{ProductID: "prod-sepatu-02", VariantID: "var-putih", Size: "41"}, 20, 310000, 4},
		{domain.ItemKey{ProductID: "prod-sandal-01", VariantID: "var-coklat", Size: "40"}, 60, 90000, 10},
	}
	for _, seed := range seedStock {
		if _, _, err := s.applyStockIn(seed.key, seed.qty, seed.costCents, seed.threshold, "initial stock", "", "seed", now); err != nil {
			log.Fatalf("[memory-store] seed stock failed for %s: %v", seed.key, err)
		}
	}

	s.shippersByID["shp-seed-1"] = domain.Shipper{
		ID:              "shp-seed-1",
		Name:            "Kurir Andalan",
		Phone:           "0811223344",
		Active:          true,
		MaxActiveOrders: 10,
		CreatedAt:       now,
	}

	return s
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD, with
// hardcoded dev defaults and a warning when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ---- inventory ledger ----

func (s *Store) GetInventoryItem(_ context.Context, key domain.ItemKey) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[key.String()]
	if !exists {
		return nil, store.ErrItemNotFound
	}
	copied := item
	return &copied, nil
}

func (s *Store) ListInventoryItems(_ context.Context, lowStockOnly bool) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.items))
	for _, item := range s.items {
		if lowStockOnly && (item.LowStockThreshold < 1 || item.Quantity > item.LowStockThreshold) {
			continue
		}
		items = append(items, item)
	}

	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})

	return items, nil
}

// applyStockIn mutates under an already-held write lock. Weighted-average
// cost is recomputed from inbound events only.
func (s *Store) applyStockIn(key domain.ItemKey, qty int, unitCostCents int64, threshold int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	if key.IsZero() {
		return nil, nil, store.ErrInvalidInput
	}
	if qty < 1 {
		return nil, nil, store.ErrInvalidQuantity
	}
	if unitCostCents < 0 {
		return nil, nil, store.ErrInvalidQuantity
	}

	id := key.String()
	item, exists := s.items[id]
	if !exists {
		item = domain.InventoryItem{
			Key:               key,
			LowStockThreshold: threshold,
			CreatedAt:         at,
		}
	}

	before := item.Quantity
	after := before + qty
	item.AverageCostCents = weightedAverage(item.AverageCostCents, before, unitCostCents, qty)
	item.CostCents = unitCostCents
	item.Quantity = after
	if threshold > 0 {
		item.LowStockThreshold = threshold
	}
	item.UpdatedAt = at
	s.items[id] = item

	txn := domain.InventoryTransaction{
		ID:             xid.New("itx"),
		Key:            key,
		Type:           domain.TxnTypeIn,
		QuantityBefore: before,
		QuantityChange: qty,
		QuantityAfter:  after,
		CostCents:      unitCostCents,
		TotalCostCents: unitCostCents * int64(qty),
		Reason:         reason,
		Reference:      reference,
		PerformedBy:    performedBy,
		CreatedAt:      at,
	}
	s.transactions = append(s.transactions, txn)

	copied := item
	return &copied, &txn, nil
}

// applyStockOut mutates under an already-held write lock. The OUT row is
// valued at the current average cost; average cost itself is untouched.
func (s *Store) applyStockOut(key domain.ItemKey, qty int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	if qty < 1 {
		return nil, nil, store.ErrInvalidQuantity
	}

	id := key.String()
	item, exists := s.items[id]
	if !exists {
		return nil, nil, store.ErrItemNotFound
	}
	if qty > item.Quantity {
		return nil, nil, store.ErrInsufficientStock
	}

	before := item.Quantity
	after := before - qty
	item.Quantity = after
	item.UpdatedAt = at
	s.items[id] = item

	txn := domain.InventoryTransaction{
		ID:             xid.New("itx"),
		Key:            key,
		Type:           domain.TxnTypeOut,
		QuantityBefore: before,
		QuantityChange: -qty,
		QuantityAfter:  after,
		CostCents:      item.AverageCostCents,
		TotalCostCents: item.AverageCostCents * int64(qty),
		Reason:         reason,
		Reference:      reference,
		PerformedBy:    performedBy,
		CreatedAt:      at,
	}
	s.transactions = append(s.transactions, txn)

	copied := item
	return &copied, &txn, nil
}

func (s *Store) StockIn(_ context.Context, key domain.ItemKey, qty int, unitCostCents int64, threshold int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyStockIn(key, qty, unitCostCents, threshold, reason, reference, performedBy, at)
}

func (s *Store) StockOut(_ context.Context, key domain.ItemKey, qty int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyStockOut(key, qty, reason, reference, performedBy, at)
}

func (s *Store) AdjustStock(_ context.Context, key domain.ItemKey, newQty int, reason, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.IsZero() {
		return nil, nil, store.ErrInvalidInput
	}
	if newQty < 0 {
		return nil, nil, store.ErrInvalidQuantity
	}

	id := key.String()
	item, exists := s.items[id]
	if !exists {
		item = domain.InventoryItem{Key: key, CreatedAt: at}
	}

	before := item.Quantity
	item.Quantity = newQty
	item.UpdatedAt = at
	s.items[id] = item

	txn := domain.InventoryTransaction{
		ID:             xid.New("itx"),
		Key:            key,
		Type:           domain.TxnTypeAdjust,
		QuantityBefore: before,
		QuantityChange: newQty - before,
		QuantityAfter:  newQty,
		CostCents:      item.AverageCostCents,
		TotalCostCents: item.AverageCostCents * int64(abs(newQty-before)),
		Reason:         reason,
		PerformedBy:    performedBy,
		CreatedAt:      at,
	}
	s.transactions = append(s.transactions, txn)

	copied := item
	return &copied, &txn, nil
}

func (s *Store) ListInventoryTransactions(_ context.Context, key *domain.ItemKey, limit int) ([]domain.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventoryTransaction, 0, limit)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		txn := s.transactions[i]
		if key != nil && txn.Key != *key {
			continue
		}
		result = append(result, txn)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetInventoryStats(_ context.Context) (domain.InventoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.InventoryStats{TransactionsWritten: len(s.transactions)}
	for _, item := range s.items {
		stats.TotalItems++
		stats.TotalUnits += item.Quantity
		stats.TotalValueCents += item.AverageCostCents * int64(item.Quantity)
		if item.Quantity == 0 {
			stats.OutOfStockItems++
		} else if item.LowStockThreshold > 0 && item.Quantity <= item.LowStockThreshold {
			stats.LowStockItems++
		}
	}
	return stats, nil
}

// ---- orders ----

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, store.ErrInvalidInput
	}

	// Stock is checked, never reserved, at creation time.
	for _, item := range order.Items {
		inv, exists := s.items[item.Key.String()]
		if !exists {
			return nil, fmt.Errorf("%w: %s", store.ErrItemNotFound, item.Key)
		}
		if item.Quantity < 1 {
			return nil, store.ErrInvalidQuantity
		}
		if item.Quantity > inv.Quantity {
			return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, item.Key)
		}
	}

	stored := copyOrder(&order)
	s.ordersByID[order.ID] = stored

	created := copyOrder(stored)
	return created, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrOrderNotFound
	}
	return copyOrder(order), nil
}

func (s *Store) ListOrders(_ context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if status != "" && order.Status != status {
			continue
		}
		orders = append(orders, *copyOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) TransitionOrder(_ context.Context, orderID string, from, to domain.OrderStatus, entry domain.StatusChange) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrOrderNotFound
	}
	if order.HasCancelRequest {
		return nil, fmt.Errorf("%w: cancel request pending", store.ErrInvalidTransition)
	}
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, from, to)
	}
	if order.Status != from {
		return nil, store.ErrConflict
	}

	order.Status = to
	order.StatusHistory = append(order.StatusHistory, entry)
	order.UpdatedAt = entry.At

	return copyOrder(order), nil
}

func (s *Store) AssignShipperDeduct(_ context.Context, orderID, shipperID, actor string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrOrderNotFound
	}
	shipper, exists := s.shippersByID[shipperID]
	if !exists {
		return nil, store.ErrShipperNotFound
	}
	if order.HasCancelRequest {
		return nil, fmt.Errorf("%w: cancel request pending", store.ErrInvalidTransition)
	}
	if order.InventoryDeducted {
		return nil, store.ErrAlreadyProcessed
	}
	if order.Status != domain.StatusConfirmed {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, order.Status, domain.StatusAssignedToShipper)
	}
	if !shipper.Active {
		return nil, fmt.Errorf("%w: shipper inactive", store.ErrInvalidInput)
	}
	if shipper.MaxActiveOrders > 0 && shipper.ActiveOrders >= shipper.MaxActiveOrders {
		return nil, fmt.Errorf("%w: shipper at capacity", store.ErrInvalidInput)
	}

	// Dry run across every line before any mutation, so a failure on item N
	// cannot leave items 1..N-1 deducted.
	for _, item := range order.Items {
		inv, exists := s.items[item.Key.String()]
		if !exists {
			return nil, fmt.Errorf("%w: %s", store.ErrItemNotFound, item.Key)
		}
		if item.Quantity > inv.Quantity {
			return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, item.Key)
		}
	}
	for _, item := range order.Items {
		if _, _, err := s.applyStockOut(item.Key, item.Quantity, "order_dispatch", order.ID, actor, at); err != nil {
			return nil, err
		}
	}

	order.InventoryDeducted = true
	order.AssignedShipperID = shipperID
	order.Status = domain.StatusAssignedToShipper
	order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
		Status: domain.StatusAssignedToShipper,
		At:     at,
		Actor:  actor,
		Note:   "shipper " + shipperID,
	})
	order.UpdatedAt = at

	shipper.ActiveOrders++
	s.shippersByID[shipperID] = shipper

	return copyOrder(order), nil
}

func (s *Store) CancelAndRestore(_ context.Context, orderID string, expect domain.OrderStatus, entry domain.StatusChange, resolveRequest string) (*domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, false, store.ErrOrderNotFound
	}
	if order.Status == domain.StatusCancelled {
		// Idempotent: the second cancel is a no-op, never a double credit.
		return copyOrder(order), false, nil
	}
	if !domain.CanTransition(expect, domain.StatusCancelled) {
		return nil, false, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, expect, domain.StatusCancelled)
	}
	if order.Status != expect {
		return nil, false, store.ErrConflict
	}

	restored := false
	if order.InventoryDeducted {
		for _, item := range order.Items {
			if _, _, err := s.applyStockIn(item.Key, item.Quantity, 0, 0, "cancelled", order.ID, entry.Actor, entry.At); err != nil {
				return nil, false, err
			}
		}
		order.InventoryDeducted = false
		restored = true
		if order.AssignedShipperID != "" {
			if shipper, ok := s.shippersByID[order.AssignedShipperID]; ok && shipper.ActiveOrders > 0 && expect != domain.StatusReturningToWarehouse {
				shipper.ActiveOrders--
				s.shippersByID[order.AssignedShipperID] = shipper
			}
		}
	}

	order.Status = domain.StatusCancelled
	order.StatusHistory = append(order.StatusHistory, entry)
	order.HasCancelRequest = false
	order.UpdatedAt = entry.At

	if resolveRequest != "" && order.CancelRequestID != "" {
		if req, ok := s.cancelRequests[order.CancelRequestID]; ok && req.Status == domain.CancelStatusPending {
			req.Status = resolveRequest
			resolvedAt := entry.At
			req.ResolvedAt = &resolvedAt
			s.cancelRequests[req.ID] = req
		}
	}

	return copyOrder(order), restored, nil
}

func (s *Store) ReceiveReturnRestore(_ context.Context, requestID, actor string, at time.Time) (*domain.Order, *domain.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.returnRequests[requestID]
	if !exists {
		return nil, nil, store.ErrRequestNotFound
	}
	if req.Status == domain.ReturnStatusReceived || req.Terminal() {
		return nil, nil, store.ErrAlreadyProcessed
	}
	if req.Status != domain.ReturnStatusShipping {
		return nil, nil, fmt.Errorf("%w: return %s -> %s", store.ErrInvalidTransition, req.Status, domain.ReturnStatusReceived)
	}

	order, exists := s.ordersByID[req.OrderID]
	if !exists {
		return nil, nil, store.ErrOrderNotFound
	}
	if order.Status != domain.StatusDelivered {
		return nil, nil, store.ErrConflict
	}

	if order.InventoryDeducted {
		for _, item := range order.Items {
			if _, _, err := s.applyStockIn(item.Key, item.Quantity, 0, 0, "returned", order.ID, actor, at); err != nil {
				return nil, nil, err
			}
		}
		order.InventoryDeducted = false
	}

	order.ReturnConfirmed = true
	order.Status = domain.StatusReturned
	order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
		Status: domain.StatusReturned,
		At:     at,
		Actor:  actor,
		Note:   "return " + req.ID + " received",
	})
	order.UpdatedAt = at

	req.Status = domain.ReturnStatusReceived
	s.returnRequests[req.ID] = req

	copiedReq := req
	return copyOrder(order), &copiedReq, nil
}

func (s *Store) RecordDeliveryAttempt(_ context.Context, orderID string, attempt domain.DeliveryAttempt) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrOrderNotFound
	}
	if order.Status != domain.StatusOutForDelivery {
		return nil, fmt.Errorf("%w: delivery attempt on %s", store.ErrInvalidTransition, order.Status)
	}

	order.DeliveryAttempts = append(order.DeliveryAttempts, attempt)

	switch attempt.Outcome {
	case domain.DeliveryOutcomeSuccess:
		order.Status = domain.StatusDelivered
		deliveredAt := attempt.At
		order.DeliveredAt = &deliveredAt
		if order.PaymentMethod == domain.PaymentMethodCOD {
			order.PaymentStatus = domain.PaymentStatusPaid
		}
		order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
			Status: domain.StatusDelivered,
			At:     attempt.At,
			Actor:  attempt.RecordedBy,
			Note:   attempt.Note,
		})
		s.releaseShipper(order.AssignedShipperID)
	case domain.DeliveryOutcomeFailed:
		order.Status = domain.StatusDeliveryFailed
		order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
			Status: domain.StatusDeliveryFailed,
			At:     attempt.At,
			Actor:  attempt.RecordedBy,
			Note:   attempt.Note,
		})
		if order.FailedDeliveries() >= domain.MaxDeliveryFailures {
			// Escalation keeps inventory deducted until staff confirm the
			// physical return to the warehouse.
			order.Status = domain.StatusReturningToWarehouse
			order.StatusHistory = append(order.StatusHistory, domain.StatusChange{
				Status: domain.StatusReturningToWarehouse,
				At:     attempt.At,
				Actor:  attempt.RecordedBy,
				Note:   fmt.Sprintf("%d failed delivery attempts", order.FailedDeliveries()),
			})
			s.releaseShipper(order.AssignedShipperID)
		}
	default:
		return nil, store.ErrInvalidInput
	}

	order.UpdatedAt = attempt.At
	return copyOrder(order), nil
}

func (s *Store) releaseShipper(shipperID string) {
	if shipperID == "" {
		return
	}
	if shipper, ok := s.shippersByID[shipperID]; ok && shipper.ActiveOrders > 0 {
		shipper.ActiveOrders--
		s.shippersByID[shipperID] = shipper
	}
}

func (s *Store) SetOrderRefund(_ context.Context, orderID string, refund domain.Refund, entry domain.StatusChange) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrOrderNotFound
	}
	if order.Refund != nil {
		return nil, store.ErrAlreadyProcessed
	}
	if order.Status != domain.StatusCancelled && order.Status != domain.StatusReturned {
		return nil, fmt.Errorf("%w: refund on %s", store.ErrInvalidTransition, order.Status)
	}

	stored := refund
	order.Refund = &stored
	order.Status = domain.StatusRefunded
	order.StatusHistory = append(order.StatusHistory, entry)
	order.UpdatedAt = entry.At

	if order.ReturnRequestID != "" {
		if req, ok := s.returnRequests[order.ReturnRequestID]; ok && req.Status == domain.ReturnStatusReceived {
			req.Status = domain.ReturnStatusCompleted
			resolvedAt := entry.At
			req.ResolvedAt = &resolvedAt
			s.returnRequests[req.ID] = req
		}
	}

	return copyOrder(order), nil
}

// ---- cancellation workflow ----

func (s *Store) CreateCancelRequest(_ context.Context, req domain.CancelRequest) (*domain.CancelRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[req.OrderID]
	if !exists {
		return nil, store.ErrOrderNotFound
	}
	if order.HasCancelRequest {
		return nil, fmt.Errorf("%w: cancel request already open", store.ErrAlreadyProcessed)
	}
	if order.Status != domain.StatusPending && order.Status != domain.StatusConfirmed {
		return nil, fmt.Errorf("%w: cancel on %s", store.ErrInvalidTransition, order.Status)
	}

	s.cancelRequests[req.ID] = req
	order.HasCancelRequest = true
	order.CancelRequestID = req.ID

	created := req
	return &created, nil
}

func (s *Store) GetCancelRequest(_ context.Context, id string) (*domain.CancelRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.cancelRequests[id]
	if !exists {
		return nil, store.ErrRequestNotFound
	}
	copied := req
	return &copied, nil
}

func (s *Store) RejectCancelRequest(_ context.Context, id string, at time.Time) (*domain.CancelRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.cancelRequests[id]
	if !exists {
		return nil, store.ErrRequestNotFound
	}
	if req.Status != domain.CancelStatusPending {
		return nil, store.ErrAlreadyProcessed
	}

	req.Status = domain.CancelStatusRejected
	resolvedAt := at
	req.ResolvedAt = &resolvedAt
	s.cancelRequests[id] = req

	if order, ok := s.ordersByID[req.OrderID]; ok {
		order.HasCancelRequest = false
		order.UpdatedAt = at
	}

	copied := req
	return &copied, nil
}

// ---- return workflow ----

func (s *Store) CreateReturnRequest(_ context.Context, req domain.ReturnRequest) (*domain.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[req.OrderID]
	if !exists {
		return nil, store.ErrOrderNotFound
	}
	if order.Status != domain.StatusDelivered {
		return nil, fmt.Errorf("%w: return on %s", store.ErrInvalidTransition, order.Status)
	}
	if order.ReturnRequestID != "" {
		if existing, ok := s.returnRequests[order.ReturnRequestID]; ok && !existing.Terminal() {
			return nil, fmt.Errorf("%w: return request already open", store.ErrAlreadyProcessed)
		}
	}

	s.returnRequests[req.ID] = req
	order.ReturnRequestID = req.ID
	order.UpdatedAt = req.CreatedAt

	created := req
	return &created, nil
}

func (s *Store) GetReturnRequest(_ context.Context, id string) (*domain.ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.returnRequests[id]
	if !exists {
		return nil, store.ErrRequestNotFound
	}
	copied := req
	return &copied, nil
}

func (s *Store) ListReturnRequests(_ context.Context, status string, limit int) ([]domain.ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requests := make([]domain.ReturnRequest, 0, len(s.returnRequests))
	for _, req := range s.returnRequests {
		if status != "" && req.Status != status {
			continue
		}
		requests = append(requests, req)
	}
	slices.SortFunc(requests, func(a, b domain.ReturnRequest) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(requests) > limit {
		requests = requests[:limit]
	}
	return requests, nil
}

func (s *Store) UpdateReturnRequestStatus(_ context.Context, id, from, to, shipperID, note string, at time.Time) (*domain.ReturnRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.returnRequests[id]
	if !exists {
		return nil, store.ErrRequestNotFound
	}
	if req.Terminal() {
		return nil, store.ErrAlreadyProcessed
	}
	if req.Status != from {
		return nil, store.ErrConflict
	}
	if to == domain.ReturnStatusApproved && !req.ExpiresAt.IsZero() && !at.Before(req.ExpiresAt) {
		return nil, store.ErrAlreadyProcessed
	}

	req.Status = to
	if shipperID != "" {
		req.AssignedShipperID = shipperID
	}
	if note != "" {
		req.RejectReason = note
	}
	switch to {
	case domain.ReturnStatusRejected, domain.ReturnStatusCanceled, domain.ReturnStatusCompleted:
		resolvedAt := at
		req.ResolvedAt = &resolvedAt
	}
	s.returnRequests[id] = req

	copied := req
	return &copied, nil
}

func (s *Store) ExpireReturnRequests(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for id, req := range s.returnRequests {
		if req.Status != domain.ReturnStatusPending || req.ExpiresAt.After(now) {
			continue
		}
		req.Status = domain.ReturnStatusRejected
		req.RejectReason = "expired"
		resolvedAt := now
		req.ResolvedAt = &resolvedAt
		s.returnRequests[id] = req
		expired++
	}
	return expired, nil
}

// ---- shippers ----

func (s *Store) CreateShipper(_ context.Context, shipper domain.Shipper) (*domain.Shipper, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if shipper.ID == "" || shipper.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.shippersByID[shipper.ID]; exists {
		return nil, store.ErrInvalidInput
	}

	s.shippersByID[shipper.ID] = shipper
	created := shipper
	return &created, nil
}

func (s *Store) GetShipper(_ context.Context, id string) (*domain.Shipper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shipper, exists := s.shippersByID[id]
	if !exists {
		return nil, store.ErrShipperNotFound
	}
	copied := shipper
	return &copied, nil
}

func (s *Store) ListShippers(_ context.Context) ([]domain.Shipper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shippers := make([]domain.Shipper, 0, len(s.shippersByID))
	for _, shipper := range s.shippersByID {
		shippers = append(shippers, shipper)
	}
	slices.SortFunc(shippers, func(a, b domain.Shipper) int {
		return strings.Compare(a.Name, b.Name)
	})
	return shippers, nil
}

// ---- audit trail ----

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// ---- auth accounts ----

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrInvalidInput
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrInvalidInput
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// ---- helpers ----

func weightedAverage(avgCents int64, qtyBefore int, unitCents int64, qtyIn int) int64 {
	total := qtyBefore + qtyIn
	if total == 0 {
		return 0
	}
	blended := (float64(avgCents)*float64(qtyBefore) + float64(unitCents)*float64(qtyIn)) / float64(total)
	return int64(math.Round(blended))
}

func copyOrder(order *domain.Order) *domain.Order {
	copied := *order
	copied.Items = slices.Clone(order.Items)
	copied.StatusHistory = slices.Clone(order.StatusHistory)
	copied.DeliveryAttempts = slices.Clone(order.DeliveryAttempts)
	if order.DeliveredAt != nil {
		deliveredAt := *order.DeliveredAt
		copied.DeliveredAt = &deliveredAt
	}
	if order.Refund != nil {
		refund := *order.Refund
		copied.Refund = &refund
	}
	return &copied
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

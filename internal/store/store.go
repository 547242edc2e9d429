package store

import (
	"context"
	"errors"
	"time"

	"kirimaja/backend/internal/domain"
)

var (
	ErrItemNotFound      = errors.New("inventory item not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrRequestNotFound   = errors.New("request not found")
	ErrShipperNotFound   = errors.New("shipper not found")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("conflict, retry")
	ErrWindowExpired     = errors.New("window expired")
	ErrAlreadyProcessed  = errors.New("already processed")
	ErrInvalidInput      = errors.New("invalid input")
)

// Repository is implemented by the in-memory store (tests, dev) and the
// postgres store. Multi-aggregate operations (AssignShipperDeduct,
// CancelAndRestore, ReceiveReturnRestore, RecordDeliveryAttempt) are atomic:
// either every mutation they describe commits or none does.
type Repository interface {
	// Inventory ledger.
	GetInventoryItem(ctx context.Context, key domain.ItemKey) (*domain.InventoryItem, error)
	ListInventoryItems(ctx context.Context, lowStockOnly bool) ([]domain.InventoryItem, error)
	StockIn(ctx context.Context, key domain.ItemKey, qty int, unitCostCents int64, threshold int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error)
	StockOut(ctx context.Context, key domain.ItemKey, qty int, reason, reference, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error)
	AdjustStock(ctx context.Context, key domain.ItemKey, newQty int, reason, performedBy string, at time.Time) (*domain.InventoryItem, *domain.InventoryTransaction, error)
	ListInventoryTransactions(ctx context.Context, key *domain.ItemKey, limit int) ([]domain.InventoryTransaction, error)
	GetInventoryStats(ctx context.Context) (domain.InventoryStats, error)

	// Orders. CreateOrder checks on-hand stock for every line but deducts
	// nothing. TransitionOrder is compare-and-swap on the current status and
	// fails with ErrConflict when the expected "from" no longer holds.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error)
	TransitionOrder(ctx context.Context, orderID string, from, to domain.OrderStatus, entry domain.StatusChange) (*domain.Order, error)

	// AssignShipperDeduct is the sole stock-out sweep trigger: it verifies
	// the order is confirmed, not frozen by a cancel request and not yet
	// deducted, checks shipper capacity, applies an OUT transaction per line
	// item, sets inventoryDeducted, moves the order to assigned_to_shipper
	// and increments the shipper's active-order counter, all atomically.
	AssignShipperDeduct(ctx context.Context, orderID, shipperID, actor string, at time.Time) (*domain.Order, error)

	// CancelAndRestore CAS-moves the order from expect to cancelled and, if
	// inventory was deducted, stocks every line back in at cost 0 and clears
	// the flag. A second call on an already-cancelled order is a no-op
	// (restored=false, no error). resolve optionally closes the order's
	// cancel request with the given status.
	CancelAndRestore(ctx context.Context, orderID string, expect domain.OrderStatus, entry domain.StatusChange, resolveRequest string) (order *domain.Order, restored bool, err error)

	// ReceiveReturnRestore confirms physical hand-back for an approved
	// return: request shipping->received, stock-in every line at cost 0,
	// clear inventoryDeducted, order delivered->returned.
	ReceiveReturnRestore(ctx context.Context, requestID, actor string, at time.Time) (*domain.Order, *domain.ReturnRequest, error)

	RecordDeliveryAttempt(ctx context.Context, orderID string, attempt domain.DeliveryAttempt) (*domain.Order, error)
	SetOrderRefund(ctx context.Context, orderID string, refund domain.Refund, entry domain.StatusChange) (*domain.Order, error)

	// Cancellation workflow.
	CreateCancelRequest(ctx context.Context, req domain.CancelRequest) (*domain.CancelRequest, error)
	GetCancelRequest(ctx context.Context, id string) (*domain.CancelRequest, error)
	RejectCancelRequest(ctx context.Context, id string, at time.Time) (*domain.CancelRequest, error)

	// Return workflow.
	CreateReturnRequest(ctx context.Context, req domain.ReturnRequest) (*domain.ReturnRequest, error)
	GetReturnRequest(ctx context.Context, id string) (*domain.ReturnRequest, error)
	ListReturnRequests(ctx context.Context, status string, limit int) ([]domain.ReturnRequest, error)
	UpdateReturnRequestStatus(ctx context.Context, id, from, to, shipperID, note string, at time.Time) (*domain.ReturnRequest, error)
	// ExpireReturnRequests rejects every pending request whose SLA has
	// lapsed. Idempotent: a sweep with nothing expired is a no-op.
	ExpireReturnRequests(ctx context.Context, now time.Time) (int, error)

	// Shippers.
	CreateShipper(ctx context.Context, shipper domain.Shipper) (*domain.Shipper, error)
	GetShipper(ctx context.Context, id string) (*domain.Shipper, error)
	ListShippers(ctx context.Context) ([]domain.Shipper, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from, to time.Time, limit int) ([]domain.AuditLog, error)

	// Auth accounts.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

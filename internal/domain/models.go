package domain

import (
	"fmt"
	"strings"
	"time"
)

// ItemKey identifies one sellable stock-keeping unit: a product variant in a
// specific size. Inventory is tracked per key, never per bare product.
type ItemKey struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Size      string `json:"size"`
}

func (k ItemKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ProductID, k.VariantID, k.Size)
}

func (k ItemKey) IsZero() bool {
	return strings.TrimSpace(k.ProductID) == "" ||
		strings.TrimSpace(k.VariantID) == "" ||
		strings.TrimSpace(k.Size) == ""
}

type InventoryItem struct {
	Key               ItemKey   `json:"key"`
	Quantity          int       `json:"quantity"`
	CostCents         int64     `json:"cost_cents"`
	AverageCostCents  int64     `json:"average_cost_cents"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

const (
	TxnTypeIn     = "IN"
	TxnTypeOut    = "OUT"
	TxnTypeAdjust = "ADJUST"
)

// InventoryTransaction is the append-only audit record of one ledger
// mutation. Rows are immutable once written.
type InventoryTransaction struct {
	ID             string    `json:"id"`
	Key            ItemKey   `json:"key"`
	Type           string    `json:"type"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityChange int       `json:"quantity_change"`
	QuantityAfter  int       `json:"quantity_after"`
	CostCents      int64     `json:"cost_cents"`
	TotalCostCents int64     `json:"total_cost_cents"`
	Reason         string    `json:"reason"`
	Reference      string    `json:"reference,omitempty"`
	PerformedBy    string    `json:"performed_by"`
	CreatedAt      time.Time `json:"created_at"`
}

type InventoryStats struct {
	TotalItems          int   `json:"total_items"`
	TotalUnits          int   `json:"total_units"`
	TotalValueCents     int64 `json:"total_value_cents"`
	LowStockItems       int   `json:"low_stock_items"`
	OutOfStockItems     int   `json:"out_of_stock_items"`
	TransactionsWritten int   `json:"transactions_written"`
}

type StockInRequest struct {
	Key               ItemKey `json:"key"`
	Quantity          int     `json:"quantity"`
	UnitCostCents     int64   `json:"unit_cost_cents"`
	Reason            string  `json:"reason"`
	LowStockThreshold int     `json:"low_stock_threshold,omitempty"`
}

type StockOutRequest struct {
	Key       ItemKey `json:"key"`
	Quantity  int     `json:"quantity"`
	Reason    string  `json:"reason"`
	Reference string  `json:"reference,omitempty"`
}

type AdjustStockRequest struct {
	Key         ItemKey `json:"key"`
	NewQuantity int     `json:"new_quantity"`
	Reason      string  `json:"reason"`
}

type PriceQuoteRequest struct {
	CostCents           int64   `json:"cost_cents"`
	TargetProfitPercent float64 `json:"target_profit_percent"`
	PercentDiscount     float64 `json:"percent_discount"`
}

type PriceQuote struct {
	BasePriceCents     int64   `json:"base_price_cents"`
	FinalPriceCents    int64   `json:"final_price_cents"`
	ProfitPerUnitCents int64   `json:"profit_per_unit_cents"`
	MarginPercent      float64 `json:"margin_percent"`
	MarkupPercent      float64 `json:"markup_percent"`
}

type OrderItem struct {
	Key            ItemKey `json:"key"`
	Quantity       int     `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	UnitCostCents  int64   `json:"unit_cost_cents"`
}

type StatusChange struct {
	Status OrderStatus `json:"status"`
	At     time.Time   `json:"at"`
	Actor  string      `json:"actor"`
	Note   string      `json:"note,omitempty"`
}

const (
	DeliveryOutcomeSuccess = "success"
	DeliveryOutcomeFailed  = "failed"
)

type DeliveryAttempt struct {
	Outcome    string    `json:"outcome"`
	Note       string    `json:"note,omitempty"`
	RecordedBy string    `json:"recorded_by"`
	At         time.Time `json:"at"`
}

const (
	PaymentMethodCOD    = "cod"
	PaymentMethodOnline = "online"

	PaymentStatusPending = "pending"
	PaymentStatusPaid    = "paid"
)

type Refund struct {
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	Status      string    `json:"status"`
	ProcessedBy string    `json:"processed_by"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Order owns its embedded items, status history and delivery attempts.
// Cancel/return requests are referenced by id only, never embedded.
type Order struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customer_id"`
	Items             []OrderItem       `json:"items"`
	SubtotalCents     int64             `json:"subtotal_cents"`
	DiscountCents     int64             `json:"discount_cents"`
	ShippingFeeCents  int64             `json:"shipping_fee_cents"`
	TotalCents        int64             `json:"total_cents"`
	PaymentMethod     string            `json:"payment_method"`
	PaymentStatus     string            `json:"payment_status"`
	Status            OrderStatus       `json:"status"`
	StatusHistory     []StatusChange    `json:"status_history"`
	InventoryDeducted bool              `json:"inventory_deducted"`
	HasCancelRequest  bool              `json:"has_cancel_request"`
	CancelRequestID   string            `json:"cancel_request_id,omitempty"`
	ReturnRequestID   string            `json:"return_request_id,omitempty"`
	AssignedShipperID string            `json:"assigned_shipper_id,omitempty"`
	DeliveryAttempts  []DeliveryAttempt `json:"delivery_attempts,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	ReturnConfirmed   bool              `json:"return_confirmed"`
	Refund            *Refund           `json:"refund,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// FailedDeliveries counts cumulative failed attempts over the order's life.
func (o *Order) FailedDeliveries() int {
	failed := 0
	for _, attempt := range o.DeliveryAttempts {
		if attempt.Outcome == DeliveryOutcomeFailed {
			failed++
		}
	}
	return failed
}

type OrderCreateItem struct {
	Key            ItemKey `json:"key"`
	Quantity       int     `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_cents"`
}

type OrderCreateRequest struct {
	CustomerID       string            `json:"customer_id"`
	PaymentMethod    string            `json:"payment_method"`
	ShippingFeeCents int64             `json:"shipping_fee_cents"`
	CouponCode       string            `json:"coupon_code,omitempty"`
	Items            []OrderCreateItem `json:"items"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status"`
	Note   string      `json:"note,omitempty"`
}

const (
	CancelStatusPending  = "pending"
	CancelStatusApproved = "approved"
	CancelStatusRejected = "rejected"
)

type CancelRequest struct {
	ID          string     `json:"id"`
	OrderID     string     `json:"order_id"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requested_by"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

type CancelCreateRequest struct {
	Reason string `json:"reason"`
}

type ResolveCancelRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

const (
	ReturnStatusPending   = "pending"
	ReturnStatusApproved  = "approved"
	ReturnStatusShipping  = "shipping"
	ReturnStatusReceived  = "received"
	ReturnStatusCompleted = "completed"
	ReturnStatusRejected  = "rejected"
	ReturnStatusCanceled  = "canceled"
)

type ReturnRequest struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"order_id"`
	Reason            string     `json:"reason"`
	RefundMethod      string     `json:"refund_method"`
	BankInfo          string     `json:"bank_info,omitempty"`
	RefundAmountCents int64      `json:"refund_amount_cents"`
	Status            string     `json:"status"`
	RejectReason      string     `json:"reject_reason,omitempty"`
	AssignedShipperID string     `json:"assigned_shipper_id,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// Terminal reports whether the request can no longer change state.
func (r *ReturnRequest) Terminal() bool {
	switch r.Status {
	case ReturnStatusCompleted, ReturnStatusRejected, ReturnStatusCanceled:
		return true
	}
	return false
}

type ReturnCreateRequest struct {
	Reason       string `json:"reason"`
	RefundMethod string `json:"refund_method"`
	BankInfo     string `json:"bank_info,omitempty"`
}

type ResolveReturnRequest struct {
	Approve bool   `json:"approve"`
	Note    string `json:"note,omitempty"`
}

type AssignShipperRequest struct {
	ShipperID string `json:"shipper_id"`
}

type DeliveryAttemptRequest struct {
	Outcome string `json:"outcome"`
	Note    string `json:"note,omitempty"`
}

type ProcessRefundRequest struct {
	Method string `json:"method"`
}

type Shipper struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Phone           string    `json:"phone"`
	Active          bool      `json:"active"`
	MaxActiveOrders int       `json:"max_active_orders"`
	ActiveOrders    int       `json:"active_orders"`
	CreatedAt       time.Time `json:"created_at"`
}

type ShipperCreateRequest struct {
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	MaxActiveOrders int    `json:"max_active_orders"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// Notification event kinds published after state transitions.
const (
	EventOrderCreated        = "order.created"
	EventOrderConfirmed      = "order.confirmed"
	EventOrderAssigned       = "order.assigned_to_shipper"
	EventOrderOutForDelivery = "order.out_for_delivery"
	EventOrderDelivered      = "order.delivered"
	EventOrderDeliveryFailed = "order.delivery_failed"
	EventOrderCancelled      = "order.cancelled"
	EventOrderReturned       = "order.returned"
	EventOrderRefunded       = "order.refunded"
	EventReturnRequested     = "return.requested"
	EventReturnApproved      = "return.approved"
	EventReturnRejected      = "return.rejected"
	EventCancelRequested     = "cancel.requested"
	EventCancelRejected      = "cancel.rejected"
)

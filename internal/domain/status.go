package domain

// OrderStatus is the fulfillment state of an order. Transitions happen only
// through the store's atomic transition primitives; the allowed set below is
// the single source of truth.
type OrderStatus string

const (
	StatusPending              OrderStatus = "pending"
	StatusConfirmed            OrderStatus = "confirmed"
	StatusAssignedToShipper    OrderStatus = "assigned_to_shipper"
	StatusOutForDelivery       OrderStatus = "out_for_delivery"
	StatusDelivered            OrderStatus = "delivered"
	StatusDeliveryFailed       OrderStatus = "delivery_failed"
	StatusReturningToWarehouse OrderStatus = "returning_to_warehouse"
	StatusCancelled            OrderStatus = "cancelled"
	StatusReturned             OrderStatus = "returned"
	StatusRefunded             OrderStatus = "refunded"
)

// MaxDeliveryFailures is the cumulative failed-attempt count that escalates
// a delivery_failed order to returning_to_warehouse.
const MaxDeliveryFailures = 3

var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:              {StatusConfirmed, StatusCancelled},
	StatusConfirmed:            {StatusAssignedToShipper, StatusCancelled},
	StatusAssignedToShipper:    {StatusOutForDelivery},
	StatusOutForDelivery:       {StatusDelivered, StatusDeliveryFailed},
	StatusDeliveryFailed:       {StatusOutForDelivery, StatusReturningToWarehouse},
	StatusReturningToWarehouse: {StatusCancelled},
	StatusDelivered:            {StatusReturned},
	StatusCancelled:            {StatusRefunded},
	StatusReturned:             {StatusRefunded},
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known order status.
func ValidStatus(s OrderStatus) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusAssignedToShipper,
		StatusOutForDelivery, StatusDelivered, StatusDeliveryFailed,
		StatusReturningToWarehouse, StatusCancelled, StatusReturned,
		StatusRefunded:
		return true
	}
	return false
}

// TerminalStatus reports whether an order can leave s at all.
func TerminalStatus(s OrderStatus) bool {
	return len(allowedTransitions[s]) == 0
}

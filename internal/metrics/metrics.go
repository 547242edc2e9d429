package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StockOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kirimaja_stock_operations_total",
		Help: "Total number of inventory ledger mutations, by transaction type.",
	},
		[]string{"type"},
	)

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimaja_orders_created_total",
		Help: "Total number of orders successfully created.",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kirimaja_order_transitions_total",
		Help: "Total number of committed order status transitions, by target status.",
	},
		[]string{"to"},
	)

	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimaja_conflicts_total",
		Help: "Total number of optimistic-concurrency conflicts observed.",
	})

	ReturnRequestsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimaja_return_requests_expired_total",
		Help: "Total number of return requests auto-rejected by the expiry sweep.",
	})

	NotificationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kirimaja_notification_failures_total",
		Help: "Total number of notification publishes that failed.",
	})
)
